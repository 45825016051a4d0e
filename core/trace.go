package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dosco/docbridge/core"

type StringAttr struct {
	Name  string
	Value string
}

type Tracer interface {
	Start(c context.Context, name string) (context.Context, Spaner)
}

type Spaner interface {
	SetAttributesString(attrs ...StringAttr)
	IsRecording() bool
	Error(err error)
	End()
}

// otelTracer uses the global OpenTelemetry provider. With no provider
// installed spans are no-ops.
type otelTracer struct {
	tr trace.Tracer
}

func newOtelTracer() Tracer {
	return &otelTracer{tr: otel.Tracer(tracerName)}
}

func (t *otelTracer) Start(c context.Context, name string) (context.Context, Spaner) {
	c, span := t.tr.Start(c, name)
	return c, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttributesString(attrs ...StringAttr) {
	kv := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		kv[i] = attribute.String(a.Name, a.Value)
	}
	s.span.SetAttributes(kv...)
}

func (s *otelSpan) IsRecording() bool {
	return s.span.IsRecording()
}

func (s *otelSpan) Error(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}
