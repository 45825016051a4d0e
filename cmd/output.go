package main

import (
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"gopkg.in/yaml.v3"
)

// parseDoc reads one relaxed extended JSON document. An empty string is an
// empty document.
func parseDoc(s string) (bson.D, error) {
	if strings.TrimSpace(s) == "" {
		return bson.D{}, nil
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &d); err != nil {
		return nil, fmt.Errorf("invalid document %q: %w", s, err)
	}
	return d, nil
}

// parseDocs reads a single document or an array of documents.
func parseDocs(s string) ([]bson.D, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		d, err := parseDoc(s)
		if err != nil {
			return nil, err
		}
		return []bson.D{d}, nil
	}

	var wrap struct {
		V []bson.D `bson:"v"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"v":`+s+`}`), false, &wrap); err != nil {
		return nil, fmt.Errorf("invalid document array: %w", err)
	}
	return wrap.V, nil
}

// printer writes values as relaxed extended JSON, one per line, or as a
// YAML stream.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "json", "yaml":
		return &printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unsupported output format %q: use json or yaml", format)
}

func (p *printer) print(v any) error {
	var b []byte
	var err error

	switch v := v.(type) {
	case bson.D:
		b, err = bson.MarshalExtJSON(v, false, false)
	default:
		b, err = bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, false, false)
		if err == nil {
			b, err = unwrap(b)
		}
	}
	if err != nil {
		return err
	}

	if p.format == "yaml" {
		var n yaml.Node
		if err := yaml.Unmarshal(b, &n); err != nil {
			return err
		}
		blockStyle(&n)
		if b, err = yaml.Marshal(&n); err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "---\n%s", b)
		return err
	}

	_, err = fmt.Fprintf(p.w, "%s\n", b)
	return err
}

// unwrap strips the {"v": ...} envelope used to encode non-document values
func unwrap(b []byte) ([]byte, error) {
	s := string(b)
	if !strings.HasPrefix(s, `{"v":`) || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("unexpected encoding %s", s)
	}
	return []byte(s[len(`{"v":`) : len(s)-1]), nil
}

// blockStyle drops the flow style and quoting carried over from JSON input
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
