package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// backend is one storage engine behind a Client.
type backend interface {
	kind() string
	ping(ctx context.Context) error
	close(ctx context.Context, force bool) error
	listDatabases(ctx context.Context) ([]string, error)
	listCollections(ctx context.Context, db string) ([]string, error)
	dropDatabase(ctx context.Context, db string) error
	collection(db, name string) collBackend

	// newID generates an _id for documents inserted without one.
	newID() any
}

// collBackend executes already normalized requests against one collection.
// Inputs are validated by Collection before they get here.
type collBackend interface {
	insert(ctx context.Context, docs []bson.D) (int, error)
	open(ctx context.Context, q *findSpec) (docSource, error)
	count(ctx context.Context, q *findSpec) (int64, error)
	update(ctx context.Context, u *updateSpec) (*UpdateResult, error)
	findAndModify(ctx context.Context, m *modifySpec) (bson.D, error)
	delete(ctx context.Context, filter bson.D, many bool) (int64, error)
	bulkWrite(ctx context.Context, models []writeModel) (*BulkWriteResult, error)
	aggregate(ctx context.Context, pipeline []bson.D, batch int) (docSource, error)
	createIndex(ctx context.Context, keys bson.D, opts *IndexOptions) (string, error)
	dropIndex(ctx context.Context, name string) error
	indexes(ctx context.Context) ([]IndexInfo, error)
	rename(ctx context.Context, to string) error
	drop(ctx context.Context) error
}

// docSource is an open result stream. next returns nil at the end.
type docSource interface {
	next(ctx context.Context) (bson.D, error)
	close(ctx context.Context) error
}

type findSpec struct {
	filter     bson.D
	sort       bson.D
	projection bson.D
	skip       int64
	limit      int64
	batch      int
}

type updateSpec struct {
	filter      bson.D
	update      bson.D
	replacement bson.D
	many        bool
	upsert      bool
}

type modifySpec struct {
	filter      bson.D
	update      bson.D
	replacement bson.D
	remove      bool
	sort        bson.D
	projection  bson.D
	upsert      bool
	after       bool
}

// sliceSource serves documents already held in memory.
type sliceSource struct {
	docs []bson.D
	pos  int
}

func (s *sliceSource) next(ctx context.Context) (bson.D, error) {
	if s.pos >= len(s.docs) {
		return nil, nil
	}
	d := s.docs[s.pos]
	s.docs[s.pos] = nil
	s.pos++
	return d, nil
}

func (s *sliceSource) close(ctx context.Context) error {
	s.docs = nil
	return nil
}

// normalizeFilter accepts nil as the empty filter. The result is validated
// so no backend ever receives a filter that fails to compile.
func normalizeFilter(filter any) (bson.D, error) {
	if filter == nil {
		return bson.D{}, nil
	}
	d, err := doc.Normalize(filter)
	if err != nil {
		return nil, withKind(ErrInvalidFilter, fmt.Errorf("invalid filter: %w", err))
	}
	if err := qcode.ValidateFilter(d); err != nil {
		return nil, classify(err)
	}
	return d, nil
}

func normalizeDoc(v any) (bson.D, error) {
	d, err := doc.Normalize(v)
	if err != nil {
		if errors.Is(err, doc.ErrNilDocument) {
			return nil, inputErrorf("document must not be nil")
		}
		return nil, inputErrorf("invalid document: %w", err)
	}
	return d, nil
}

func normalizeOptional(v any, what string) (bson.D, error) {
	if v == nil {
		return nil, nil
	}
	d, err := doc.Normalize(v)
	if err != nil {
		return nil, inputErrorf("invalid %s: %w", what, err)
	}
	return d, nil
}

func normalizePipeline(v any) ([]bson.D, error) {
	if v == nil {
		return nil, nil
	}
	arr, err := doc.NormalizeArray(v)
	if err != nil {
		return nil, inputErrorf("pipeline must be an array of stages: %w", err)
	}
	stages := make([]bson.D, len(arr))
	for i, s := range arr {
		d, ok := doc.AsDoc(s)
		if !ok {
			return nil, inputErrorf("pipeline stage %d must be a document", i)
		}
		stages[i] = d
	}
	return stages, nil
}

// toCount validates skip, limit and batch size arguments. Only Go integer
// types are accepted so no caller-supplied text can reach a statement.
func toCount(v any, what string) (int64, error) {
	var n int64
	switch val := v.(type) {
	case int:
		n = int64(val)
	case int8:
		n = int64(val)
	case int16:
		n = int64(val)
	case int32:
		n = int64(val)
	case int64:
		n = val
	case uint:
		n = int64(val)
	case uint8:
		n = int64(val)
	case uint16:
		n = int64(val)
	case uint32:
		n = int64(val)
	case uint64:
		if val > 1<<62 {
			return 0, inputErrorf("%s must be a non-negative integer", what)
		}
		n = int64(val)
	default:
		return 0, inputErrorf("%s must be a non-negative integer", what)
	}
	if n < 0 {
		return 0, inputErrorf("%s must be a non-negative integer", what)
	}
	return n, nil
}
