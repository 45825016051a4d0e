package core

import (
	"github.com/dosco/docbridge/core/internal/qcode"
)

// FindOptions are applied to the cursor returned by Find exactly as if the
// matching builder methods had been called, so the same validation applies.
type FindOptions struct {
	Projection any
	Sort       any
	Skip       any
	Limit      any
	BatchSize  any
}

type FindOneOptions struct {
	Projection any
	Sort       any
	Skip       any
}

type UpdateOptions struct {
	Upsert bool
}

type ReplaceOptions struct {
	Upsert bool
}

type ReturnDocument int8

const (
	ReturnBefore ReturnDocument = iota
	ReturnAfter
)

type FindOneAndUpdateOptions struct {
	ReturnDocument ReturnDocument
	Sort           any
	Projection     any
	Upsert         bool
}

type FindOneAndReplaceOptions = FindOneAndUpdateOptions

type FindOneAndDeleteOptions struct {
	Sort       any
	Projection any
}

// IndexOptions mirror the native index options. Type "number" or "date"
// declares the storage type of every key.
type IndexOptions struct {
	Name   string
	Unique bool
	Sparse bool
	Type   string
}

func (o *IndexOptions) compile() (qcode.IndexOptions, error) {
	if _, err := qcode.ParseFieldType(o.Type); err != nil {
		return qcode.IndexOptions{}, inputErrorf("index: %w", err)
	}
	return qcode.IndexOptions{
		Name:   o.Name,
		Unique: o.Unique,
		Sparse: o.Sparse,
		Type:   o.Type,
	}, nil
}

func mergeIndexOptions(opts []*IndexOptions) *IndexOptions {
	o := &IndexOptions{}
	for _, v := range opts {
		if v == nil {
			continue
		}
		if v.Name != "" {
			o.Name = v.Name
		}
		o.Unique = o.Unique || v.Unique
		o.Sparse = o.Sparse || v.Sparse
		if v.Type != "" {
			o.Type = v.Type
		}
	}
	return o
}

func upsertOf[T UpdateOptions | ReplaceOptions](opts []*T) bool {
	for _, o := range opts {
		if o == nil {
			continue
		}
		switch v := any(o).(type) {
		case *UpdateOptions:
			if v.Upsert {
				return true
			}
		case *ReplaceOptions:
			if v.Upsert {
				return true
			}
		}
	}
	return false
}

func mergeFindOneAndUpdate(opts []*FindOneAndUpdateOptions) *FindOneAndUpdateOptions {
	o := &FindOneAndUpdateOptions{}
	for _, v := range opts {
		if v == nil {
			continue
		}
		if v.ReturnDocument != ReturnBefore {
			o.ReturnDocument = v.ReturnDocument
		}
		if v.Sort != nil {
			o.Sort = v.Sort
		}
		if v.Projection != nil {
			o.Projection = v.Projection
		}
		o.Upsert = o.Upsert || v.Upsert
	}
	return o
}
