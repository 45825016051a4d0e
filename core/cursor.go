package core

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type CursorState int8

const (
	CursorUnexecuted CursorState = iota
	CursorOpen
	CursorExhausted
	CursorClosed
)

func (s CursorState) String() string {
	switch s {
	case CursorUnexecuted:
		return "unexecuted"
	case CursorOpen:
		return "open"
	case CursorExhausted:
		return "exhausted"
	default:
		return "closed"
	}
}

// Cursor is a lazily executed query. Builder methods mutate the cursor and
// return it; they are only valid before the first fetch. A builder error is
// sticky and returned by every later call that would touch the backend.
//
// Builder methods are single-writer. Once executed a cursor may be read
// from several goroutines only if they serialize calls to Next.
type Cursor struct {
	coll *Collection

	filter   bson.D
	pipeline []bson.D
	agg      bool

	sort           bson.D
	projection     bson.D
	skip           int64
	limit          int64
	batch          int
	distinctCounts bool

	state    CursorState
	src      docSource
	counts   []ValueCount
	buildErr error
	err      error
}

func newCursor(coll *Collection, filter bson.D, err error) *Cursor {
	return &Cursor{coll: coll, filter: filter, buildErr: err}
}

// building reports whether a builder method may still change the cursor,
// recording an error when it may not.
func (c *Cursor) building(method string) bool {
	if c.buildErr != nil {
		return false
	}
	switch {
	case c.agg:
		c.buildErr = withKind(ErrCursorState,
			fmt.Errorf("cursor: %s is not supported on an aggregation cursor", method))
	case c.state != CursorUnexecuted:
		c.buildErr = withKind(ErrCursorState,
			fmt.Errorf("cursor: %s called on a %s cursor", method, c.state))
	default:
		return true
	}
	return false
}

func (c *Cursor) fail(err error) *Cursor {
	c.buildErr = classify(err)
	return c
}

// Sort sets the sort document: path → 1 | -1.
func (c *Cursor) Sort(spec any) *Cursor {
	if !c.building("sort") {
		return c
	}
	d, err := normalizeOptional(spec, "sort")
	if err != nil {
		return c.fail(err)
	}
	if _, err := qcode.CompileSort(d); err != nil {
		return c.fail(inputErrorf("%w", err))
	}
	c.sort = d
	return c
}

// Skip accepts only non-negative Go integers.
func (c *Cursor) Skip(n any) *Cursor {
	if !c.building("skip") {
		return c
	}
	v, err := toCount(n, "skip")
	if err != nil {
		return c.fail(err)
	}
	c.skip = v
	return c
}

// Limit accepts only non-negative Go integers. Zero means no limit.
func (c *Cursor) Limit(n any) *Cursor {
	if !c.building("limit") {
		return c
	}
	v, err := toCount(n, "limit")
	if err != nil {
		return c.fail(err)
	}
	c.limit = v
	return c
}

func (c *Cursor) BatchSize(n any) *Cursor {
	if !c.building("batchSize") {
		return c
	}
	v, err := toCount(n, "batch size")
	if err != nil {
		return c.fail(err)
	}
	c.batch = int(v)
	return c
}

func (c *Cursor) Project(spec any) *Cursor {
	if !c.building("project") {
		return c
	}
	d, err := normalizeOptional(spec, "projection")
	if err != nil {
		return c.fail(err)
	}
	if _, err := doc.ParseProjection(d); err != nil {
		return c.fail(inputErrorf("%w", err))
	}
	c.projection = d
	return c
}

// DistinctCounts makes Distinct also record how many documents carry each
// value; see Counts.
func (c *Cursor) DistinctCounts(on bool) *Cursor {
	if !c.building("distinctCounts") {
		return c
	}
	c.distinctCounts = on
	return c
}

// Archived restricts the cursor to documents whose archived field is true,
// or with false to documents where it is anything else.
func (c *Cursor) Archived(on bool) *Cursor {
	if !c.building("archived") {
		return c
	}
	var cond bson.D
	if on {
		cond = bson.D{{Key: "archived", Value: true}}
	} else {
		cond = bson.D{{Key: "archived", Value: bson.D{{Key: "$ne", Value: true}}}}
	}
	if len(c.filter) == 0 {
		c.filter = cond
	} else {
		c.filter = bson.D{{Key: "$and", Value: bson.A{c.filter, cond}}}
	}
	return c
}

func (c *Cursor) State() CursorState {
	return c.state
}

// Err returns the builder or execution error, if any.
func (c *Cursor) Err() error {
	if c.buildErr != nil {
		return c.buildErr
	}
	return c.err
}

func (c *Cursor) spec() *findSpec {
	return &findSpec{
		filter:     c.filter,
		sort:       c.sort,
		projection: c.projection,
		skip:       c.skip,
		limit:      c.limit,
		batch:      c.batch,
	}
}

func (c *Cursor) open(ctx context.Context) (err error) {
	client := c.coll.db.client
	if client.isClosed() {
		return ErrClientClosed
	}
	ctx, span := client.spanStart(ctx, "docbridge.cursor.open")
	defer func() {
		span.Error(err)
		span.End()
	}()

	batch := c.batch
	if batch == 0 {
		batch = client.opts.BatchSize
	}
	if c.agg {
		c.src, err = c.coll.be.aggregate(ctx, c.pipeline, batch)
	} else {
		q := c.spec()
		q.batch = batch
		c.src, err = c.coll.be.open(ctx, q)
	}
	if err != nil {
		return classify(err)
	}
	c.state = CursorOpen
	return nil
}

// Next returns the next document, or nil at the end of the stream. After
// Close it keeps returning nil.
func (c *Cursor) Next(ctx context.Context) (bson.D, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	switch c.state {
	case CursorExhausted, CursorClosed:
		return nil, nil
	case CursorUnexecuted:
		if err := c.open(ctx); err != nil {
			c.err = err
			return nil, err
		}
	}

	d, err := c.src.next(ctx)
	if err != nil {
		c.err = classify(err)
		return nil, c.err
	}
	if d == nil {
		c.state = CursorExhausted
		err := c.src.close(ctx)
		c.src = nil
		return nil, err
	}
	return d, nil
}

// ForEach calls fn for every remaining document. Returning an error from fn
// stops the iteration and closes the cursor.
func (c *Cursor) ForEach(ctx context.Context, fn func(bson.D) error) error {
	for {
		d, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		if err := fn(d); err != nil {
			c.Close(ctx) //nolint:errcheck
			return err
		}
	}
}

// ToArray materializes all remaining documents.
func (c *Cursor) ToArray(ctx context.Context) ([]bson.D, error) {
	out := []bson.D{}
	err := c.ForEach(ctx, func(d bson.D) error {
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// All decodes all remaining documents into results, which must be a pointer
// to a slice.
func (c *Cursor) All(ctx context.Context, results any) error {
	rv := reflect.ValueOf(results)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return inputErrorf("results must be a pointer to a slice")
	}
	sv := rv.Elem()
	et := sv.Type().Elem()
	sv.SetLen(0)

	return c.ForEach(ctx, func(d bson.D) error {
		b, err := bson.Marshal(d)
		if err != nil {
			return err
		}
		ev := reflect.New(et)
		if err := bson.Unmarshal(b, ev.Interface()); err != nil {
			return err
		}
		sv.Set(reflect.Append(sv, ev.Elem()))
		return nil
	})
}

// Count returns the number of documents the cursor would produce. It does
// not change the cursor's state.
func (c *Cursor) Count(ctx context.Context) (n int64, err error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	if c.agg {
		return 0, withKind(ErrCursorState, fmt.Errorf("cursor: count is not supported on an aggregation cursor"))
	}
	err = c.coll.run(ctx, "count", func(ctx context.Context) error {
		n, err = c.coll.be.count(ctx, c.spec())
		return err
	})
	return n, err
}

// Distinct returns the distinct values of field over the documents the
// cursor would produce, in first-seen order. Array values contribute each
// element.
func (c *Cursor) Distinct(ctx context.Context, field string) ([]any, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	if c.agg {
		return nil, withKind(ErrCursorState, fmt.Errorf("cursor: distinct is not supported on an aggregation cursor"))
	}
	path, err := ident.SplitPath(field)
	if err != nil {
		return nil, classify(err)
	}

	d := c.Clone()
	d.projection = bson.D{{Key: field, Value: 1}}
	d.sort = c.sort

	var vals []any
	var counts []ValueCount
	seen := make(map[string]int)

	add := func(v any) error {
		k, err := distinctKey(v)
		if err != nil {
			return err
		}
		if i, ok := seen[k]; ok {
			counts[i].Count++
			return nil
		}
		seen[k] = len(vals)
		vals = append(vals, v)
		counts = append(counts, ValueCount{Value: v, Count: 1})
		return nil
	}

	err = d.ForEach(ctx, func(row bson.D) error {
		v, ok := doc.Lookup(row, path)
		if !ok {
			return nil
		}
		if arr, ok := doc.AsArray(v); ok {
			for _, x := range arr {
				if err := add(x); err != nil {
					return err
				}
			}
			return nil
		}
		return add(v)
	})
	if err != nil {
		return nil, err
	}
	if c.distinctCounts {
		c.counts = counts
	}
	if vals == nil {
		vals = []any{}
	}
	return vals, nil
}

// Counts returns the per-value counts of the last Distinct call when
// DistinctCounts(true) was set.
func (c *Cursor) Counts() []ValueCount {
	return c.counts
}

func distinctKey(v any) (string, error) {
	if k, err := doc.IDKey(v); err == nil {
		return k, nil
	}
	b, err := doc.CanonicalJSON(v)
	return string(b), err
}

// Clone returns an unexecuted cursor with the same query and builder state.
func (c *Cursor) Clone() *Cursor {
	return &Cursor{
		coll:           c.coll,
		filter:         c.filter,
		pipeline:       c.pipeline,
		agg:            c.agg,
		sort:           c.sort,
		projection:     c.projection,
		skip:           c.skip,
		limit:          c.limit,
		batch:          c.batch,
		distinctCounts: c.distinctCounts,
		buildErr:       c.buildErr,
	}
}

// Close releases backend resources. Later calls to Next return nil.
func (c *Cursor) Close(ctx context.Context) error {
	if c.state == CursorClosed {
		return nil
	}
	c.state = CursorClosed
	if c.src == nil {
		return nil
	}
	err := c.src.close(ctx)
	c.src = nil
	return err
}
