package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Collection is a handle on one named collection. It is immutable and safe
// for concurrent use.
type Collection struct {
	db   *Database
	name string
	be   collBackend
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Database() *Database {
	return c.db
}

// run wraps one collection operation in a span and classifies its error.
func (c *Collection) run(ctx context.Context, op string, fn func(context.Context) error) error {
	client := c.db.client
	if client.isClosed() {
		return ErrClientClosed
	}
	ctx, span := client.spanStart(ctx, "docbridge."+op)
	if span.IsRecording() {
		span.SetAttributesString(
			StringAttr{"db.system", client.be.kind()},
			StringAttr{"db.name", c.db.name},
			StringAttr{"db.collection", c.name})
	}
	err := classify(fn(ctx))
	span.Error(err)
	span.End()
	return err
}

func (c *Collection) InsertOne(ctx context.Context, document any) (*InsertOneResult, error) {
	d, err := normalizeDoc(document)
	if err != nil {
		return nil, err
	}
	d, id := doc.EnsureID(d, c.db.client.be.newID)

	err = c.run(ctx, "insertOne", func(ctx context.Context) error {
		_, err := c.be.insert(ctx, []bson.D{d})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &InsertOneResult{InsertedID: id, Acknowledged: true}, nil
}

// InsertMany inserts documents in order. Relational backends insert all or
// nothing; the native backend keeps the prefix inserted before a failure.
func (c *Collection) InsertMany(ctx context.Context, documents any) (*InsertManyResult, error) {
	arr, err := doc.NormalizeArray(documents)
	if err != nil {
		return nil, inputErrorf("documents: %w", err)
	}
	if len(arr) == 0 {
		return nil, inputErrorf("documents must be a non-empty array")
	}

	gen := c.db.client.be.newID
	docs := make([]bson.D, len(arr))
	ids := make([]any, len(arr))
	for i, v := range arr {
		d, ok := doc.AsDoc(v)
		if !ok {
			return nil, inputErrorf("document %d is not a document", i)
		}
		docs[i], ids[i] = doc.EnsureID(d, gen)
	}

	var n int
	err = c.run(ctx, "insertMany", func(ctx context.Context) (err error) {
		n, err = c.be.insert(ctx, docs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &InsertManyResult{InsertedCount: int64(n), InsertedIDs: ids[:n], Acknowledged: true}, nil
}

// Find returns an unexecuted cursor. Errors in filter or options surface on
// the first call that would run the query.
func (c *Collection) Find(filter any, opts ...*FindOptions) *Cursor {
	f, err := normalizeFilter(filter)
	cur := newCursor(c, f, err)

	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.Projection != nil {
			cur.Project(o.Projection)
		}
		if o.Sort != nil {
			cur.Sort(o.Sort)
		}
		if o.Skip != nil {
			cur.Skip(o.Skip)
		}
		if o.Limit != nil {
			cur.Limit(o.Limit)
		}
		if o.BatchSize != nil {
			cur.BatchSize(o.BatchSize)
		}
	}
	return cur
}

// FindOne returns the first matching document or nil when nothing matches.
func (c *Collection) FindOne(ctx context.Context, filter any, opts ...*FindOneOptions) (bson.D, error) {
	cur := c.Find(filter)
	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.Projection != nil {
			cur.Project(o.Projection)
		}
		if o.Sort != nil {
			cur.Sort(o.Sort)
		}
		if o.Skip != nil {
			cur.Skip(o.Skip)
		}
	}
	cur.Limit(1)
	defer cur.Close(ctx) //nolint:errcheck

	return cur.Next(ctx)
}

func newUpdateSpec(filter, update any, many, upsert bool) (*updateSpec, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	u, err := normalizeOptional(update, "update")
	if err != nil {
		return nil, err
	}
	if len(u) == 0 || qcode.IsReplacement(u) {
		return nil, withKind(ErrInvalidUpdate, errors.New("invalid update: update document requires operators"))
	}
	if _, err := qcode.CompileUpdate(u); err != nil {
		return nil, classify(err)
	}
	return &updateSpec{filter: f, update: u, many: many, upsert: upsert}, nil
}

func newReplaceSpec(filter, replacement any, upsert bool) (*updateSpec, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	r, err := normalizeDoc(replacement)
	if err != nil {
		return nil, err
	}
	if !qcode.IsReplacement(r) {
		return nil, withKind(ErrInvalidUpdate, errors.New("invalid update: replacement document must not contain operators"))
	}
	for _, e := range r {
		if _, err := ident.Validate(ident.KindField, e.Key); err != nil {
			return nil, classify(err)
		}
	}
	return &updateSpec{filter: f, replacement: r, upsert: upsert}, nil
}

func (c *Collection) update(ctx context.Context, op string, u *updateSpec) (res *UpdateResult, err error) {
	err = c.run(ctx, op, func(ctx context.Context) error {
		res, err = c.be.update(ctx, u)
		return err
	})
	return res, err
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update any, opts ...*UpdateOptions) (*UpdateResult, error) {
	u, err := newUpdateSpec(filter, update, false, upsertOf(opts))
	if err != nil {
		return nil, err
	}
	return c.update(ctx, "updateOne", u)
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update any, opts ...*UpdateOptions) (*UpdateResult, error) {
	u, err := newUpdateSpec(filter, update, true, upsertOf(opts))
	if err != nil {
		return nil, err
	}
	return c.update(ctx, "updateMany", u)
}

// ReplaceOne replaces every field but _id of the first matching document.
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...*ReplaceOptions) (*UpdateResult, error) {
	u, err := newReplaceSpec(filter, replacement, upsertOf(opts))
	if err != nil {
		return nil, err
	}
	return c.update(ctx, "replaceOne", u)
}

func (c *Collection) delete(ctx context.Context, op string, filter any, many bool) (*DeleteResult, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	var n int64
	err = c.run(ctx, op, func(ctx context.Context) (err error) {
		n, err = c.be.delete(ctx, f, many)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &DeleteResult{DeletedCount: n, Acknowledged: true}, nil
}

func (c *Collection) DeleteOne(ctx context.Context, filter any) (*DeleteResult, error) {
	return c.delete(ctx, "deleteOne", filter, false)
}

func (c *Collection) DeleteMany(ctx context.Context, filter any) (*DeleteResult, error) {
	return c.delete(ctx, "deleteMany", filter, true)
}

func (c *Collection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	return c.Find(filter).Count(ctx)
}

func (c *Collection) Distinct(ctx context.Context, field string, filter any) ([]any, error) {
	return c.Find(filter).Distinct(ctx, field)
}

// Aggregate returns a cursor over the pipeline's output. Builder methods
// are rejected on it.
func (c *Collection) Aggregate(pipeline any) *Cursor {
	stages, err := normalizePipeline(pipeline)
	if err == nil {
		_, err = qcode.CompilePipeline(stages, qcode.Hints{})
	}
	cur := newCursor(c, nil, classify(err))
	cur.pipeline = stages
	cur.agg = true
	return cur
}

func (c *Collection) BulkWrite(ctx context.Context, models []WriteModel) (res *BulkWriteResult, err error) {
	ms, err := normalizeModels(models)
	if err != nil {
		return nil, err
	}
	gen := c.db.client.be.newID
	for i := range ms {
		if ms[i].kind == writeInsert {
			ms[i].doc, _ = doc.EnsureID(ms[i].doc.(bson.D), gen)
		}
	}

	err = c.run(ctx, "bulkWrite", func(ctx context.Context) error {
		res, err = c.be.bulkWrite(ctx, ms)
		return err
	})
	return res, err
}

func (c *Collection) findAndModify(ctx context.Context, op string, m *modifySpec) (d bson.D, err error) {
	err = c.run(ctx, op, func(ctx context.Context) error {
		d, err = c.be.findAndModify(ctx, m)
		return err
	})
	return d, err
}

func newModifySpec(filter any, o *FindOneAndUpdateOptions) (*modifySpec, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	m := &modifySpec{filter: f, upsert: o.Upsert, after: o.ReturnDocument == ReturnAfter}

	if m.sort, err = normalizeOptional(o.Sort, "sort"); err != nil {
		return nil, err
	}
	if _, err := qcode.CompileSort(m.sort); err != nil {
		return nil, inputErrorf("%w", err)
	}
	if m.projection, err = normalizeOptional(o.Projection, "projection"); err != nil {
		return nil, err
	}
	if _, err := doc.ParseProjection(m.projection); err != nil {
		return nil, inputErrorf("%w", err)
	}
	return m, nil
}

// FindOneAndUpdate atomically updates the first matching document in sort
// order and returns it as it was before the update, or after it with
// ReturnAfter. It returns nil when nothing matched and no upsert happened.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*FindOneAndUpdateOptions) (bson.D, error) {
	o := mergeFindOneAndUpdate(opts)
	u, err := newUpdateSpec(filter, update, false, o.Upsert)
	if err != nil {
		return nil, err
	}
	m, err := newModifySpec(filter, o)
	if err != nil {
		return nil, err
	}
	m.update = u.update
	return c.findAndModify(ctx, "findOneAndUpdate", m)
}

func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement any, opts ...*FindOneAndReplaceOptions) (bson.D, error) {
	o := mergeFindOneAndUpdate(opts)
	u, err := newReplaceSpec(filter, replacement, o.Upsert)
	if err != nil {
		return nil, err
	}
	m, err := newModifySpec(filter, o)
	if err != nil {
		return nil, err
	}
	m.replacement = u.replacement
	return c.findAndModify(ctx, "findOneAndReplace", m)
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter any, opts ...*FindOneAndDeleteOptions) (bson.D, error) {
	o := &FindOneAndUpdateOptions{}
	for _, v := range opts {
		if v == nil {
			continue
		}
		if v.Sort != nil {
			o.Sort = v.Sort
		}
		if v.Projection != nil {
			o.Projection = v.Projection
		}
	}
	m, err := newModifySpec(filter, o)
	if err != nil {
		return nil, err
	}
	m.remove = true
	return c.findAndModify(ctx, "findOneAndDelete", m)
}

// CreateIndex creates an index and returns its name. Creating an index that
// already exists with the same definition is a no-op.
func (c *Collection) CreateIndex(ctx context.Context, keys any, opts ...*IndexOptions) (name string, err error) {
	k, err := normalizeOptional(keys, "index keys")
	if err != nil {
		return "", err
	}
	o := mergeIndexOptions(opts)
	qo, err := o.compile()
	if err != nil {
		return "", err
	}
	if _, err := qcode.CompileIndex(k, qo); err != nil {
		return "", classify(err)
	}

	err = c.run(ctx, "createIndex", func(ctx context.Context) error {
		name, err = c.be.createIndex(ctx, k, o)
		return err
	})
	return name, err
}

// DropIndex drops an index by name or by its key document.
func (c *Collection) DropIndex(ctx context.Context, nameOrKeys any) error {
	return c.run(ctx, "dropIndex", func(ctx context.Context) error {
		name, err := c.indexName(ctx, nameOrKeys)
		if err != nil {
			return err
		}
		if name == qcode.IDIndexName {
			return inputErrorf("cannot drop the %s index", qcode.IDIndexName)
		}
		return c.be.dropIndex(ctx, name)
	})
}

func (c *Collection) indexName(ctx context.Context, nameOrKeys any) (string, error) {
	if s, ok := nameOrKeys.(string); ok {
		if s == qcode.IDIndexName {
			return s, nil
		}
		return ident.Validate(ident.KindIndex, s)
	}
	keys, err := normalizeOptional(nameOrKeys, "index keys")
	if err != nil {
		return "", err
	}
	list, err := c.be.indexes(ctx)
	if err != nil {
		return "", err
	}
	for _, ix := range list {
		if doc.Equal(ix.Key, keys) {
			return ix.Name, nil
		}
	}
	return "", inputErrorf("index not found with keys %v", keys)
}

// Indexes lists all indexes, the implicit _id_ index first.
func (c *Collection) Indexes(ctx context.Context) (list []IndexInfo, err error) {
	err = c.run(ctx, "indexes", func(ctx context.Context) error {
		list, err = c.be.indexes(ctx)
		return err
	})
	return list, err
}

// Rename moves the collection to a new name in the same database. The
// receiver keeps pointing at the old name.
func (c *Collection) Rename(ctx context.Context, newName string) (*Collection, error) {
	if _, err := ident.Validate(ident.KindTable, newName); err != nil {
		return nil, classify(err)
	}
	if newName == c.name {
		return c, nil
	}
	err := c.run(ctx, "rename", func(ctx context.Context) error {
		return c.be.rename(ctx, newName)
	})
	if err != nil {
		return nil, err
	}
	return c.db.Collection(newName)
}

func (c *Collection) Drop(ctx context.Context) error {
	return c.run(ctx, "drop", func(ctx context.Context) error {
		return c.be.drop(ctx)
	})
}

func (c *Collection) String() string {
	return fmt.Sprintf("%s.%s", c.db.name, c.name)
}
