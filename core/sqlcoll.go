package core

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/psql"
	"github.com/dosco/docbridge/core/internal/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

type sqlColl struct {
	b    *sqlBackend
	db   string
	name string
}

func (c *sqlColl) ns() string {
	return c.db + "." + c.name
}

func hintsOf(m *collMeta) qcode.Hints {
	if m == nil {
		return qcode.Hints{}
	}
	return m.hints
}

// writeErr normalizes unique violations. A constraint that is not one of
// the collection's indexes is the primary key on _id.
func (c *sqlColl) writeErr(m *collMeta, err error) error {
	dup, ok := c.b.dia.IsDuplicateKey(err)
	if !ok {
		return err
	}
	index := qcode.IDIndexName
	if n, ok := m.indexByStorage(dup.Constraint); ok {
		index = n
	}
	return &WriteError{Kind: KindDuplicateKey, Collection: c.ns(), Index: index, Err: err}
}

func (c *sqlColl) insertStmt(m *collMeta, d bson.D) (psql.Stmt, error) {
	id, _ := doc.Get(d, "_id")
	key, err := doc.IDKey(id)
	if err != nil {
		return psql.Stmt{}, inputErrorf("%w", err)
	}
	data, err := doc.ToJSON(d)
	if err != nil {
		return psql.Stmt{}, inputErrorf("encode document: %w", err)
	}
	return c.b.co.Insert(m.table, key, data), nil
}

// insert writes all documents in one transaction.
func (c *sqlColl) insert(ctx context.Context, docs []bson.D) (int, error) {
	m, err := c.ensure(ctx)
	if err != nil {
		return 0, err
	}
	stmts := make([]psql.Stmt, len(docs))
	for i, d := range docs {
		if stmts[i], err = c.insertStmt(m, d); err != nil {
			return 0, err
		}
	}

	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		for i, st := range stmts {
			if _, err := c.b.exec(ctx, tx, st); err != nil {
				err = c.writeErr(m, err)
				if len(stmts) > 1 {
					return &BulkWriteError{Index: i, Err: err}
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

type compiledFind struct {
	meta  *collMeta
	where *qcode.Exp
	sort  []qcode.OrderBy
	proj  *doc.Projection
}

// compileFind validates the request even when the collection is missing so
// a bad filter fails the same way everywhere.
func (c *sqlColl) compileFind(ctx context.Context, q *findSpec) (*compiledFind, error) {
	m, err := c.lookup(ctx)
	if err != nil {
		return nil, err
	}
	cf := &compiledFind{meta: m}
	if cf.where, err = qcode.CompileFilter(q.filter, hintsOf(m)); err != nil {
		return nil, err
	}
	if cf.sort, err = qcode.CompileSort(q.sort); err != nil {
		return nil, inputErrorf("%w", err)
	}
	if cf.proj, err = doc.ParseProjection(q.projection); err != nil {
		return nil, inputErrorf("%w", err)
	}
	return cf, nil
}

func (c *sqlColl) open(ctx context.Context, q *findSpec) (docSource, error) {
	cf, err := c.compileFind(ctx, q)
	if err != nil {
		return nil, err
	}
	if cf.meta == nil {
		return &sliceSource{}, nil
	}
	batch := q.batch
	if batch <= 0 {
		batch = c.b.opts.BatchSize
	}
	return &sqlSource{
		c: c,
		q: psql.Query{
			Table: cf.meta.table,
			Where: cf.where,
			Hints: cf.meta.hints,
			Sort:  cf.sort,
		},
		proj:   cf.proj,
		offset: q.skip,
		limit:  q.limit,
		batch:  int64(batch),
	}, nil
}

// sqlSource pages through a query one batch per round trip. Each batch is
// its own statement so results reflect the table as each batch is read.
type sqlSource struct {
	c       *sqlColl
	q       psql.Query
	proj    *doc.Projection
	offset  int64
	limit   int64
	batch   int64
	fetched int64
	buf     []bson.D
	pos     int
	done    bool
}

func (s *sqlSource) next(ctx context.Context) (bson.D, error) {
	if s.pos >= len(s.buf) {
		if s.done {
			return nil, nil
		}
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
		if len(s.buf) == 0 {
			return nil, nil
		}
	}
	d := s.buf[s.pos]
	s.buf[s.pos] = nil
	s.pos++
	return s.proj.Apply(d), nil
}

func (s *sqlSource) fetch(ctx context.Context) error {
	n := s.batch
	if s.limit > 0 {
		left := s.limit - s.fetched
		if left <= n {
			n = left
			s.done = true
		}
	}
	if n <= 0 {
		s.done = true
		s.buf, s.pos = nil, 0
		return nil
	}

	q := s.q
	q.Skip, q.Limit = s.offset, n
	st, err := s.c.b.co.Select(q)
	if err != nil {
		return err
	}
	docs, err := s.c.b.queryDocs(ctx, s.c.b.db, st)
	if err != nil {
		return err
	}
	s.buf, s.pos = docs, 0
	s.offset += int64(len(docs))
	s.fetched += int64(len(docs))
	if int64(len(docs)) < n {
		s.done = true
	}
	return nil
}

func (s *sqlSource) close(ctx context.Context) error {
	s.buf = nil
	s.done = true
	return nil
}

func (c *sqlColl) count(ctx context.Context, q *findSpec) (int64, error) {
	cf, err := c.compileFind(ctx, q)
	if err != nil {
		return 0, err
	}
	if cf.meta == nil {
		return 0, nil
	}
	st, err := c.b.co.Count(psql.Query{
		Table: cf.meta.table,
		Where: cf.where,
		Hints: cf.meta.hints,
		Skip:  q.skip,
		Limit: q.limit,
	})
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.b.queryRow(ctx, c.b.db, st).Scan(&n)
	return n, err
}

// target loads the metadata a write needs. Writes that can insert create
// the collection; others see a missing collection as empty.
func (c *sqlColl) target(ctx context.Context, create bool) (*collMeta, error) {
	if create {
		return c.ensure(ctx)
	}
	return c.lookup(ctx)
}

// mutation is one compiled update or replacement.
type mutation struct {
	where       *qcode.Exp
	plan        *qcode.MutationPlan
	replacement bson.D
	many        bool
	upsert      bool
}

func (c *sqlColl) compileMutation(m *collMeta, u *updateSpec) (*mutation, error) {
	mu := &mutation{replacement: u.replacement, many: u.many, upsert: u.upsert}
	var err error
	if mu.where, err = qcode.CompileFilter(u.filter, hintsOf(m)); err != nil {
		return nil, err
	}
	if u.update != nil {
		if mu.plan, err = qcode.CompileUpdate(u.update); err != nil {
			return nil, err
		}
	}
	return mu, nil
}

// apply produces the new version of d. The _id never changes.
func (mu *mutation) apply(d bson.D, now time.Time, inserting bool) (bson.D, error) {
	id, hasID := doc.Get(d, "_id")

	if mu.plan == nil {
		out := make(bson.D, 0, len(mu.replacement)+1)
		if hasID {
			out = append(out, bson.E{Key: "_id", Value: id})
		}
		for _, e := range mu.replacement {
			if e.Key == "_id" {
				if hasID && !doc.Equal(e.Value, id) {
					return nil, withKind(ErrInvalidUpdate, fmt.Errorf(
						"invalid update: the (immutable) field '_id' was found to have been altered"))
				}
				if !hasID {
					out = append(bson.D{e}, out...)
				}
				continue
			}
			out = append(out, e)
		}
		return out, nil
	}

	out, err := mu.plan.Apply(d, now, inserting)
	if err != nil {
		return nil, err
	}
	if nid, ok := doc.Get(out, "_id"); hasID && (!ok || !doc.Equal(nid, id)) {
		return nil, withKind(ErrInvalidUpdate, fmt.Errorf(
			"invalid update: performing an update on the path '_id' would modify the immutable field '_id'"))
	}
	return out, nil
}

// upsertDoc builds the document inserted when an upsert matches nothing:
// the filter's equality fields, then the update applied as an insert.
func (mu *mutation) upsertDoc(now time.Time, newID func() any) (bson.D, any, error) {
	base := bson.D{}
	for _, e := range qcode.EqualityFields(mu.where) {
		path, err := ident.SplitPath(e.Key)
		if err != nil {
			return nil, nil, err
		}
		if base, err = doc.Set(base, path, e.Value); err != nil {
			return nil, nil, withKind(ErrInvalidUpdate, fmt.Errorf("invalid update: upsert: %w", err))
		}
	}
	if mu.plan == nil {
		id, ok := doc.Get(base, "_id")
		base = bson.D{}
		if ok {
			base = bson.D{{Key: "_id", Value: id}}
		}
	}

	d, err := mu.apply(base, now, true)
	if err != nil {
		return nil, nil, err
	}
	d, id := doc.EnsureID(idFirst(d), newID)
	return d, id, nil
}

// idFirst moves _id to the front the way the native server stores it.
func idFirst(d bson.D) bson.D {
	for i, e := range d {
		if e.Key != "_id" {
			continue
		}
		if i == 0 {
			return d
		}
		out := make(bson.D, 0, len(d))
		out = append(out, e)
		out = append(out, d[:i]...)
		return append(out, d[i+1:]...)
	}
	return d
}

// storeChanged writes nd back when its encoding differs from the stored
// row. It reports whether anything was written.
func (c *sqlColl) storeChanged(ctx context.Context, tx *sql.Tx, m *collMeta, r storedRow, nd bson.D) (bool, error) {
	before, err := doc.ToJSON(r.doc)
	if err != nil {
		return false, err
	}
	after, err := doc.ToJSON(nd)
	if err != nil {
		return false, inputErrorf("encode document: %w", err)
	}
	if bytes.Equal(before, after) {
		return false, nil
	}
	if _, err := c.b.exec(ctx, tx, c.b.co.UpdateData(m.table, r.id, after)); err != nil {
		return false, c.writeErr(m, err)
	}
	return true, nil
}

func (c *sqlColl) insertTx(ctx context.Context, tx *sql.Tx, m *collMeta, d bson.D) error {
	st, err := c.insertStmt(m, d)
	if err != nil {
		return err
	}
	if _, err := c.b.exec(ctx, tx, st); err != nil {
		return c.writeErr(m, err)
	}
	return nil
}

// updateTx reads the target rows with a lock, applies the mutation in Go
// and writes back the rows that changed.
func (c *sqlColl) updateTx(ctx context.Context, tx *sql.Tx, m *collMeta, mu *mutation, res *UpdateResult) error {
	q := psql.Query{Table: m.table, Where: mu.where, Hints: m.hints}
	if !mu.many {
		q.Limit = 1
	}
	st, err := c.b.co.SelectForUpdate(q)
	if err != nil {
		return err
	}
	rows, err := c.b.queryRows(ctx, tx, st)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range rows {
		res.MatchedCount++
		nd, err := mu.apply(r.doc, now, false)
		if err != nil {
			return err
		}
		changed, err := c.storeChanged(ctx, tx, m, r, nd)
		if err != nil {
			return err
		}
		if changed {
			res.ModifiedCount++
		}
	}

	if len(rows) == 0 && mu.upsert {
		d, id, err := mu.upsertDoc(now, c.b.newID)
		if err != nil {
			return err
		}
		if err := c.insertTx(ctx, tx, m, d); err != nil {
			return err
		}
		res.UpsertedID, res.UpsertedCount = id, 1
	}
	return nil
}

func (c *sqlColl) update(ctx context.Context, u *updateSpec) (*UpdateResult, error) {
	m, err := c.target(ctx, u.upsert)
	if err != nil {
		return nil, err
	}
	mu, err := c.compileMutation(m, u)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{Acknowledged: true}
	if m == nil {
		return res, nil
	}

	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		*res = UpdateResult{Acknowledged: true}
		return c.updateTx(ctx, tx, m, mu, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *sqlColl) findAndModify(ctx context.Context, ms *modifySpec) (bson.D, error) {
	m, err := c.target(ctx, ms.upsert && !ms.remove)
	if err != nil {
		return nil, err
	}
	mu, err := c.compileMutation(m, &updateSpec{
		filter:      ms.filter,
		update:      ms.update,
		replacement: ms.replacement,
		upsert:      ms.upsert,
	})
	if err != nil {
		return nil, err
	}
	sort, err := qcode.CompileSort(ms.sort)
	if err != nil {
		return nil, inputErrorf("%w", err)
	}
	proj, err := doc.ParseProjection(ms.projection)
	if err != nil {
		return nil, inputErrorf("%w", err)
	}
	if m == nil {
		return nil, nil
	}

	var out bson.D
	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		st, err := c.b.co.SelectForUpdate(psql.Query{
			Table: m.table, Where: mu.where, Hints: m.hints, Sort: sort, Limit: 1,
		})
		if err != nil {
			return err
		}
		rows, err := c.b.queryRows(ctx, tx, st)
		if err != nil {
			return err
		}
		now := time.Now()

		if len(rows) == 0 {
			if !ms.upsert || ms.remove {
				return nil
			}
			d, _, err := mu.upsertDoc(now, c.b.newID)
			if err != nil {
				return err
			}
			if err := c.insertTx(ctx, tx, m, d); err != nil {
				return err
			}
			if ms.after {
				out = d
			}
			return nil
		}

		r := rows[0]
		if ms.remove {
			if _, err := c.b.exec(ctx, tx, c.b.co.DeleteByID(m.table, r.id)); err != nil {
				return err
			}
			out = r.doc
			return nil
		}

		nd, err := mu.apply(r.doc, now, false)
		if err != nil {
			return err
		}
		if _, err := c.storeChanged(ctx, tx, m, r, nd); err != nil {
			return err
		}
		out = r.doc
		if ms.after {
			out = nd
		}
		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}
	return proj.Apply(out), nil
}

func (c *sqlColl) deleteTx(ctx context.Context, tx *sql.Tx, m *collMeta, where *qcode.Exp, many bool) (int64, error) {
	st, err := c.b.co.Delete(m.table, where, m.hints, !many)
	if err != nil {
		return 0, err
	}
	r, err := c.b.exec(ctx, tx, st)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

func (c *sqlColl) delete(ctx context.Context, filter bson.D, many bool) (int64, error) {
	m, err := c.lookup(ctx)
	if err != nil {
		return 0, err
	}
	where, err := qcode.CompileFilter(filter, hintsOf(m))
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, nil
	}

	var n int64
	err = c.b.withTx(ctx, func(tx *sql.Tx) (err error) {
		n, err = c.deleteTx(ctx, tx, m, where, many)
		return err
	})
	return n, err
}

// bulkWrite applies every model in one transaction. The first failure
// rolls back the whole batch.
func (c *sqlColl) bulkWrite(ctx context.Context, models []writeModel) (*BulkWriteResult, error) {
	m, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}

	muts := make([]*mutation, len(models))
	for i, w := range models {
		if w.kind == writeInsert {
			continue
		}
		if muts[i], err = c.compileMutation(m, &w.update); err != nil {
			return nil, &BulkWriteError{Index: i, Err: classify(err)}
		}
		muts[i].many = w.many
	}

	res := &BulkWriteResult{Acknowledged: true}
	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		*res = BulkWriteResult{Acknowledged: true}
		for i, w := range models {
			if err := c.bulkOne(ctx, tx, m, w, muts[i], i, res); err != nil {
				return &BulkWriteError{Index: i, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *sqlColl) bulkOne(ctx context.Context, tx *sql.Tx, m *collMeta, w writeModel, mu *mutation, i int, res *BulkWriteResult) error {
	switch w.kind {
	case writeInsert:
		if err := c.insertTx(ctx, tx, m, w.doc.(bson.D)); err != nil {
			return err
		}
		res.InsertedCount++

	case writeUpdate, writeReplace:
		ur := &UpdateResult{}
		if err := c.updateTx(ctx, tx, m, mu, ur); err != nil {
			return err
		}
		res.add(ur, i)

	case writeDelete:
		n, err := c.deleteTx(ctx, tx, m, mu.where, w.many)
		if err != nil {
			return err
		}
		res.DeletedCount += n
	}
	return nil
}

// aggregate runs the leading $match stages and a directly following $group
// as SQL and the rest of the pipeline in memory.
func (c *sqlColl) aggregate(ctx context.Context, pipeline []bson.D, batch int) (docSource, error) {
	m, err := c.lookup(ctx)
	if err != nil {
		return nil, err
	}
	p, err := qcode.CompilePipeline(pipeline, hintsOf(m))
	if err != nil {
		return nil, err
	}
	if m == nil {
		docs, err := p.Run([]bson.D{}, 0)
		if err != nil {
			return nil, err
		}
		return &sliceSource{docs: docs}, nil
	}

	match, group, next := p.Pushdown()
	var docs []bson.D
	if group != nil {
		docs, err = c.groupRows(ctx, m, match, group)
	} else {
		var st psql.Stmt
		if st, err = c.b.co.Select(psql.Query{Table: m.table, Where: match, Hints: m.hints}); err == nil {
			docs, err = c.b.queryDocs(ctx, c.b.db, st)
		}
	}
	if err != nil {
		return nil, err
	}

	if docs, err = p.Run(docs, next); err != nil {
		return nil, err
	}
	return &sliceSource{docs: docs}, nil
}

// groupRows runs a $group as GROUP BY. Keys the database keeps apart but
// that are numerically equal (1 and 1.0) are merged into the first bucket.
func (c *sqlColl) groupRows(ctx context.Context, m *collMeta, match *qcode.Exp, g *qcode.Group) ([]bson.D, error) {
	st, err := c.b.co.Group(m.table, match, m.hints, g)
	if err != nil {
		return nil, err
	}
	rows, err := c.b.query(ctx, c.b.db, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type bucket struct {
		key    any
		totals []*qcode.Total
	}
	var order []*bucket
	index := make(map[string]*bucket)

	keyed := g.IDPath != nil
	var npath int
	for _, s := range g.Sums {
		if s.Path != nil {
			npath++
		}
	}

	for rows.Next() {
		var key sql.NullString
		var count int64
		sums := make([]any, npath)

		dest := make([]any, 0, npath+2)
		if keyed {
			dest = append(dest, &key)
		}
		dest = append(dest, &count)
		for i := range sums {
			dest = append(dest, &sums[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}

		kv := g.IDConst
		if keyed {
			if !key.Valid {
				kv = nil
			} else if kv, err = doc.ValueFromJSON([]byte(key.String)); err != nil {
				return nil, err
			}
		}
		k, err := qcode.GroupKey(kv)
		if err != nil {
			return nil, err
		}
		b, ok := index[k]
		if !ok {
			b = &bucket{key: kv, totals: make([]*qcode.Total, len(g.Sums))}
			for i := range b.totals {
				b.totals[i] = &qcode.Total{}
			}
			index[k] = b
			order = append(order, b)
		}

		j := 0
		for i, s := range g.Sums {
			if s.Path == nil {
				addConst(b.totals[i], s.Const, count)
				continue
			}
			if err := addScanned(b.totals[i], sums[j]); err != nil {
				return nil, err
			}
			j++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]bson.D, 0, len(order))
	for _, b := range order {
		row := bson.D{{Key: "_id", Value: b.key}}
		for i, s := range g.Sums {
			row = append(row, bson.E{Key: s.Name, Value: b.totals[i].Value()})
		}
		out = append(out, row)
	}
	return out, nil
}

// addConst adds a constant $sum operand once per grouped row.
func addConst(t *qcode.Total, v any, n int64) {
	switch c := v.(type) {
	case int32:
		t.AddInt(int64(c) * n)
	case int64:
		t.AddInt(c * n)
	case int:
		t.AddInt(int64(c) * n)
	case float64:
		t.AddFloat(c * float64(n))
	}
}

// addScanned adds a SQL SUM result. Postgres returns numeric as text.
func addScanned(t *qcode.Total, v any) error {
	var s string
	switch n := v.(type) {
	case nil:
		return nil
	case int64:
		t.AddInt(n)
		return nil
	case float64:
		t.AddFloat(n)
		return nil
	case []byte:
		s = string(n)
	case string:
		s = n
	default:
		return fmt.Errorf("unexpected sum value %T", v)
	}

	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.AddInt(i)
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse sum %q: %w", s, err)
	}
	t.AddFloat(f)
	return nil
}

func (c *sqlColl) createIndex(ctx context.Context, keys bson.D, o *IndexOptions) (string, error) {
	qo, err := o.compile()
	if err != nil {
		return "", err
	}
	def, err := qcode.CompileIndex(keys, qo)
	if err != nil {
		return "", err
	}
	m, err := c.ensure(ctx)
	if err != nil {
		return "", err
	}

	for _, ix := range m.indexes {
		same := ix.def.Same(def)
		switch {
		case ix.def.Name == def.Name && same:
			return def.Name, nil
		case ix.def.Name == def.Name:
			return "", inputErrorf("index %q already exists with a different definition", def.Name)
		case same:
			return "", inputErrorf("index already exists with a different name: %s", ix.def.Name)
		}
	}

	storage, err := ident.IndexStorageName(m.table, def.Name)
	if err != nil {
		return "", err
	}
	spec, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	ddl, err := c.b.co.CreateIndex(m.table, storage, def)
	if err != nil {
		return "", err
	}

	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range ddl {
			if _, err := c.b.execSQL(ctx, tx, s); err != nil {
				if _, ok := c.b.dia.IsDuplicateKey(err); ok {
					return &WriteError{Kind: KindDuplicateKey, Collection: c.ns(), Index: def.Name, Err: err}
				}
				return err
			}
		}
		_, err := c.b.exec(ctx, tx, c.b.co.InsertIndex(m.table, def.Name, storage, string(spec)))
		return err
	})
	c.b.cache.Remove(c.db, c.name)
	if err != nil {
		return "", err
	}

	c.b.log.Info("index created",
		zap.String("collection", c.ns()),
		zap.String("index", def.Name),
		zap.Int("physical", len(ddl)))
	return def.Name, nil
}

func (c *sqlColl) dropIndex(ctx context.Context, name string) error {
	m, err := c.lookup(ctx)
	if err != nil {
		return err
	}
	var ix indexMeta
	ok := false
	if m != nil {
		ix, ok = m.index(name)
	}
	if !ok {
		return inputErrorf("index not found with name [%s]", name)
	}

	drop, err := c.b.co.DropIndex(ix.storage)
	if err != nil {
		return err
	}

	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.execAll(ctx, tx, drop); err != nil {
			return err
		}
		_, err := c.b.exec(ctx, tx, c.b.co.DeleteIndex(m.table, name))
		return err
	})
	c.b.cache.Remove(c.db, c.name)
	return err
}

func (c *sqlColl) execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, s := range stmts {
		if _, err := c.b.execSQL(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *sqlColl) indexes(ctx context.Context) ([]IndexInfo, error) {
	m, err := c.lookup(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return []IndexInfo{}, nil
	}
	out := []IndexInfo{{Name: qcode.IDIndexName, Key: bson.D{{Key: "_id", Value: int32(1)}}, Unique: true}}
	for _, ix := range m.indexes {
		out = append(out, IndexInfo{
			Name:   ix.def.Name,
			Key:    ix.def.KeyDoc(),
			Unique: ix.def.Unique,
			Sparse: ix.def.Sparse,
			Type:   ix.def.Type.String(),
		})
	}
	return out, nil
}

// rename moves the table and rebuilds its indexes under storage names
// derived from the new table.
func (c *sqlColl) rename(ctx context.Context, to string) error {
	m, err := c.lookup(ctx)
	if err != nil {
		return err
	}
	if m == nil {
		return inputErrorf("source namespace %s does not exist", c.ns())
	}
	dst := c.b.coll(c.db, to)
	if dm, err := dst.lookup(ctx); err != nil {
		return err
	} else if dm != nil {
		return inputErrorf("target namespace %s already exists", dst.ns())
	}

	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		table, err := dst.freeTable(ctx, tx, to)
		if err != nil {
			return err
		}
		if _, err := c.b.execSQL(ctx, tx, c.b.co.RenameTable(m.table, table)); err != nil {
			return err
		}
		if _, err := c.b.exec(ctx, tx, c.b.co.RenameCollection(c.db, c.name, to, table)); err != nil {
			return err
		}
		for _, ix := range m.indexes {
			storage, err := ident.IndexStorageName(table, ix.def.Name)
			if err != nil {
				return err
			}
			drop, err := c.b.co.DropIndex(ix.storage)
			if err != nil {
				return err
			}
			if err := c.execAll(ctx, tx, drop); err != nil {
				return err
			}
			ddl, err := c.b.co.CreateIndex(table, storage, ix.def)
			if err != nil {
				return err
			}
			if err := c.execAll(ctx, tx, ddl); err != nil {
				return err
			}
			if _, err := c.b.exec(ctx, tx, c.b.co.MoveIndex(m.table, ix.def.Name, table, storage)); err != nil {
				return err
			}
		}
		return nil
	})
	c.b.cache.Remove(c.db, c.name)
	c.b.cache.Remove(c.db, to)
	return err
}

func (c *sqlColl) drop(ctx context.Context) error {
	m, err := c.lookup(ctx)
	if err != nil || m == nil {
		return err
	}
	err = c.b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := c.b.execSQL(ctx, tx, c.b.co.DropTable(m.table)); err != nil {
			return err
		}
		if _, err := c.b.exec(ctx, tx, c.b.co.DeleteIndexes(m.table)); err != nil {
			return err
		}
		_, err := c.b.exec(ctx, tx, c.b.co.DeleteCollection(c.db, c.name))
		return err
	})
	c.b.cache.Remove(c.db, c.name)
	if err == nil {
		c.b.log.Info("collection dropped", zap.String("collection", c.ns()))
	}
	return err
}
