package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dosco/docbridge/core/internal/qcode"
	"github.com/dosco/docbridge/mongodriver"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// nativeBackend passes requests through to a MongoDB server. Filters,
// updates and pipelines have already been validated against the same
// operator set the relational backends support.
type nativeBackend struct {
	client *mongo.Client
	opts   *Options
	log    *zap.Logger
}

func newNativeBackend(ctx context.Context, dsn string, o *Options) (*nativeBackend, error) {
	b := &nativeBackend{
		opts: o,
		log:  o.Logger.With(zap.String("backend", BackendMongo)),
	}
	conf := mongodriver.Config{
		MaxPoolSize: uint64(o.MaxOpenConns),
		Attempts:    o.RetryAttempts,
		Delay:       o.RetryDelay,
		OnRetry: func(n uint, err error) {
			b.log.Warn("database not reachable, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		},
	}
	client, err := mongodriver.Connect(ctx, dsn, conf)
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", BackendMongo, err)
	}
	b.client = client
	return b, nil
}

func (b *nativeBackend) kind() string {
	return BackendMongo
}

func (b *nativeBackend) newID() any {
	return bson.NewObjectID()
}

func (b *nativeBackend) ping(ctx context.Context) error {
	return mongodriver.Ping(ctx, b.client, mongodriver.Config{})
}

func (b *nativeBackend) close(ctx context.Context, force bool) error {
	if force {
		// Skip waiting for in-use connections to be returned.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		cancel()
	}
	err := b.client.Disconnect(ctx)
	if force && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *nativeBackend) listDatabases(ctx context.Context) ([]string, error) {
	return mongodriver.ListDatabases(ctx, b.client)
}

func (b *nativeBackend) listCollections(ctx context.Context, db string) ([]string, error) {
	return mongodriver.ListCollections(ctx, b.client.Database(db))
}

func (b *nativeBackend) dropDatabase(ctx context.Context, db string) error {
	return b.client.Database(db).Drop(ctx)
}

func (b *nativeBackend) collection(db, name string) collBackend {
	return &nativeColl{
		b:    b,
		db:   db,
		name: name,
		coll: b.client.Database(db).Collection(name),
	}
}

type nativeColl struct {
	b    *nativeBackend
	db   string
	name string
	coll *mongo.Collection
}

func (c *nativeColl) ns() string {
	return c.db + "." + c.name
}

// writeErr normalizes server duplicate-key errors.
func (c *nativeColl) writeErr(err error) error {
	if idx, ok := mongodriver.DuplicateKey(err); ok {
		return &WriteError{Kind: KindDuplicateKey, Collection: c.ns(), Index: idx, Err: err}
	}
	return err
}

func (c *nativeColl) insert(ctx context.Context, docs []bson.D) (int, error) {
	if len(docs) == 1 {
		if _, err := c.coll.InsertOne(ctx, docs[0]); err != nil {
			return 0, c.writeErr(err)
		}
		return 1, nil
	}

	list := make([]any, len(docs))
	for i, d := range docs {
		list[i] = d
	}
	_, err := c.coll.InsertMany(ctx, list, options.InsertMany().SetOrdered(true))
	if err != nil {
		if i, ok := mongodriver.FailedWrite(err); ok {
			return i, &BulkWriteError{Index: i, Err: c.writeErr(err)}
		}
		return 0, c.writeErr(err)
	}
	return len(docs), nil
}

func findOf(q *findSpec) mongodriver.FindSpec {
	return mongodriver.FindSpec{
		Sort:       q.sort,
		Projection: q.projection,
		Skip:       q.skip,
		Limit:      q.limit,
		BatchSize:  int32(q.batch),
	}
}

func (c *nativeColl) open(ctx context.Context, q *findSpec) (docSource, error) {
	cur, err := c.coll.Find(ctx, q.filter, mongodriver.FindOptions(findOf(q)))
	if err != nil {
		return nil, err
	}
	return &nativeSource{cur: cur}, nil
}

// nativeSource streams a server cursor.
type nativeSource struct {
	cur *mongo.Cursor
}

func (s *nativeSource) next(ctx context.Context) (bson.D, error) {
	if !s.cur.Next(ctx) {
		return nil, s.cur.Err()
	}
	var d bson.D
	if err := s.cur.Decode(&d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *nativeSource) close(ctx context.Context) error {
	return s.cur.Close(ctx)
}

func (c *nativeColl) count(ctx context.Context, q *findSpec) (int64, error) {
	return c.coll.CountDocuments(ctx, q.filter, mongodriver.CountOptions(findOf(q)))
}

func (c *nativeColl) update(ctx context.Context, u *updateSpec) (*UpdateResult, error) {
	var (
		r   *mongo.UpdateResult
		err error
	)
	switch {
	case u.replacement != nil:
		r, err = c.coll.ReplaceOne(ctx, u.filter, u.replacement,
			options.Replace().SetUpsert(u.upsert))
	case u.many:
		r, err = c.coll.UpdateMany(ctx, u.filter, u.update,
			options.UpdateMany().SetUpsert(u.upsert))
	default:
		r, err = c.coll.UpdateOne(ctx, u.filter, u.update,
			options.UpdateOne().SetUpsert(u.upsert))
	}
	if err != nil {
		return nil, c.writeErr(err)
	}
	return &UpdateResult{
		MatchedCount:  r.MatchedCount,
		ModifiedCount: r.ModifiedCount,
		UpsertedCount: r.UpsertedCount,
		UpsertedID:    r.UpsertedID,
		Acknowledged:  true,
	}, nil
}

func (c *nativeColl) findAndModify(ctx context.Context, m *modifySpec) (bson.D, error) {
	spec := mongodriver.ModifySpec{
		Sort:       m.sort,
		Projection: m.projection,
		Upsert:     m.upsert,
		After:      m.after,
	}

	var res *mongo.SingleResult
	switch {
	case m.remove:
		res = c.coll.FindOneAndDelete(ctx, m.filter, mongodriver.FindOneAndDeleteOptions(spec))
	case m.replacement != nil:
		res = c.coll.FindOneAndReplace(ctx, m.filter, m.replacement, mongodriver.FindOneAndReplaceOptions(spec))
	default:
		res = c.coll.FindOneAndUpdate(ctx, m.filter, m.update, mongodriver.FindOneAndUpdateOptions(spec))
	}

	var d bson.D
	if err := res.Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, c.writeErr(err)
	}
	return d, nil
}

func (c *nativeColl) delete(ctx context.Context, filter bson.D, many bool) (int64, error) {
	var (
		r   *mongo.DeleteResult
		err error
	)
	if many {
		r, err = c.coll.DeleteMany(ctx, filter)
	} else {
		r, err = c.coll.DeleteOne(ctx, filter)
	}
	if err != nil {
		return 0, err
	}
	return r.DeletedCount, nil
}

func nativeModel(w writeModel) mongo.WriteModel {
	u := w.update
	switch w.kind {
	case writeInsert:
		return mongo.NewInsertOneModel().SetDocument(w.doc)
	case writeReplace:
		return mongo.NewReplaceOneModel().
			SetFilter(u.filter).
			SetReplacement(u.replacement).
			SetUpsert(u.upsert)
	case writeDelete:
		if w.many {
			return mongo.NewDeleteManyModel().SetFilter(u.filter)
		}
		return mongo.NewDeleteOneModel().SetFilter(u.filter)
	}
	if w.many {
		return mongo.NewUpdateManyModel().
			SetFilter(u.filter).
			SetUpdate(u.update).
			SetUpsert(u.upsert)
	}
	return mongo.NewUpdateOneModel().
		SetFilter(u.filter).
		SetUpdate(u.update).
		SetUpsert(u.upsert)
}

// bulkWrite runs the models in order. On failure the server keeps the
// writes that preceded the failing model.
func (c *nativeColl) bulkWrite(ctx context.Context, models []writeModel) (*BulkWriteResult, error) {
	list := make([]mongo.WriteModel, len(models))
	for i, w := range models {
		list[i] = nativeModel(w)
	}

	r, err := c.coll.BulkWrite(ctx, list, options.BulkWrite().SetOrdered(true))
	if err != nil {
		i, _ := mongodriver.FailedWrite(err)
		return nil, &BulkWriteError{Index: i, Err: c.writeErr(err)}
	}

	res := &BulkWriteResult{
		InsertedCount: r.InsertedCount,
		MatchedCount:  r.MatchedCount,
		ModifiedCount: r.ModifiedCount,
		DeletedCount:  r.DeletedCount,
		UpsertedCount: r.UpsertedCount,
		Acknowledged:  true,
	}
	if len(r.UpsertedIDs) != 0 {
		res.UpsertedIDs = r.UpsertedIDs
	}
	return res, nil
}

func (c *nativeColl) aggregate(ctx context.Context, pipeline []bson.D, batch int) (docSource, error) {
	o := options.Aggregate()
	if batch > 0 {
		o.SetBatchSize(int32(batch))
	}
	if pipeline == nil {
		pipeline = []bson.D{}
	}
	cur, err := c.coll.Aggregate(ctx, pipeline, o)
	if err != nil {
		return nil, err
	}
	return &nativeSource{cur: cur}, nil
}

// createIndex names the index the way the relational backends do. The
// declared storage type has no native counterpart and is not sent.
func (c *nativeColl) createIndex(ctx context.Context, keys bson.D, o *IndexOptions) (string, error) {
	qo, err := o.compile()
	if err != nil {
		return "", err
	}
	def, err := qcode.CompileIndex(keys, qo)
	if err != nil {
		return "", err
	}

	name, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel(mongodriver.IndexSpec{
		Keys:   def.KeyDoc(),
		Name:   def.Name,
		Unique: def.Unique,
		Sparse: def.Sparse,
	}))
	if err != nil {
		if idx, ok := mongodriver.DuplicateKey(err); ok {
			if idx == mongodriver.IDIndex {
				idx = def.Name
			}
			return "", &WriteError{Kind: KindDuplicateKey, Collection: c.ns(), Index: idx, Err: err}
		}
		return "", err
	}

	c.b.log.Info("index created",
		zap.String("collection", c.ns()),
		zap.String("index", name))
	return name, nil
}

func (c *nativeColl) dropIndex(ctx context.Context, name string) error {
	return c.coll.Indexes().DropOne(ctx, name)
}

func (c *nativeColl) indexes(ctx context.Context) ([]IndexInfo, error) {
	specs, err := mongodriver.ListIndexes(ctx, c.coll)
	if err != nil {
		return nil, err
	}

	out := make([]IndexInfo, 0, len(specs))
	for _, s := range specs {
		info := IndexInfo{Name: s.Name, Key: s.Keys, Unique: s.Unique, Sparse: s.Sparse}
		if s.Name == qcode.IDIndexName {
			info.Unique = true
			out = append([]IndexInfo{info}, out...)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *nativeColl) rename(ctx context.Context, to string) error {
	err := mongodriver.RenameCollection(ctx, c.b.client, c.db, c.name, to)
	if mongodriver.IsNamespaceNotFound(err) {
		return inputErrorf("source namespace %s does not exist", c.ns())
	}
	return err
}

func (c *nativeColl) drop(ctx context.Context) error {
	return c.coll.Drop(ctx)
}
