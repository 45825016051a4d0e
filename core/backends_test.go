package core

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zaptest"
)

// -db selects the backends to run: a comma separated list of sqlite,
// postgres and mongodb, or "all". Postgres and mongodb run in containers.
var dbParam string

func init() {
	flag.StringVar(&dbParam, "db", BackendSQLite, "backends to test")
}

type dbinfo struct {
	name      string
	startFunc func(context.Context) (func(context.Context) error, string, error)
}

var dbinfoList = []dbinfo{
	{
		name: BackendSQLite,
		startFunc: func(ctx context.Context) (func(context.Context) error, string, error) {
			return func(context.Context) error { return nil }, "sqlite::memory:", nil
		},
	},
	{
		name: BackendPostgres,
		startFunc: func(ctx context.Context) (func(context.Context) error, string, error) {
			container, err := postgres.Run(ctx,
				"postgres:16-alpine",
				postgres.WithUsername("tester"),
				postgres.WithPassword("tester"),
				postgres.WithDatabase("db"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(60*time.Second)),
			)
			if err != nil {
				return nil, "", err
			}
			connStr, err := container.ConnectionString(ctx, "sslmode=disable")
			if err != nil {
				container.Terminate(ctx) //nolint:errcheck
				return nil, "", err
			}
			return container.Terminate, connStr, nil
		},
	},
	{
		name: BackendMongo,
		startFunc: func(ctx context.Context) (func(context.Context) error, string, error) {
			container, err := mongodb.Run(ctx, "mongo:7")
			if err != nil {
				return nil, "", err
			}
			connStr, err := container.ConnectionString(ctx)
			if err != nil {
				container.Terminate(ctx) //nolint:errcheck
				return nil, "", err
			}
			return container.Terminate, connStr, nil
		},
	},
}

func selected(name string) bool {
	if dbParam == "all" {
		return true
	}
	for _, v := range strings.Split(dbParam, ",") {
		if strings.TrimSpace(v) == name {
			return true
		}
	}
	return false
}

// conformance holds scenarios every backend must pass identically. Each
// runs in its own logical database.
var conformance = []struct {
	name string
	fn   func(t *testing.T, db *Database)
}{
	{"round trip typing", confRoundTrip},
	{"duplicate key normalized", confDuplicateKey},
	{"typed range", confTypedRange},
	{"typed unique", confTypedUnique},
	{"injection", confInjection},
	{"sparse unique", confSparseUnique},
	{"skip and limit", confSkipLimit},
	{"update composition", confUpdate},
	{"upsert", confUpsert},
	{"find one and update", confFindOneAndUpdate},
	{"bulk write boundary", confBulkWrite},
	{"aggregate", confAggregate},
	{"rename keeps indexes", confRename},
}

func TestBackends(t *testing.T) {
	for _, info := range dbinfoList {
		info := info
		if !selected(info.name) {
			continue
		}
		t.Run(info.name, func(t *testing.T) {
			if info.name != BackendSQLite && testing.Short() {
				t.Skip("container backends skipped in short mode")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			stop, uri, err := info.startFunc(ctx)
			if err != nil {
				t.Skipf("%s not available: %v", info.name, err)
			}
			t.Cleanup(func() { stop(context.Background()) }) //nolint:errcheck

			client, err := Connect(ctx, uri,
				OptionSetLogger(zaptest.NewLogger(t)),
				func(o *Options) error {
					o.RetryAttempts = 20
					o.RetryDelay = 250 * time.Millisecond
					return nil
				})
			require.NoError(t, err)
			t.Cleanup(func() { client.Close(context.Background(), false) }) //nolint:errcheck
			assert.Equal(t, info.name, client.Backend())

			for i, sc := range conformance {
				db := client.DB(fmt.Sprintf("conf%d", i))
				t.Run(sc.name, func(t *testing.T) {
					sc.fn(t, db)
				})
				require.NoError(t, db.Drop(ctx))
			}
		})
	}
}

func confColl(t *testing.T, db *Database, name string) *Collection {
	t.Helper()
	c, err := db.Collection(name)
	require.NoError(t, err)
	return c
}

func confRoundTrip(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "docs")

	in := bson.D{
		{Key: "_id", Value: "r1"},
		{Key: "s", Value: "text"},
		{Key: "i", Value: int32(42)},
		{Key: "l", Value: int64(1) << 40},
		{Key: "f", Value: 0.25},
		{Key: "b", Value: false},
		{Key: "d", Value: bson.NewDateTimeFromTime(time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC))},
		{Key: "a", Value: bson.A{"x", int32(1)}},
		{Key: "o", Value: bson.D{{Key: "k", Value: "v"}}},
		{Key: "n", Value: nil},
	}
	_, err := coll.InsertOne(ctx, in)
	require.NoError(t, err)

	out, err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: "r1"}})
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i, e := range in {
		assert.Equal(t, e.Key, out[i].Key)
		assert.IsType(t, e.Value, out[i].Value, "field %s", e.Key)
		assert.True(t, doc.Equal(e.Value, out[i].Value), "field %s", e.Key)
	}

	res, err := coll.InsertOne(ctx, bson.D{{Key: "s", Value: "generated"}})
	require.NoError(t, err)
	assert.NotNil(t, res.InsertedID)
	n, err := coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: res.InsertedID}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func confDuplicateKey(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "users")

	_, err := coll.CreateIndex(ctx, bson.D{{Key: "email", Value: 1}}, &IndexOptions{Unique: true})
	require.NoError(t, err)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "_id", Value: "u1"}, {Key: "email", Value: "a@x"}})
	require.NoError(t, err)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "_id", Value: "u1"}})
	var we *WriteError
	require.True(t, errors.As(err, &we), "%v", err)
	assert.Equal(t, "_id_", we.Index)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "email", Value: "a@x"}})
	require.True(t, errors.As(err, &we), "%v", err)
	assert.Equal(t, "email_1", we.Index)
	assert.Regexp(t, `(?i)duplicate`, err.Error())
}

func confTypedRange(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "prices")

	_, err := coll.CreateIndex(ctx, bson.D{{Key: "price", Value: 1}}, &IndexOptions{Type: "number"})
	require.NoError(t, err)
	insertAll(t, coll,
		bson.D{{Key: "price", Value: int32(100)}},
		bson.D{{Key: "price", Value: int32(25)}},
		bson.D{{Key: "price", Value: int32(50)}},
		bson.D{{Key: "price", Value: int32(10)}})

	docs, err := coll.Find(bson.D{{Key: "price", Value: bson.D{{Key: "$lt", Value: 30}}}}).
		Sort(bson.D{{Key: "price", Value: 1}}).
		Project(bson.D{{Key: "_id", Value: 0}}).
		ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.True(t, doc.Equal(bson.D{{Key: "price", Value: int32(10)}}, docs[0]))
	assert.True(t, doc.Equal(bson.D{{Key: "price", Value: int32(25)}}, docs[1]))

	events := confColl(t, db, "events")
	_, err = events.CreateIndex(ctx, bson.D{{Key: "at", Value: 1}}, &IndexOptions{Type: "date"})
	require.NoError(t, err)

	at := func(year int) bson.DateTime {
		return bson.NewDateTimeFromTime(time.Date(year, 3, 1, 0, 0, 0, 0, time.UTC))
	}
	insertAll(t, events,
		bson.D{{Key: "_id", Value: "modern"}, {Key: "at", Value: at(2020)}},
		bson.D{{Key: "_id", Value: "old"}, {Key: "at", Value: at(1950)}},
		bson.D{{Key: "_id", Value: "far"}, {Key: "at", Value: at(10500)}})

	docs, err = events.Find(bson.D{{Key: "at", Value: bson.D{
		{Key: "$gte", Value: at(1900)},
		{Key: "$lt", Value: at(2021)},
	}}}).Sort(bson.D{{Key: "at", Value: -1}}).ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "modern", mustGet(t, docs[0], "_id"))
	assert.Equal(t, "old", mustGet(t, docs[1], "_id"))

	n, err := events.CountDocuments(ctx, bson.D{{Key: "at", Value: bson.D{{Key: "$lt", Value: at(1970)}}}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func confTypedUnique(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "tickets")

	_, err := coll.CreateIndex(ctx, bson.D{{Key: "seat", Value: 1}}, &IndexOptions{Unique: true, Type: "number"})
	require.NoError(t, err)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "seat", Value: int32(7)}})
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, bson.D{{Key: "seat", Value: int32(7)}})
	assert.True(t, IsDuplicateKeyError(err), "%v", err)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "seat", Value: "aisle"}})
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, bson.D{{Key: "seat", Value: "aisle"}})
	assert.True(t, IsDuplicateKeyError(err), "%v", err)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "holder", Value: "a"}})
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, bson.D{{Key: "holder", Value: "b"}})
	assert.True(t, IsDuplicateKeyError(err), "%v", err)

	n, err := coll.CountDocuments(ctx, bson.D{{Key: "seat", Value: bson.D{{Key: "$gte", Value: 1}}}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func confInjection(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "accounts")
	insertAll(t, coll,
		bson.D{{Key: "name", Value: "alice"}},
		bson.D{{Key: "name", Value: "bob"}})

	_, err := coll.Find(bson.D{{Key: "name'; DROP TABLE accounts; --", Value: 1}}).ToArray(ctx)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = coll.CountDocuments(ctx, bson.D{{Key: "$where", Value: "this.name.length > 0"}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = coll.DeleteMany(ctx, bson.D{{Key: "name", Value: bson.D{{Key: "$function", Value: "x"}}}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	values := []bson.D{
		{{Key: "name", Value: "x' OR '1'='1"}},
		{{Key: "name", Value: bson.D{{Key: "$regex", Value: "x'; DROP TABLE accounts; --"}}}},
		{{Key: "name", Value: bson.D{{Key: "$in", Value: bson.A{"'); DELETE FROM accounts; --"}}}}},
		{{Key: "name", Value: bson.D{{Key: "$gt", Value: "~' OR 1=1 --"}}}},
	}
	for _, f := range values {
		n, err := coll.CountDocuments(ctx, f)
		require.NoError(t, err, f)
		assert.Zero(t, n, f)
	}

	n, err := coll.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func confSparseUnique(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "skus")

	_, err := coll.CreateIndex(ctx, bson.D{{Key: "sku", Value: 1}}, &IndexOptions{Unique: true, Sparse: true})
	require.NoError(t, err)
	insertAll(t, coll,
		bson.D{{Key: "n", Value: 1}},
		bson.D{{Key: "n", Value: 2}},
		bson.D{{Key: "n", Value: 3}},
		bson.D{{Key: "sku", Value: "s1"}})

	_, err = coll.InsertOne(ctx, bson.D{{Key: "sku", Value: "s1"}})
	assert.True(t, IsDuplicateKeyError(err), "%v", err)
}

func confSkipLimit(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "pages")
	insertAll(t, coll,
		bson.D{{Key: "n", Value: int32(3)}},
		bson.D{{Key: "n", Value: int32(1)}},
		bson.D{{Key: "n", Value: int32(2)}})

	docs, err := coll.Find(nil).Sort(bson.D{{Key: "n", Value: 1}}).Skip(1).Limit(1).ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, doc.Equal(int32(2), mustGet(t, docs[0], "n")))

	_, err = coll.Find(nil).Limit("1; DROP TABLE pages;--").ToArray(ctx)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func confUpdate(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "upd")
	insertAll(t, coll, bson.D{
		{Key: "_id", Value: "d"},
		{Key: "count", Value: int32(5)},
		{Key: "name", Value: "original"},
		{Key: "tags", Value: bson.A{"a"}},
		{Key: "toRemove", Value: "value"},
	})

	res, err := coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: "d"}}, bson.D{
		{Key: "$set", Value: bson.D{{Key: "name", Value: "updated"}}},
		{Key: "$inc", Value: bson.D{{Key: "count", Value: int32(3)}}},
		{Key: "$push", Value: bson.D{{Key: "tags", Value: "b"}}},
		{Key: "$unset", Value: bson.D{{Key: "toRemove", Value: ""}}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ModifiedCount)

	out, err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: "d"}})
	require.NoError(t, err)
	assert.True(t, doc.Equal(bson.D{
		{Key: "_id", Value: "d"},
		{Key: "count", Value: int32(8)},
		{Key: "name", Value: "updated"},
		{Key: "tags", Value: bson.A{"a", "b"}},
	}, out), "%v", out)

	res, err = coll.UpdateMany(ctx, bson.D{{Key: "name", Value: "updated"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: "updated"}}}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.MatchedCount)
	assert.EqualValues(t, 0, res.ModifiedCount)
}

func confUpsert(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "ups")

	res, err := coll.UpdateOne(ctx, bson.D{{Key: "key", Value: "k1"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "hits", Value: int32(1)}}}},
		&UpdateOptions{Upsert: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.UpsertedCount)
	require.NotNil(t, res.UpsertedID)

	res, err = coll.UpdateOne(ctx, bson.D{{Key: "key", Value: "k1"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "hits", Value: int32(1)}}}},
		&UpdateOptions{Upsert: true})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.UpsertedCount)
	assert.EqualValues(t, 1, res.ModifiedCount)

	out, err := coll.FindOne(ctx, bson.D{{Key: "key", Value: "k1"}})
	require.NoError(t, err)
	assert.True(t, doc.Equal(int32(2), mustGet(t, out, "hits")))
}

func confFindOneAndUpdate(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "queue")
	insertAll(t, coll,
		bson.D{{Key: "_id", Value: "a"}, {Key: "p", Value: int32(1)}},
		bson.D{{Key: "_id", Value: "b"}, {Key: "p", Value: int32(9)}})

	d, err := coll.FindOneAndUpdate(ctx, nil,
		bson.D{{Key: "$set", Value: bson.D{{Key: "taken", Value: true}}}},
		&FindOneAndUpdateOptions{Sort: bson.D{{Key: "p", Value: -1}}, ReturnDocument: ReturnAfter})
	require.NoError(t, err)
	assert.Equal(t, "b", mustGet(t, d, "_id"))
	assert.Equal(t, true, mustGet(t, d, "taken"))

	d, err = coll.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: "zz"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "taken", Value: true}}}})
	require.NoError(t, err)
	assert.Nil(t, d)
}

// Relational backends roll the whole batch back; the native backend keeps
// the writes before the failing one.
func confBulkWrite(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "bulk")
	insertAll(t, coll, bson.D{{Key: "_id", Value: "x"}})

	_, err := coll.BulkWrite(ctx, []WriteModel{
		&InsertOneModel{Document: bson.D{{Key: "_id", Value: "y"}}},
		&InsertOneModel{Document: bson.D{{Key: "_id", Value: "x"}}},
	})
	var be *BulkWriteError
	require.True(t, errors.As(err, &be), "%v", err)
	assert.Equal(t, 1, be.Index)
	assert.True(t, IsDuplicateKeyError(err))

	n, err := coll.CountDocuments(ctx, nil)
	require.NoError(t, err)
	if db.Client().Backend() == BackendMongo {
		assert.EqualValues(t, 2, n)
	} else {
		assert.EqualValues(t, 1, n)
	}
}

func confAggregate(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "sales")
	insertAll(t, coll,
		bson.D{{Key: "region", Value: "n"}, {Key: "amt", Value: int32(4)}},
		bson.D{{Key: "region", Value: "n"}, {Key: "amt", Value: int32(6)}},
		bson.D{{Key: "region", Value: "s"}, {Key: "amt", Value: int32(1)}})

	docs, err := coll.Aggregate(bson.A{
		bson.D{{Key: "$match", Value: bson.D{{Key: "amt", Value: bson.D{{Key: "$gt", Value: 0}}}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$region"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amt"}}},
		}}},
	}).ToArray(ctx)
	require.NoError(t, err)

	got := map[string]any{}
	for _, d := range docs {
		got[mustGet(t, d, "_id").(string)] = mustGet(t, d, "total")
	}
	require.Len(t, got, 2)
	assert.True(t, doc.Equal(int32(10), got["n"]))
	assert.True(t, doc.Equal(int32(1), got["s"]))
}

func confRename(t *testing.T, db *Database) {
	ctx := context.Background()
	coll := confColl(t, db, "before")

	_, err := coll.CreateIndex(ctx, bson.D{{Key: "k", Value: 1}}, &IndexOptions{Unique: true})
	require.NoError(t, err)
	insertAll(t, coll, bson.D{{Key: "k", Value: "v"}})

	moved, err := coll.Rename(ctx, "after")
	require.NoError(t, err)

	list, err := moved.Indexes(ctx)
	require.NoError(t, err)
	names := make([]string, len(list))
	for i, ix := range list {
		names[i] = ix.Name
	}
	assert.Equal(t, []string{"_id_", "k_1"}, names)

	_, err = moved.InsertOne(ctx, bson.D{{Key: "k", Value: "v"}})
	assert.True(t, IsDuplicateKeyError(err), "%v", err)

	colls, err := db.ListCollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, colls)
}
