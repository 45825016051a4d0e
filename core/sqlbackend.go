package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/avast/retry-go"
	"github.com/dosco/docbridge/core/internal/dialect"
	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/psql"
	"github.com/dosco/docbridge/core/internal/qcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sqlBackend stores every collection in its own table of (seq, id, data)
// rows and keeps collection and index definitions in two catalog tables.
type sqlBackend struct {
	name  string
	db    *sql.DB
	co    *psql.Compiler
	dia   dialect.Dialect
	opts  *Options
	log   *zap.Logger
	cache Cache
	boot  singleflight.Group
}

// querier is satisfied by *sql.DB and *sql.Tx. Inside a transaction only the
// transaction may be used: sqlite runs on a single connection.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newSQLBackend(ctx context.Context, kind, dsn string, o *Options) (*sqlBackend, error) {
	b := &sqlBackend{
		name: kind,
		co:   psql.NewCompiler(psql.Config{DBType: kind}),
		opts: o,
		log:  o.Logger.With(zap.String("backend", kind)),
	}
	b.dia = b.co.GetDialect()

	var err error
	if b.cache, err = newCache(o.CacheSize); err != nil {
		return nil, err
	}

	switch kind {
	case BackendSQLite:
		b.db, err = sql.Open(dialect.SQLiteDriver, sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// One connection serializes writers and keeps an in-memory
		// database alive for the life of the client.
		b.db.SetMaxOpenConns(1)
		b.db.SetMaxIdleConns(1)
		b.db.SetConnMaxLifetime(0)
		b.db.SetConnMaxIdleTime(0)

	default:
		conf, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, inputErrorf("invalid postgres uri: %w", err)
		}
		b.db = stdlib.OpenDB(*conf)
		if o.MaxOpenConns != 0 {
			b.db.SetMaxOpenConns(o.MaxOpenConns)
		}
	}

	err = retry.Do(
		func() error { return b.db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(b.opts.RetryAttempts),
		retry.Delay(b.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.log.Warn("database not reachable, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		b.db.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s: connect: %w", kind, err)
	}

	if err := b.bootstrap(ctx); err != nil {
		b.db.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s: bootstrap: %w", kind, err)
	}
	return b, nil
}

// sqliteDSN turns a file path into a driver DSN. An empty path is a private
// in-memory database.
func sqliteDSN(path string) string {
	if path == "" {
		return "file:docbridge-" + xid.New().String() + "?mode=memory&cache=shared&_txlock=immediate"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_txlock=immediate&_busy_timeout=5000"
}

func (b *sqlBackend) bootstrap(ctx context.Context) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range b.co.Bootstrap() {
			if _, err := b.execSQL(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// withTx runs fn in a transaction, retrying the whole transaction when the
// backend reports a serialization failure, deadlock or busy database.
func (b *sqlBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(
		func() error {
			tx, err := b.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
			return tx.Commit()
		},
		retry.Context(ctx),
		retry.Attempts(b.opts.RetryAttempts),
		retry.Delay(b.opts.RetryDelay),
		retry.MaxDelay(20*b.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(b.dia.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			b.log.Warn("transaction conflict, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

func (b *sqlBackend) logStmt(sql string, params int) {
	if ce := b.log.Check(zap.DebugLevel, "sql"); ce != nil {
		ce.Write(zap.String("query", sql), zap.Int("params", params))
	}
}

func (b *sqlBackend) execSQL(ctx context.Context, q querier, s string) (sql.Result, error) {
	b.logStmt(s, 0)
	return q.ExecContext(ctx, s)
}

func (b *sqlBackend) exec(ctx context.Context, q querier, st psql.Stmt) (sql.Result, error) {
	b.logStmt(st.SQL, len(st.Args))
	return q.ExecContext(ctx, st.SQL, st.Args...)
}

func (b *sqlBackend) query(ctx context.Context, q querier, st psql.Stmt) (*sql.Rows, error) {
	b.logStmt(st.SQL, len(st.Args))
	return q.QueryContext(ctx, st.SQL, st.Args...)
}

func (b *sqlBackend) queryRow(ctx context.Context, q querier, st psql.Stmt) *sql.Row {
	b.logStmt(st.SQL, len(st.Args))
	return q.QueryRowContext(ctx, st.SQL, st.Args...)
}

// queryDocs runs a single-column data query and decodes every row.
func (b *sqlBackend) queryDocs(ctx context.Context, q querier, st psql.Stmt) ([]bson.D, error) {
	rows, err := b.query(ctx, q, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []bson.D
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		d, err := doc.FromJSON(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

type storedRow struct {
	id  string
	doc bson.D
}

// queryRows runs an id, data query and decodes every row.
func (b *sqlBackend) queryRows(ctx context.Context, q querier, st psql.Stmt) ([]storedRow, error) {
	rows, err := b.query(ctx, q, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		d, err := doc.FromJSON(data)
		if err != nil {
			return nil, err
		}
		out = append(out, storedRow{id: id, doc: d})
	}
	return out, rows.Err()
}

func (b *sqlBackend) queryStrings(ctx context.Context, q querier, st psql.Stmt) ([]string, error) {
	rows, err := b.query(ctx, q, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *sqlBackend) kind() string {
	return b.name
}

func (b *sqlBackend) newID() any {
	return doc.NewID()
}

func (b *sqlBackend) ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqlBackend) close(ctx context.Context, force bool) error {
	b.cache.Purge()
	return b.db.Close()
}

func (b *sqlBackend) listDatabases(ctx context.Context) ([]string, error) {
	return b.queryStrings(ctx, b.db, b.co.ListDatabases())
}

func (b *sqlBackend) listCollections(ctx context.Context, db string) ([]string, error) {
	return b.queryStrings(ctx, b.db, b.co.ListCollections(db))
}

func (b *sqlBackend) dropDatabase(ctx context.Context, db string) error {
	names, err := b.listCollections(ctx, db)
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := b.coll(db, n).drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqlBackend) collection(db, name string) collBackend {
	return b.coll(db, name)
}

func (b *sqlBackend) coll(db, name string) *sqlColl {
	return &sqlColl{b: b, db: db, name: name}
}

// lookup loads collection metadata from the cache or the catalog. It
// returns nil when the collection does not exist.
func (c *sqlColl) lookup(ctx context.Context) (*collMeta, error) {
	if m, ok := c.b.cache.Get(c.db, c.name); ok {
		return m, nil
	}
	b := c.b

	var table string
	err := b.queryRow(ctx, b.db, b.co.LookupCollection(c.db, c.name)).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.query(ctx, b.db, b.co.ListIndexes(table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []indexMeta
	for rows.Next() {
		var name, storage, spec string
		if err := rows.Scan(&name, &storage, &spec); err != nil {
			return nil, err
		}
		def := &qcode.IndexDef{}
		if err := json.Unmarshal([]byte(spec), def); err != nil {
			return nil, fmt.Errorf("index %s: %w", name, err)
		}
		if err := def.Restore(); err != nil {
			return nil, fmt.Errorf("index %s: %w", name, err)
		}
		indexes = append(indexes, indexMeta{def: def, storage: storage})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	m := newCollMeta(table, indexes)
	b.cache.Set(c.db, c.name, m)
	return m, nil
}

// ensure returns the collection's metadata, creating the collection first
// when it does not exist. Concurrent first writes share one creation.
func (c *sqlColl) ensure(ctx context.Context) (*collMeta, error) {
	if m, ok := c.b.cache.Get(c.db, c.name); ok {
		return m, nil
	}

	v, err, _ := c.b.boot.Do(cacheKey(c.db, c.name), func() (any, error) {
		m, err := c.lookup(ctx)
		if err != nil || m != nil {
			return m, err
		}
		if err := c.create(ctx); err != nil {
			// Another client may have created it first.
			if m, err1 := c.lookup(ctx); err1 == nil && m != nil {
				return m, nil
			}
			return nil, err
		}
		return c.lookup(ctx)
	})
	if err != nil {
		return nil, err
	}
	m, _ := v.(*collMeta)
	if m == nil {
		return nil, fmt.Errorf("collection %s.%s: not found after create", c.db, c.name)
	}
	return m, nil
}

func (c *sqlColl) create(ctx context.Context) error {
	b := c.b
	return b.withTx(ctx, func(tx *sql.Tx) error {
		table, err := c.freeTable(ctx, tx, c.name)
		if err != nil {
			return err
		}
		if _, err := b.execSQL(ctx, tx, b.co.CreateTable(table)); err != nil {
			return err
		}
		if _, err := b.exec(ctx, tx, b.co.InsertCollection(c.db, c.name, table)); err != nil {
			return err
		}
		b.log.Info("collection created",
			zap.String("database", c.db),
			zap.String("collection", c.name),
			zap.String("table", table))
		return nil
	})
}

// freeTable picks the storage name for name, adding a hash suffix when
// another collection already maps onto the plain one.
func (c *sqlColl) freeTable(ctx context.Context, q querier, name string) (string, error) {
	table, err := ident.StorageName(c.db, name)
	if err != nil {
		return "", err
	}
	for i := 0; i < 2; i++ {
		var db, owner string
		err := c.b.queryRow(ctx, q, c.b.co.TableOwner(table)).Scan(&db, &owner)
		if errors.Is(err, sql.ErrNoRows) {
			return table, nil
		}
		if err != nil {
			return "", err
		}
		if table, err = ident.Suffixed(table, c.db, name); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free storage name for collection %s.%s", c.db, name)
}
