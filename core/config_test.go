package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptions(t *testing.T) {
	o, err := NewOptions(map[string]any{
		"database":        "app",
		"batch_size":      "250",
		"connect_timeout": "3s",
		"retry_attempts":  3,
		"retry_delay":     "50ms",
	})
	require.NoError(t, err)
	assert.Equal(t, "app", o.Database)
	assert.Equal(t, 250, o.BatchSize)
	assert.Equal(t, 3*time.Second, o.ConnectTimeout)
	assert.EqualValues(t, 3, o.RetryAttempts)
	assert.Equal(t, 50*time.Millisecond, o.RetryDelay)

	_, err = NewOptions(map[string]any{"batchsize": 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewOptions(map[string]any{"batch_size": -1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewOptions(map[string]any{"retry_attempts": 50})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 100, o.BatchSize)
	assert.Equal(t, 10*time.Second, o.ConnectTimeout)
	assert.EqualValues(t, 5, o.RetryAttempts)
	assert.Equal(t, 1000, o.CacheSize)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Tracer)

	o = Options{BatchSize: 7}.withDefaults()
	assert.Equal(t, 7, o.BatchSize)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		uri     string
		kind    string
		dsn     string
		db      string
		wantErr error
	}{
		{uri: "sqlite::memory:", kind: BackendSQLite},
		{uri: "sqlite://:memory:", kind: BackendSQLite},
		{uri: "sqlite:///tmp/app.db", kind: BackendSQLite, dsn: "/tmp/app.db"},
		{uri: "postgres://u:p@localhost:5432/app?sslmode=disable", kind: BackendPostgres,
			dsn: "postgres://u:p@localhost:5432/app?sslmode=disable"},
		{uri: "postgresql://localhost/app", kind: BackendPostgres, dsn: "postgresql://localhost/app"},
		{uri: "mongodb://localhost:27017/shop", kind: BackendMongo,
			dsn: "mongodb://localhost:27017/shop", db: "shop"},
		{uri: "mysql://localhost/app", wantErr: ErrUnsupportedScheme},
		{uri: "sqlite://", wantErr: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := parseTarget(tt.uri)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.kind)
			assert.Equal(t, tt.dsn, got.dsn)
			assert.Equal(t, tt.db, got.database)
		})
	}
}

func TestConnectWithConfig(t *testing.T) {
	ctx := context.Background()
	c, err := ConnectWithConfig(ctx, "sqlite::memory:", map[string]any{
		"database":   "cfg",
		"batch_size": 2,
	})
	require.NoError(t, err)
	defer c.Close(ctx, false) //nolint:errcheck

	assert.Equal(t, BackendSQLite, c.Backend())
	assert.Equal(t, "cfg", c.DB().Name())
	require.NoError(t, c.Ping(ctx))

	_, err = ConnectWithConfig(ctx, "sqlite::memory:", map[string]any{"database": "bad name"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestToCount(t *testing.T) {
	for _, v := range []any{0, int8(1), int16(2), int32(3), int64(4), uint(5), uint64(6)} {
		_, err := toCount(v, "limit")
		assert.NoError(t, err, "%T", v)
	}
	for _, v := range []any{-1, int64(-5), 1.0, float32(2), "3", nil, true, uint64(1) << 63} {
		_, err := toCount(v, "limit")
		assert.ErrorIs(t, err, ErrInvalidInput, "%T %v", v, v)
	}
}
