// Package mongodriver holds the MongoDB specific pieces of the native
// backend: connecting, translating options and indexes, and reading
// duplicate-key details out of server errors.
package mongodriver

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const defaultAppName = "docbridge"

// Config controls Connect. Zero values use the driver defaults.
type Config struct {
	AppName     string
	MaxPoolSize uint64

	// Ping attempts and the delay between them
	Attempts uint
	Delay    time.Duration

	// Called before every retried ping
	OnRetry func(attempt uint, err error)
}

// Connect creates a client for uri and pings the primary until it answers
// or the attempts run out.
func Connect(ctx context.Context, uri string, conf Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	if conf.AppName == "" {
		conf.AppName = defaultAppName
	}
	opts.SetAppName(conf.AppName)
	if conf.MaxPoolSize != 0 {
		opts.SetMaxPoolSize(conf.MaxPoolSize)
	}
	if dl, ok := ctx.Deadline(); ok {
		opts.SetServerSelectionTimeout(time.Until(dl))
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: connect: %w", err)
	}

	if err := Ping(ctx, client, conf); err != nil {
		client.Disconnect(context.Background()) //nolint:errcheck
		return nil, err
	}
	return client, nil
}

// Ping checks the primary is reachable, retrying per conf.
func Ping(ctx context.Context, client *mongo.Client, conf Config) error {
	if conf.Attempts == 0 {
		conf.Attempts = 1
	}
	onRetry := conf.OnRetry
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}

	err := retry.Do(
		func() error { return client.Ping(ctx, readpref.Primary()) },
		retry.Context(ctx),
		retry.Attempts(conf.Attempts),
		retry.Delay(conf.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(onRetry),
	)
	if err != nil {
		return fmt.Errorf("mongodriver: ping: %w", err)
	}
	return nil
}

// RenameCollection renames a collection within its database.
func RenameCollection(ctx context.Context, client *mongo.Client, db, from, to string) error {
	cmd := renameCommand(db, from, to)
	if err := client.Database("admin").RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("mongodriver: rename %s.%s: %w", db, from, err)
	}
	return nil
}
