package mongodriver

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// listedIndex is one entry of the listIndexes command.
type listedIndex struct {
	Name    string `bson:"name"`
	Key     bson.D `bson:"key"`
	Unique  bool   `bson:"unique"`
	Sparse  bool   `bson:"sparse"`
	Weights bson.D `bson:"weights"`
}

// ListIndexes returns the collection's indexes in the shape they were
// declared. Text indexes are stored as {_fts: "text", _ftsx: 1} with the
// fields in weights; they are turned back into {field: "text"} keys. A
// missing collection has no indexes.
func ListIndexes(ctx context.Context, coll *mongo.Collection) ([]IndexSpec, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		if IsNamespaceNotFound(err) {
			return []IndexSpec{}, nil
		}
		return nil, fmt.Errorf("mongodriver: list indexes: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck

	out := []IndexSpec{}
	for cur.Next(ctx) {
		var li listedIndex
		if err := cur.Decode(&li); err != nil {
			return nil, fmt.Errorf("mongodriver: decode index: %w", err)
		}
		out = append(out, IndexSpec{
			Name:   li.Name,
			Keys:   declaredKeys(li),
			Unique: li.Unique,
			Sparse: li.Sparse,
		})
	}
	if err := cur.Err(); err != nil {
		if IsNamespaceNotFound(err) {
			return []IndexSpec{}, nil
		}
		return nil, err
	}
	return out, nil
}

func declaredKeys(li listedIndex) bson.D {
	var keys bson.D
	text := false
	for _, e := range li.Key {
		switch e.Key {
		case "_fts", "_ftsx":
			text = true
		default:
			keys = append(keys, e)
		}
	}
	if text {
		for _, w := range li.Weights {
			keys = append(keys, bson.E{Key: w.Key, Value: "text"})
		}
	}
	return keys
}

// ListCollections lists user collections, skipping system ones.
func ListCollections(ctx context.Context, db *mongo.Database) ([]string, error) {
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: list collections: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		if !strings.HasPrefix(n, "system.") {
			out = append(out, n)
		}
	}
	return out, nil
}

// ListDatabases lists databases, skipping the server's own.
func ListDatabases(ctx context.Context, client *mongo.Client) ([]string, error) {
	names, err := client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: list databases: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		switch n {
		case "admin", "config", "local":
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
