package mongodriver

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestIndexFromMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{`E11000 duplicate key error collection: app.users index: email_1 dup key: { email: "a" }`, "email_1"},
		{`E11000 duplicate key error collection: app.users index: _id_ dup key: { _id: 1 }`, "_id_"},
		{`E11000 duplicate key error`, IDIndex},
	}
	for _, tt := range tests {
		if got := indexFromMessage(tt.msg); got != tt.want {
			t.Errorf("indexFromMessage(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestDuplicateKey(t *testing.T) {
	we := mongo.WriteException{
		WriteErrors: mongo.WriteErrors{{
			Index:   2,
			Code:    11000,
			Message: `E11000 duplicate key error collection: app.users index: email_1 dup key: { email: "a" }`,
		}},
	}

	name, ok := DuplicateKey(we)
	if !ok || name != "email_1" {
		t.Fatalf("DuplicateKey() = %q, %v; want email_1, true", name, ok)
	}

	i, ok := FailedWrite(we)
	if !ok || i != 2 {
		t.Fatalf("FailedWrite() = %d, %v; want 2, true", i, ok)
	}

	if _, ok := DuplicateKey(errors.New("boom")); ok {
		t.Fatal("plain error reported as duplicate key")
	}
	if _, ok := DuplicateKey(nil); ok {
		t.Fatal("nil reported as duplicate key")
	}
}

func TestDeclaredKeys(t *testing.T) {
	li := listedIndex{
		Name: "title_text_status_1",
		Key: bson.D{
			{Key: "_fts", Value: "text"},
			{Key: "_ftsx", Value: int32(1)},
			{Key: "status", Value: int32(1)},
		},
		Weights: bson.D{{Key: "title", Value: int32(1)}},
	}
	got := declaredKeys(li)
	want := bson.D{
		{Key: "status", Value: int32(1)},
		{Key: "title", Value: "text"},
	}
	if len(got) != len(want) {
		t.Fatalf("declaredKeys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Key != want[i].Key || got[i].Value != want[i].Value {
			t.Errorf("key %d = %v, want %v", i, got[i], want[i])
		}
	}

	plain := listedIndex{Key: bson.D{{Key: "a", Value: int32(-1)}}}
	if got := declaredKeys(plain); len(got) != 1 || got[0].Key != "a" {
		t.Errorf("declaredKeys(plain) = %v", got)
	}
}

func TestIndexModel(t *testing.T) {
	m := IndexModel(IndexSpec{
		Keys:   bson.D{{Key: "email", Value: 1}},
		Name:   "by_email",
		Unique: true,
	})
	keys, ok := m.Keys.(bson.D)
	if !ok || len(keys) != 1 || keys[0].Key != "email" {
		t.Fatalf("IndexModel keys = %v", m.Keys)
	}
	if m.Options == nil {
		t.Fatal("IndexModel options not set")
	}
}

func TestRenameCommand(t *testing.T) {
	cmd := renameCommand("app", "users", "people")
	if cmd[0].Key != "renameCollection" || cmd[0].Value != "app.users" {
		t.Errorf("source = %v", cmd[0])
	}
	if cmd[1].Key != "to" || cmd[1].Value != "app.people" {
		t.Errorf("target = %v", cmd[1])
	}
}

func TestOptionBuilders(t *testing.T) {
	// Builders must accept zero specs without setting anything invalid.
	if FindOptions(FindSpec{}) == nil {
		t.Fatal("FindOptions returned nil")
	}
	if CountOptions(FindSpec{Skip: 1, Limit: 2}) == nil {
		t.Fatal("CountOptions returned nil")
	}
	s := ModifySpec{Sort: bson.D{{Key: "a", Value: 1}}, Upsert: true, After: true}
	if FindOneAndUpdateOptions(s) == nil || FindOneAndReplaceOptions(s) == nil ||
		FindOneAndDeleteOptions(s) == nil {
		t.Fatal("findOneAnd* builders returned nil")
	}
	if returnDocument(true) != returnDocument(true) || returnDocument(true) == returnDocument(false) {
		t.Fatal("returnDocument does not distinguish before and after")
	}
}

// Integration test that requires a running MongoDB instance at
// DOCBRIDGE_MONGO_URI, skipped otherwise.
func TestWithMongoDB(t *testing.T) {
	uri := os.Getenv("DOCBRIDGE_MONGO_URI")
	if uri == "" {
		t.Skip("DOCBRIDGE_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri, Config{Attempts: 3, Delay: 200 * time.Millisecond})
	if err != nil {
		t.Skipf("Skipping MongoDB integration test - server not available: %v", err)
	}
	defer client.Disconnect(ctx) //nolint:errcheck

	db := client.Database("docbridge_driver_test")
	defer db.Drop(ctx) //nolint:errcheck
	coll := db.Collection("users")

	idx, err := ListIndexes(ctx, coll)
	if err != nil {
		t.Fatalf("ListIndexes() on missing collection: %v", err)
	}
	if len(idx) != 0 {
		t.Fatalf("ListIndexes() on missing collection = %v", idx)
	}

	if _, err := coll.Indexes().CreateOne(ctx, IndexModel(IndexSpec{
		Keys:   bson.D{{Key: "email", Value: 1}},
		Unique: true,
	})); err != nil {
		t.Fatalf("CreateOne() error = %v", err)
	}
	if _, err := coll.Indexes().CreateOne(ctx, IndexModel(IndexSpec{
		Keys: bson.D{{Key: "bio", Value: "text"}},
	})); err != nil {
		t.Fatalf("CreateOne(text) error = %v", err)
	}

	_, err = coll.InsertMany(ctx, []any{
		bson.D{{Key: "email", Value: "a@x"}},
		bson.D{{Key: "email", Value: "a@x"}},
	})
	if name, ok := DuplicateKey(err); !ok || name != "email_1" {
		t.Fatalf("DuplicateKey(%v) = %q, %v", err, name, ok)
	}
	if i, ok := FailedWrite(err); !ok || i != 1 {
		t.Fatalf("FailedWrite(%v) = %d, %v", err, i, ok)
	}

	idx, err = ListIndexes(ctx, coll)
	if err != nil {
		t.Fatalf("ListIndexes() error = %v", err)
	}
	found := false
	for _, s := range idx {
		if s.Name == "bio_text" && len(s.Keys) == 1 && s.Keys[0].Value == "text" {
			found = true
		}
	}
	if !found {
		t.Errorf("text index not restored: %v", idx)
	}

	if err := RenameCollection(ctx, client, db.Name(), "users", "people"); err != nil {
		t.Fatalf("RenameCollection() error = %v", err)
	}
	names, err := ListCollections(ctx, db)
	if err != nil {
		t.Fatalf("ListCollections() error = %v", err)
	}
	if len(names) != 1 || names[0] != "people" {
		t.Errorf("ListCollections() = %v", names)
	}
}
