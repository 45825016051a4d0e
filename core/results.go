package core

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

type InsertOneResult struct {
	InsertedID   any  `json:"insertedId"`
	Acknowledged bool `json:"acknowledged"`
}

type InsertManyResult struct {
	InsertedCount int64 `json:"insertedCount"`
	InsertedIDs   []any `json:"insertedIds"`
	Acknowledged  bool  `json:"acknowledged"`
}

type UpdateResult struct {
	MatchedCount  int64 `json:"matchedCount"`
	ModifiedCount int64 `json:"modifiedCount"`
	UpsertedID    any   `json:"upsertedId,omitempty"`
	UpsertedCount int64 `json:"upsertedCount"`
	Acknowledged  bool  `json:"acknowledged"`
}

type DeleteResult struct {
	DeletedCount int64 `json:"deletedCount"`
	Acknowledged bool  `json:"acknowledged"`
}

type BulkWriteResult struct {
	InsertedCount int64         `json:"insertedCount"`
	MatchedCount  int64         `json:"matchedCount"`
	ModifiedCount int64         `json:"modifiedCount"`
	DeletedCount  int64         `json:"deletedCount"`
	UpsertedCount int64         `json:"upsertedCount"`
	UpsertedIDs   map[int64]any `json:"upsertedIds"`
	Acknowledged  bool          `json:"acknowledged"`
}

// IndexInfo describes one index as listed by Collection.Indexes.
type IndexInfo struct {
	Name   string `json:"name"`
	Key    bson.D `json:"key"`
	Unique bool   `json:"unique,omitempty"`
	Sparse bool   `json:"sparse,omitempty"`
	Type   string `json:"type,omitempty"`
}

// ValueCount is one entry of Cursor.Counts.
type ValueCount struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

func (r *BulkWriteResult) add(u *UpdateResult, i int) {
	r.MatchedCount += u.MatchedCount
	r.ModifiedCount += u.ModifiedCount
	r.UpsertedCount += u.UpsertedCount
	if u.UpsertedCount != 0 {
		if r.UpsertedIDs == nil {
			r.UpsertedIDs = make(map[int64]any)
		}
		r.UpsertedIDs[int64(i)] = u.UpsertedID
	}
}
