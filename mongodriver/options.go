package mongodriver

import (
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// FindSpec is a find request already validated by the caller. Zero values
// leave the driver defaults in place.
type FindSpec struct {
	Sort       bson.D
	Projection bson.D
	Skip       int64
	Limit      int64
	BatchSize  int32
}

func FindOptions(s FindSpec) *options.FindOptionsBuilder {
	o := options.Find()
	if len(s.Sort) != 0 {
		o.SetSort(s.Sort)
	}
	if len(s.Projection) != 0 {
		o.SetProjection(s.Projection)
	}
	if s.Skip > 0 {
		o.SetSkip(s.Skip)
	}
	if s.Limit > 0 {
		o.SetLimit(s.Limit)
	}
	if s.BatchSize > 0 {
		o.SetBatchSize(s.BatchSize)
	}
	return o
}

func CountOptions(s FindSpec) *options.CountOptionsBuilder {
	o := options.Count()
	if s.Skip > 0 {
		o.SetSkip(s.Skip)
	}
	if s.Limit > 0 {
		o.SetLimit(s.Limit)
	}
	return o
}

// ModifySpec carries the options shared by the findOneAnd* commands.
type ModifySpec struct {
	Sort       bson.D
	Projection bson.D
	Upsert     bool
	After      bool
}

func returnDocument(after bool) options.ReturnDocument {
	if after {
		return options.After
	}
	return options.Before
}

func FindOneAndUpdateOptions(s ModifySpec) *options.FindOneAndUpdateOptionsBuilder {
	o := options.FindOneAndUpdate().
		SetUpsert(s.Upsert).
		SetReturnDocument(returnDocument(s.After))
	if len(s.Sort) != 0 {
		o.SetSort(s.Sort)
	}
	if len(s.Projection) != 0 {
		o.SetProjection(s.Projection)
	}
	return o
}

func FindOneAndReplaceOptions(s ModifySpec) *options.FindOneAndReplaceOptionsBuilder {
	o := options.FindOneAndReplace().
		SetUpsert(s.Upsert).
		SetReturnDocument(returnDocument(s.After))
	if len(s.Sort) != 0 {
		o.SetSort(s.Sort)
	}
	if len(s.Projection) != 0 {
		o.SetProjection(s.Projection)
	}
	return o
}

func FindOneAndDeleteOptions(s ModifySpec) *options.FindOneAndDeleteOptionsBuilder {
	o := options.FindOneAndDelete()
	if len(s.Sort) != 0 {
		o.SetSort(s.Sort)
	}
	if len(s.Projection) != 0 {
		o.SetProjection(s.Projection)
	}
	return o
}

// IndexSpec is an index definition in the shape callers declare it. Text
// keys carry the value "text".
type IndexSpec struct {
	Keys   bson.D
	Name   string
	Unique bool
	Sparse bool
}

// IndexModel translates spec. Declared storage types need no native
// counterpart: the server already compares values by type.
func IndexModel(spec IndexSpec) mongo.IndexModel {
	o := options.Index()
	if spec.Name != "" {
		o.SetName(spec.Name)
	}
	if spec.Unique {
		o.SetUnique(true)
	}
	if spec.Sparse {
		o.SetSparse(true)
	}
	return mongo.IndexModel{Keys: spec.Keys, Options: o}
}

func renameCommand(db, from, to string) bson.D {
	return bson.D{
		{Key: "renameCollection", Value: db + "." + from},
		{Key: "to", Value: db + "." + to},
	}
}
