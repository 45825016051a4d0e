package qcode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func orders() []bson.D {
	return []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "cust", Value: "a"}, {Key: "amt", Value: int32(10)}, {Key: "items", Value: bson.A{"x", "y"}}},
		{{Key: "_id", Value: int32(2)}, {Key: "cust", Value: "b"}, {Key: "amt", Value: int32(5)}, {Key: "items", Value: bson.A{}}},
		{{Key: "_id", Value: int32(3)}, {Key: "cust", Value: "a"}, {Key: "amt", Value: 2.5}},
	}
}

func TestPipelineGroup(t *testing.T) {
	p, err := CompilePipeline([]bson.D{
		{{Key: "$match", Value: bson.D{{Key: "amt", Value: bson.D{{Key: "$gt", Value: int32(1)}}}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cust"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amt"}}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: int32(1)}}},
		}}},
	}, Hints{})
	require.NoError(t, err)

	match, group, next := p.Pushdown()
	require.NotNil(t, group)
	assert.Equal(t, OpGreaterThan, match.Op)
	assert.Equal(t, 2, next)

	out, err := p.Run(orders(), 0)
	require.NoError(t, err)
	assert.Equal(t, []bson.D{
		{{Key: "_id", Value: "a"}, {Key: "total", Value: 12.5}, {Key: "n", Value: int32(2)}},
		{{Key: "_id", Value: "b"}, {Key: "total", Value: int32(5)}, {Key: "n", Value: int32(1)}},
	}, out)
}

func TestPipelineUnwindProject(t *testing.T) {
	p, err := CompilePipeline([]bson.D{
		{{Key: "$unwind", Value: "$items"}},
		{{Key: "$project", Value: bson.D{{Key: "items", Value: int32(1)}, {Key: "_id", Value: int32(0)}}}},
	}, Hints{})
	require.NoError(t, err)

	out, err := p.Run(orders(), 0)
	require.NoError(t, err)
	assert.Equal(t, []bson.D{
		{{Key: "items", Value: "x"}},
		{{Key: "items", Value: "y"}},
	}, out)

	p, err = CompilePipeline([]bson.D{
		{{Key: "$unwind", Value: bson.D{{Key: "path", Value: "$items"}, {Key: "preserveNullAndEmptyArrays", Value: true}}}},
	}, Hints{})
	require.NoError(t, err)
	out, err = p.Run(orders(), 0)
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestPipelineErrors(t *testing.T) {
	_, err := CompilePipeline([]bson.D{{{Key: "$lookup", Value: bson.D{}}}}, Hints{})
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "unsupported aggregation stage")

	_, err = CompilePipeline([]bson.D{{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: nil},
		{Key: "avg", Value: bson.D{{Key: "$avg", Value: "$x"}}},
	}}}}, Hints{})
	assert.True(t, errors.As(err, &se))

	_, err = CompilePipeline([]bson.D{{{Key: "$project", Value: bson.D{{Key: "a", Value: int32(0)}}}}}, Hints{})
	assert.Error(t, err)

	_, err = CompilePipeline([]bson.D{{{Key: "$group", Value: bson.D{{Key: "n", Value: bson.D{{Key: "$sum", Value: int32(1)}}}}}}}, Hints{})
	assert.Error(t, err)
}

func TestTotal(t *testing.T) {
	var tot Total
	tot.Add(int32(2147483647))
	tot.Add(int32(1))
	assert.Equal(t, int64(2147483648), tot.Value())

	var f Total
	f.Add(int32(1))
	f.Add("ignored")
	f.Add(0.5)
	assert.Equal(t, 1.5, f.Value())
}
