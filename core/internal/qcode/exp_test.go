package qcode

import (
	"errors"
	"testing"

	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func compile(t *testing.T, f bson.D) *Exp {
	t.Helper()
	ex, err := CompileFilter(f, Hints{})
	require.NoError(t, err)
	return ex
}

func TestCompileFilterShapes(t *testing.T) {
	ex := compile(t, bson.D{})
	assert.Equal(t, OpNop, ex.Op)

	ex = compile(t, bson.D{{Key: "a", Value: int32(1)}, {Key: "b.c", Value: "x"}})
	require.Equal(t, OpAnd, ex.Op)
	require.Len(t, ex.Children, 2)
	assert.Equal(t, []string{"b", "c"}, ex.Children[1].Path)

	ex = compile(t, bson.D{{Key: "a", Value: bson.D{{Key: "$ne", Value: int32(1)}}}})
	require.Equal(t, OpNot, ex.Op)
	assert.Equal(t, OpEquals, ex.Children[0].Op)

	ex = compile(t, bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{}}}}})
	assert.Equal(t, OpFalse, ex.Op)

	ex = compile(t, bson.D{{Key: "a", Value: bson.D{{Key: "$nin", Value: bson.A{int32(1), int32(2)}}}}})
	require.Equal(t, OpNot, ex.Op)
	assert.Equal(t, OpIn, ex.Children[0].Op)
	assert.Len(t, ex.Children[0].Vals, 2)

	ex = compile(t, bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "a", Value: int32(1)}}}}})
	require.Equal(t, OpNot, ex.Op)
	assert.Equal(t, OpOr, ex.Children[0].Op)

	ex = compile(t, bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{}}}}})
	assert.Equal(t, OpFalse, ex.Op)

	ex = compile(t, bson.D{{Key: "_id", Value: "x"}})
	assert.True(t, ex.IsID())
}

func TestCompileFilterErrors(t *testing.T) {
	tests := []struct {
		name   string
		filter bson.D
	}{
		{name: "unknown field op", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$foo", Value: 1}}}}},
		{name: "unknown top op", filter: bson.D{{Key: "$where", Value: "1"}}},
		{name: "bad regex", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$regex", Value: "(unclosed"}}}}},
		{name: "bad regex option", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$regex", Value: "a"}, {Key: "$options", Value: "z"}}}}},
		{name: "options without regex", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$options", Value: "i"}}}}},
		{name: "or not array", filter: bson.D{{Key: "$or", Value: "x"}}},
		{name: "empty or", filter: bson.D{{Key: "$or", Value: bson.A{}}}},
		{name: "in not array", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: int32(1)}}}}},
		{name: "text without index", filter: bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: "x"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileFilter(tt.filter, Hints{})
			require.Error(t, err)
			var fe *FilterError
			assert.True(t, errors.As(err, &fe), err.Error())
		})
	}
}

func TestCompileFilterBadField(t *testing.T) {
	_, err := CompileFilter(bson.D{{Key: "a'; DROP TABLE x;--", Value: 1}}, Hints{})
	var ie *ident.Error
	require.True(t, errors.As(err, &ie))
}

func TestValidateFilter(t *testing.T) {
	text := bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: "x"}}}}
	assert.NoError(t, ValidateFilter(text))
	assert.NoError(t, ValidateFilter(bson.D{{Key: "a", Value: bson.D{{Key: "$gt", Value: int32(1)}}}}))

	var fe *FilterError
	assert.True(t, errors.As(ValidateFilter(bson.D{{Key: "$where", Value: "1"}}), &fe))
	assert.True(t, errors.As(ValidateFilter(bson.D{{Key: "a", Value: bson.D{{Key: "$regex", Value: "("}}}}), &fe))

	var ie *ident.Error
	assert.True(t, errors.As(ValidateFilter(bson.D{{Key: "a'; --", Value: 1}}), &ie))
}

func TestTypedRange(t *testing.T) {
	h := Hints{Types: map[string]FieldType{"price": TypeNumber}}

	ex, err := CompileFilter(bson.D{{Key: "price", Value: bson.D{{Key: "$lt", Value: int32(30)}}}}, h)
	require.NoError(t, err)
	assert.Equal(t, TypeNumber, ex.Typed)

	_, err = CompileFilter(bson.D{{Key: "price", Value: bson.D{{Key: "$lt", Value: "30"}}}}, h)
	var fe *FilterError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "price", fe.Field)
}

func TestRegexOptions(t *testing.T) {
	r, err := NewRegex("a b # comment\nc", "xi")
	require.NoError(t, err)
	assert.Equal(t, "abc", r.Pattern)
	assert.Equal(t, "(?i)abc", r.GoPattern())
	assert.True(t, r.MatchString("xABCx"))
}

func TestTextTerms(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, TextTerms("Hello, world! hello"))
	assert.Empty(t, TextTerms("'; --"))
}

func TestMatch(t *testing.T) {
	d := bson.D{
		{Key: "a", Value: int32(5)},
		{Key: "s", Value: "Hello"},
		{Key: "n", Value: nil},
		{Key: "tags", Value: bson.A{"x", "y"}},
		{Key: "sub", Value: bson.D{{Key: "k", Value: int32(1)}}},
	}

	tests := []struct {
		name   string
		filter bson.D
		want   bool
	}{
		{name: "eq", filter: bson.D{{Key: "a", Value: 5.0}}, want: true},
		{name: "eq miss", filter: bson.D{{Key: "a", Value: int32(6)}}},
		{name: "array contains", filter: bson.D{{Key: "tags", Value: "y"}}, want: true},
		{name: "array equal", filter: bson.D{{Key: "tags", Value: bson.A{"x", "y"}}}, want: true},
		{name: "null matches missing", filter: bson.D{{Key: "zzz", Value: nil}}, want: true},
		{name: "null matches null", filter: bson.D{{Key: "n", Value: nil}}, want: true},
		{name: "exists null", filter: bson.D{{Key: "n", Value: bson.D{{Key: "$exists", Value: true}}}}, want: true},
		{name: "exists missing", filter: bson.D{{Key: "zzz", Value: bson.D{{Key: "$exists", Value: true}}}}},
		{name: "ne missing", filter: bson.D{{Key: "zzz", Value: bson.D{{Key: "$ne", Value: int32(1)}}}}, want: true},
		{name: "gt", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$gt", Value: int32(4)}}}}, want: true},
		{name: "gt type mismatch", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$gt", Value: "4"}}}}},
		{name: "in", filter: bson.D{{Key: "tags", Value: bson.D{{Key: "$in", Value: bson.A{"z", "x"}}}}}, want: true},
		{name: "all", filter: bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"x", "y"}}}}}, want: true},
		{name: "all miss", filter: bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"x", "q"}}}}}},
		{name: "regex i", filter: bson.D{{Key: "s", Value: bson.D{{Key: "$regex", Value: "^hel"}, {Key: "$options", Value: "i"}}}}, want: true},
		{name: "regex value", filter: bson.D{{Key: "s", Value: bson.Regex{Pattern: "^hel"}}}},
		{name: "nested", filter: bson.D{{Key: "sub.k", Value: int32(1)}}, want: true},
		{name: "or", filter: bson.D{{Key: "$or", Value: bson.A{bson.D{{Key: "a", Value: int32(1)}}, bson.D{{Key: "s", Value: "Hello"}}}}}, want: true},
		{name: "not", filter: bson.D{{Key: "a", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int32(4)}}}}}}},
		{name: "injection value", filter: bson.D{{Key: "s", Value: "x' OR '1'='1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := compile(t, tt.filter)
			assert.Equal(t, tt.want, Match(d, ex, Hints{}))
		})
	}
}

func TestEqualityFields(t *testing.T) {
	ex := compile(t, bson.D{
		{Key: "slug", Value: "home"},
		{Key: "n", Value: bson.D{{Key: "$gt", Value: int32(1)}}},
		{Key: "$and", Value: bson.A{bson.D{{Key: "type", Value: bson.D{{Key: "$eq", Value: "page"}}}}}},
	})
	assert.Equal(t, []bson.E{{Key: "slug", Value: "home"}, {Key: "type", Value: "page"}}, EqualityFields(ex))
}
