package qcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCompileIndex(t *testing.T) {
	def, err := CompileIndex(bson.D{{Key: "slug", Value: int32(1)}, {Key: "meta.at", Value: int32(-1)}}, IndexOptions{Unique: true})
	require.NoError(t, err)
	assert.Equal(t, "slug_1_meta_at_-1", def.Name)
	assert.Equal(t, []string{"meta", "at"}, def.Keys[1].Path)
	assert.Equal(t, bson.D{{Key: "slug", Value: int32(1)}, {Key: "meta.at", Value: int32(-1)}}, def.KeyDoc())

	txt, err := CompileIndex(bson.D{{Key: "title", Value: "text"}, {Key: "body", Value: "text"}}, IndexOptions{})
	require.NoError(t, err)
	assert.True(t, txt.IsText())
	assert.Equal(t, "title_text_body_text", txt.Name)

	typed, err := CompileIndex(bson.D{{Key: "price", Value: 1}}, IndexOptions{Type: "number"})
	require.NoError(t, err)
	h := HintsFrom([]*IndexDef{def, txt, typed})
	assert.Equal(t, TypeNumber, h.Types["price"])
	assert.Len(t, h.TextFields, 2)
}

func TestCompileIndexErrors(t *testing.T) {
	tests := []struct {
		name string
		keys bson.D
		opts IndexOptions
	}{
		{name: "empty", keys: bson.D{}},
		{name: "bad dir", keys: bson.D{{Key: "a", Value: int32(2)}}},
		{name: "bad kind", keys: bson.D{{Key: "a", Value: "2dsphere"}}},
		{name: "bad field", keys: bson.D{{Key: "a'b", Value: int32(1)}}},
		{name: "bad name", keys: bson.D{{Key: "a", Value: int32(1)}}, opts: IndexOptions{Name: "x; DROP TABLE y"}},
		{name: "reserved name", keys: bson.D{{Key: "a", Value: int32(1)}}, opts: IndexOptions{Name: "_id_"}},
		{name: "bad type", keys: bson.D{{Key: "a", Value: int32(1)}}, opts: IndexOptions{Type: "geo"}},
		{name: "mixed text", keys: bson.D{{Key: "a", Value: "text"}, {Key: "b", Value: int32(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileIndex(tt.keys, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestIndexSame(t *testing.T) {
	a, err := CompileIndex(bson.D{{Key: "a", Value: int32(1)}}, IndexOptions{Unique: true})
	require.NoError(t, err)
	b, err := CompileIndex(bson.D{{Key: "a", Value: 1.0}}, IndexOptions{Unique: true})
	require.NoError(t, err)
	c, err := CompileIndex(bson.D{{Key: "a", Value: int32(1)}}, IndexOptions{})
	require.NoError(t, err)
	assert.True(t, a.Same(b))
	assert.False(t, a.Same(c))
}
