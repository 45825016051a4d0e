package doc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ToJSON encodes a document as relaxed Extended JSON, the storage format of
// the relational backends. Dates stay {"$date": "<RFC 3339>"} so SQL can
// compare them, numbers stay plain JSON numbers so SQL can range over them.
func ToJSON(d bson.D) ([]byte, error) {
	if d == nil {
		d = bson.D{}
	}
	return bson.MarshalExtJSON(d, false, false)
}

// FromJSON decodes a stored relaxed Extended JSON document.
func FromJSON(b []byte) (bson.D, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(b, false, &d); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return d, nil
}

// ValueJSON encodes a single value as relaxed Extended JSON.
func ValueJSON(v any) ([]byte, error) {
	return valueJSON(v, false)
}

// CanonicalJSON encodes a single value as canonical Extended JSON.
func CanonicalJSON(v any) ([]byte, error) {
	return valueJSON(v, true)
}

func valueJSON(v any, canonical bool) ([]byte, error) {
	b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, canonical, false)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(m["v"]), nil
}

// ValueFromJSON decodes one relaxed Extended JSON value.
func ValueFromJSON(b []byte) (any, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"v":`)
	buf.Write(b)
	buf.WriteString(`}`)

	var d bson.D
	if err := bson.UnmarshalExtJSON(buf.Bytes(), false, &d); err != nil {
		return nil, err
	}
	if len(d) == 0 {
		return nil, nil
	}
	return d[0].Value, nil
}

// IDKey returns the text stored in the primary-key column for an _id value.
// Numerically equal ids share one key so 5, int64(5) and 5.0 collide the way
// they do in a native unique index.
func IDKey(id any) (string, error) {
	switch ClassOf(id) {
	case ClassArray:
		return "", fmt.Errorf("_id cannot be an array")
	case ClassRegex:
		return "", fmt.Errorf("_id cannot be a regex")
	}
	if f, ok := AsFloat(id); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		id = int64(f)
	}
	b, err := CanonicalJSON(id)
	if err != nil {
		return "", fmt.Errorf("encode _id: %w", err)
	}
	return string(b), nil
}
