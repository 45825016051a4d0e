// Package doc holds the value model shared by every backend: documents are
// bson.D, arrays bson.A, and scalars the types the bson codec decodes to.
package doc

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type Class int

const (
	ClassMissing Class = iota
	ClassNull
	ClassNumber
	ClassString
	ClassDoc
	ClassArray
	ClassBool
	ClassDate
	ClassOID
	ClassRegex
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassMissing:
		return "missing"
	case ClassNull:
		return "null"
	case ClassNumber:
		return "number"
	case ClassString:
		return "string"
	case ClassDoc:
		return "object"
	case ClassArray:
		return "array"
	case ClassBool:
		return "bool"
	case ClassDate:
		return "date"
	case ClassOID:
		return "objectId"
	case ClassRegex:
		return "regex"
	default:
		return "other"
	}
}

var ErrNilDocument = errors.New("document is nil")

// ClassOf classifies a normalized value.
func ClassOf(v any) Class {
	switch v.(type) {
	case nil:
		return ClassNull
	case int32, int64, float64, int:
		return ClassNumber
	case string:
		return ClassString
	case bson.D, bson.M, map[string]any:
		return ClassDoc
	case bson.A, []any:
		return ClassArray
	case bool:
		return ClassBool
	case bson.DateTime:
		return ClassDate
	case bson.ObjectID:
		return ClassOID
	case bson.Regex:
		return ClassRegex
	default:
		return ClassOther
	}
}

// Normalize converts any value the bson codec can encode as a document
// (bson.D, bson.M, maps, structs) into a freshly allocated bson.D.
func Normalize(v any) (bson.D, error) {
	if v == nil {
		return nil, ErrNilDocument
	}
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var d bson.D
	if err := bson.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// NormalizeArray converts a slice-like value into bson.A of normalized values.
func NormalizeArray(v any) (bson.A, error) {
	d, err := Normalize(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return nil, err
	}
	a, ok := d[0].Value.(bson.A)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %s", ClassOf(d[0].Value))
	}
	return a, nil
}

// Copy returns a deep copy of d.
func Copy(d bson.D) bson.D {
	if d == nil {
		return nil
	}
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: e.Key, Value: copyValue(e.Value)}
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case bson.D:
		return Copy(val)
	case bson.A:
		out := make(bson.A, len(val))
		for i := range val {
			out[i] = copyValue(val[i])
		}
		return out
	default:
		return v
	}
}

// Get returns the value stored under key in d.
func Get(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Lookup walks a split path through nested documents and arrays.
func Lookup(d bson.D, path []string) (any, bool) {
	var cur any = d
	for _, seg := range path {
		switch c := cur.(type) {
		case bson.D:
			v, ok := Get(c, seg)
			if !ok {
				return nil, false
			}
			cur = v
		case bson.A:
			if !ident.IsIndex(seg) {
				return nil, false
			}
			i, _ := strconv.Atoi(seg)
			if i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set stores v at path, creating intermediate documents as needed.
func Set(d bson.D, path []string, v any) (bson.D, error) {
	out, err := setIn(d, path, v)
	if err != nil {
		return nil, err
	}
	return out.(bson.D), nil
}

func setIn(cur any, path []string, v any) (any, error) {
	seg := path[0]
	switch c := cur.(type) {
	case bson.D:
		for i, e := range c {
			if e.Key != seg {
				continue
			}
			if len(path) == 1 {
				c[i].Value = v
				return c, nil
			}
			nv, err := setIn(e.Value, path[1:], v)
			if err != nil {
				return nil, err
			}
			c[i].Value = nv
			return c, nil
		}
		if len(path) == 1 {
			return append(c, bson.E{Key: seg, Value: v}), nil
		}
		nv, err := setIn(bson.D{}, path[1:], v)
		if err != nil {
			return nil, err
		}
		return append(c, bson.E{Key: seg, Value: nv}), nil

	case bson.A:
		if !ident.IsIndex(seg) {
			return nil, fmt.Errorf("cannot create field %q in an array", seg)
		}
		i, _ := strconv.Atoi(seg)
		for len(c) <= i {
			c = append(c, nil)
		}
		if len(path) == 1 {
			c[i] = v
			return c, nil
		}
		next := c[i]
		if next == nil {
			next = bson.D{}
		}
		nv, err := setIn(next, path[1:], v)
		if err != nil {
			return nil, err
		}
		c[i] = nv
		return c, nil

	case nil:
		return setIn(bson.D{}, path, v)

	default:
		return nil, fmt.Errorf("cannot create field %q in element of type %s", seg, ClassOf(cur))
	}
}

// Unset removes the value at path. Array positions are set to null, not
// removed, so sibling positions keep their index.
func Unset(d bson.D, path []string) bson.D {
	out, _ := unsetIn(d, path)
	if od, ok := out.(bson.D); ok {
		return od
	}
	return d
}

func unsetIn(cur any, path []string) (any, bool) {
	seg := path[0]
	switch c := cur.(type) {
	case bson.D:
		for i, e := range c {
			if e.Key != seg {
				continue
			}
			if len(path) == 1 {
				return append(c[:i:i], c[i+1:]...), true
			}
			nv, ok := unsetIn(e.Value, path[1:])
			if ok {
				c[i].Value = nv
			}
			return c, ok
		}
	case bson.A:
		if !ident.IsIndex(seg) {
			return c, false
		}
		i, _ := strconv.Atoi(seg)
		if i >= len(c) {
			return c, false
		}
		if len(path) == 1 {
			c[i] = nil
			return c, true
		}
		nv, ok := unsetIn(c[i], path[1:])
		if ok {
			c[i] = nv
		}
		return c, ok
	}
	return cur, false
}

// NewID generates a string _id for backends that do not assign one.
func NewID() string {
	return xid.New().String()
}

// EnsureID returns d with an _id, generating one when absent, and the id.
func EnsureID(d bson.D, gen func() any) (bson.D, any) {
	if v, ok := Get(d, "_id"); ok {
		return d, v
	}
	id := gen()
	out := make(bson.D, 0, len(d)+1)
	out = append(out, bson.E{Key: "_id", Value: id})
	return append(out, d...), id
}

// AsFloat converts any numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Add sums two numbers the way $inc does: int32 stays int32 until it
// overflows, integers widen to int64, anything with a double is a double.
func Add(a, b any) (any, error) {
	if ClassOf(a) != ClassNumber || ClassOf(b) != ClassNumber {
		return nil, fmt.Errorf("cannot apply $inc to a value of type %s", ClassOf(a))
	}
	_, af := a.(float64)
	_, bf := b.(float64)
	if af || bf {
		x, _ := AsFloat(a)
		y, _ := AsFloat(b)
		return x + y, nil
	}
	x := toInt64(a)
	y := toInt64(b)
	s := x + y
	if (y > 0 && s < x) || (y < 0 && s > x) {
		return nil, fmt.Errorf("integer overflow applying $inc")
	}
	_, a32 := a.(int32)
	_, b32 := b.(int32)
	if a32 && b32 && s >= math.MinInt32 && s <= math.MaxInt32 {
		return int32(s), nil
	}
	return s, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
