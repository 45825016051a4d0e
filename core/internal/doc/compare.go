package doc

import (
	"bytes"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// canonical sort order of value classes across types
var classRank = map[Class]int{
	ClassMissing: 0,
	ClassNull:    1,
	ClassNumber:  2,
	ClassString:  3,
	ClassDoc:     4,
	ClassArray:   5,
	ClassOther:   6,
	ClassOID:     7,
	ClassBool:    8,
	ClassDate:    9,
	ClassRegex:   10,
}

// Equal reports deep equality. Numbers compare by value regardless of their
// width, documents compare field by field in order.
func Equal(a, b any) bool {
	ca, cb := ClassOf(a), ClassOf(b)
	if ca != cb {
		return false
	}
	switch ca {
	case ClassNull:
		return true
	case ClassNumber:
		x, _ := AsFloat(a)
		y, _ := AsFloat(b)
		if x == y {
			return toInt64(a) == toInt64(b) || isFloat(a) || isFloat(b)
		}
		return false
	case ClassDoc:
		da, db := asD(a), asD(b)
		if len(da) != len(db) {
			return false
		}
		for i := range da {
			if da[i].Key != db[i].Key || !Equal(da[i].Value, db[i].Value) {
				return false
			}
		}
		return true
	case ClassArray:
		aa, ab := asA(a), asA(b)
		if len(aa) != len(ab) {
			return false
		}
		for i := range aa {
			if !Equal(aa[i], ab[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isFloat(v any) bool {
	_, ok := v.(float64)
	return ok
}

// Compare orders two values: first by class rank, then by value within the
// class. Arrays and documents compare element-wise.
func Compare(a, b any) int {
	ca, cb := ClassOf(a), ClassOf(b)
	if ca != cb {
		return cmpInt(classRank[ca], classRank[cb])
	}
	switch ca {
	case ClassNumber:
		x, _ := AsFloat(a)
		y, _ := AsFloat(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case ClassString:
		return strings.Compare(a.(string), b.(string))
	case ClassBool:
		x, y := a.(bool), b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case ClassDate:
		return cmpInt64(int64(a.(bson.DateTime)), int64(b.(bson.DateTime)))
	case ClassOID:
		x, y := a.(bson.ObjectID), b.(bson.ObjectID)
		return bytes.Compare(x[:], y[:])
	case ClassDoc:
		da, db := asD(a), asD(b)
		for i := 0; i < len(da) && i < len(db); i++ {
			if c := strings.Compare(da[i].Key, db[i].Key); c != 0 {
				return c
			}
			if c := Compare(da[i].Value, db[i].Value); c != 0 {
				return c
			}
		}
		return cmpInt(len(da), len(db))
	case ClassArray:
		aa, ab := asA(a), asA(b)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := Compare(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(ab))
	}
	return 0
}

// Comparable reports whether a range operator may compare a and b. Ranges
// only match values of the same class.
func Comparable(a, b any) bool {
	ca := ClassOf(a)
	if ca != ClassOf(b) {
		return false
	}
	switch ca {
	case ClassNumber, ClassString, ClassBool, ClassDate, ClassOID:
		return true
	}
	return false
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func asD(v any) bson.D {
	switch val := v.(type) {
	case bson.D:
		return val
	case bson.M:
		d, _ := Normalize(val)
		return d
	case map[string]any:
		d, _ := Normalize(val)
		return d
	}
	return nil
}

func asA(v any) bson.A {
	switch val := v.(type) {
	case bson.A:
		return val
	case []any:
		return bson.A(val)
	}
	return nil
}

// AsDoc returns v as a bson.D when it is a document of any supported shape.
func AsDoc(v any) (bson.D, bool) {
	if ClassOf(v) != ClassDoc {
		return nil, false
	}
	return asD(v), true
}

// AsArray returns v as a bson.A when it is an array.
func AsArray(v any) (bson.A, bool) {
	if ClassOf(v) != ClassArray {
		return nil, false
	}
	return asA(v), true
}
