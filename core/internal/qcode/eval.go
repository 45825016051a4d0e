package qcode

import (
	"regexp"
	"strings"

	"github.com/dosco/docbridge/core/internal/doc"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Match evaluates ex against d with the same semantics the SQL renderer
// produces. It backs $match stages that run after in-memory stages.
func Match(d bson.D, ex *Exp, hints Hints) bool {
	if ex == nil {
		return true
	}
	switch ex.Op {
	case OpNop:
		return true
	case OpFalse:
		return false
	case OpAnd:
		for _, c := range ex.Children {
			if !Match(d, c, hints) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range ex.Children {
			if Match(d, c, hints) {
				return true
			}
		}
		return false
	case OpNot:
		return !Match(d, ex.Children[0], hints)
	case OpTextSearch:
		return matchText(d, ex, hints)
	}

	v, found := doc.Lookup(d, ex.Path)

	switch ex.Op {
	case OpExists:
		return found == ex.Val.(bool)

	case OpEquals:
		return matchEquals(v, found, ex.Val)

	case OpIn:
		for _, want := range ex.Vals {
			if matchEquals(v, found, want) {
				return true
			}
		}
		for _, c := range ex.Children {
			if Match(d, c, hints) {
				return true
			}
		}
		return false

	case OpAll:
		if !found {
			return false
		}
		for _, want := range ex.Vals {
			if !matchEquals(v, true, want) {
				return false
			}
		}
		return true

	case OpRegex:
		return found && anyValue(v, func(x any) bool {
			s, ok := x.(string)
			return ok && ex.Regex.MatchString(s)
		})

	case OpGreaterThan, OpGreaterOrEquals, OpLesserThan, OpLesserOrEquals:
		return found && anyValue(v, func(x any) bool {
			if !doc.Comparable(x, ex.Val) {
				return false
			}
			return rangeHolds(ex.Op, doc.Compare(x, ex.Val))
		})
	}
	return false
}

// anyValue applies fn to v and, when v is an array, to each element.
func anyValue(v any, fn func(any) bool) bool {
	if fn(v) {
		return true
	}
	if arr, ok := doc.AsArray(v); ok {
		for _, x := range arr {
			if fn(x) {
				return true
			}
		}
	}
	return false
}

func matchEquals(v any, found bool, want any) bool {
	if want == nil {
		if !found || v == nil {
			return true
		}
	} else if !found {
		return false
	}
	return anyValue(v, func(x any) bool { return doc.Equal(x, want) })
}

func rangeHolds(op ExpOp, c int) bool {
	switch op {
	case OpGreaterThan:
		return c > 0
	case OpGreaterOrEquals:
		return c >= 0
	case OpLesserThan:
		return c < 0
	case OpLesserOrEquals:
		return c <= 0
	}
	return false
}

func matchText(d bson.D, ex *Exp, hints Hints) bool {
	terms := make([]string, len(ex.Vals))
	for i, t := range ex.Vals {
		terms[i] = t.(string)
	}
	re, err := regexp.Compile(TextPattern(terms))
	if err != nil {
		return false
	}

	var texts []string
	for _, p := range hints.TextFields {
		v, ok := doc.Lookup(d, p)
		if !ok {
			continue
		}
		anyValue(v, func(x any) bool {
			if s, ok := x.(string); ok {
				texts = append(texts, s)
			}
			return false
		})
	}
	return re.MatchString(strings.Join(texts, " "))
}
