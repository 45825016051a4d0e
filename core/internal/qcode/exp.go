// Package qcode compiles MongoDB-shaped filters, update documents, index
// specs and aggregation pipelines into an intermediate form that the SQL
// renderer in psql and the in-memory evaluator both consume.
package qcode

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type ExpOp int8

const (
	OpNop ExpOp = iota
	OpFalse
	OpAnd
	OpOr
	OpNot
	OpEquals
	OpGreaterThan
	OpGreaterOrEquals
	OpLesserThan
	OpLesserOrEquals
	OpIn
	OpAll
	OpExists
	OpRegex
	OpTextSearch
)

var opNames = map[ExpOp]string{
	OpNop:             "nop",
	OpFalse:           "false",
	OpAnd:             "$and",
	OpOr:              "$or",
	OpNot:             "$not",
	OpEquals:          "$eq",
	OpGreaterThan:     "$gt",
	OpGreaterOrEquals: "$gte",
	OpLesserThan:      "$lt",
	OpLesserOrEquals:  "$lte",
	OpIn:              "$in",
	OpAll:             "$all",
	OpExists:          "$exists",
	OpRegex:           "$regex",
	OpTextSearch:      "$text",
}

func (op ExpOp) String() string {
	return opNames[op]
}

// FieldType is the declared storage type of a path that has a typed index.
type FieldType int8

const (
	TypeNone FieldType = iota
	TypeNumber
	TypeDate
)

func (t FieldType) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeDate:
		return "date"
	}
	return ""
}

// ParseFieldType maps an index option onto a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "", "default":
		return TypeNone, nil
	case "number":
		return TypeNumber, nil
	case "date":
		return TypeDate, nil
	}
	return TypeNone, fmt.Errorf("unknown index type %q", s)
}

// Hints carry per-collection index knowledge into the filter compiler.
type Hints struct {
	Types      map[string]FieldType
	TextFields [][]string
}

// Regex is a validated pattern with MongoDB option letters.
type Regex struct {
	Pattern string
	Options string
	re      *regexp.Regexp
}

// HasOption reports whether option letter c was given.
func (r *Regex) HasOption(c byte) bool {
	return strings.IndexByte(r.Options, c) != -1
}

// GoPattern returns the pattern with the inline flags RE2 understands.
func (r *Regex) GoPattern() string {
	var f []byte
	for _, c := range []byte("ims") {
		if r.HasOption(c) {
			f = append(f, c)
		}
	}
	if len(f) == 0 {
		return r.Pattern
	}
	return "(?" + string(f) + ")" + r.Pattern
}

// MatchString runs the compiled Go regexp.
func (r *Regex) MatchString(s string) bool {
	return r.re.MatchString(s)
}

type Exp struct {
	Op       ExpOp
	Field    string
	Path     []string
	Val      any
	Vals     []any
	Regex    *Regex
	Typed    FieldType
	Children []*Exp
}

// IsID reports whether the expression targets the top-level _id.
func (ex *Exp) IsID() bool {
	return len(ex.Path) == 1 && ex.Path[0] == "_id"
}

func newExpOp(op ExpOp) *Exp {
	return &Exp{Op: op}
}

// FilterError is a filter compilation failure. It never reaches a backend.
type FilterError struct {
	Field  string
	Op     string
	Reason string
}

func (e *FilterError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid filter")
	if e.Field != "" {
		fmt.Fprintf(&sb, ": field %q", e.Field)
	}
	if e.Op != "" {
		fmt.Fprintf(&sb, ": operator %q", e.Op)
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	return sb.String()
}

type filterCompiler struct {
	hints Hints

	// anyText accepts $text without a known text index
	anyText bool
}

// CompileFilter turns a normalized filter document into an Exp tree. An empty
// filter compiles to OpNop, which renders as TRUE.
func CompileFilter(filter bson.D, hints Hints) (*Exp, error) {
	fc := &filterCompiler{hints: hints}
	return fc.compileDoc(filter, true)
}

// ValidateFilter checks operators, identifiers and operand shapes without
// collection metadata. $text is accepted without a known text index.
func ValidateFilter(filter bson.D) error {
	fc := &filterCompiler{anyText: true}
	_, err := fc.compileDoc(filter, true)
	return err
}

func (fc *filterCompiler) compileDoc(filter bson.D, top bool) (*Exp, error) {
	var exps []*Exp

	for _, e := range filter {
		var ex *Exp
		var err error

		if strings.HasPrefix(e.Key, "$") {
			ex, err = fc.compileLogical(e.Key, e.Value, top)
		} else {
			ex, err = fc.compileField(e.Key, e.Value)
		}
		if err != nil {
			return nil, err
		}
		exps = append(exps, ex)
	}
	return andOf(exps), nil
}

func andOf(exps []*Exp) *Exp {
	switch len(exps) {
	case 0:
		return newExpOp(OpNop)
	case 1:
		return exps[0]
	}
	ex := newExpOp(OpAnd)
	ex.Children = exps
	return ex
}

func (fc *filterCompiler) compileLogical(op string, val any, top bool) (*Exp, error) {
	switch op {
	case "$and", "$or", "$nor":
		arr, ok := doc.AsArray(val)
		if !ok || len(arr) == 0 {
			return nil, &FilterError{Op: op, Reason: "expects a non-empty array"}
		}
		var children []*Exp
		for _, item := range arr {
			d, ok := doc.AsDoc(item)
			if !ok {
				return nil, &FilterError{Op: op, Reason: "array elements must be documents"}
			}
			ex, err := fc.compileDoc(d, false)
			if err != nil {
				return nil, err
			}
			children = append(children, ex)
		}
		if op == "$and" {
			return andOf(children), nil
		}
		ex := newExpOp(OpOr)
		ex.Children = children
		if op == "$nor" {
			return notOf(ex), nil
		}
		return ex, nil

	case "$not":
		d, ok := doc.AsDoc(val)
		if !ok {
			return nil, &FilterError{Op: op, Reason: "expects a document"}
		}
		ex, err := fc.compileDoc(d, false)
		if err != nil {
			return nil, err
		}
		return notOf(ex), nil

	case "$text":
		if !top {
			return nil, &FilterError{Op: op, Reason: "allowed only at the top level"}
		}
		return fc.compileText(val)
	}
	return nil, &FilterError{Op: op, Reason: "unknown operator"}
}

func notOf(ex *Exp) *Exp {
	n := newExpOp(OpNot)
	n.Children = []*Exp{ex}
	return n
}

func (fc *filterCompiler) compileText(val any) (*Exp, error) {
	d, ok := doc.AsDoc(val)
	if !ok {
		return nil, &FilterError{Op: "$text", Reason: "expects a document"}
	}
	var search string
	for _, e := range d {
		switch e.Key {
		case "$search":
			s, ok := e.Value.(string)
			if !ok {
				return nil, &FilterError{Op: "$text", Reason: "$search must be a string"}
			}
			search = s
		case "$language", "$caseSensitive", "$diacriticSensitive":
		default:
			return nil, &FilterError{Op: "$text", Reason: fmt.Sprintf("unknown option %q", e.Key)}
		}
	}
	if len(fc.hints.TextFields) == 0 && !fc.anyText {
		return nil, &FilterError{Op: "$text", Reason: "text index required"}
	}
	terms := TextTerms(search)
	if len(terms) == 0 {
		return newExpOp(OpFalse), nil
	}
	ex := newExpOp(OpTextSearch)
	ex.Vals = make([]any, len(terms))
	for i := range terms {
		ex.Vals[i] = terms[i]
	}
	return ex, nil
}

// TextTerms splits a $search string into lower-cased words made of letters
// and digits. Quoting and negation are not supported; terms are OR-ed.
func TextTerms(s string) []string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
	})
	seen := make(map[string]struct{}, len(f))
	var out []string
	for _, w := range f {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// TextPattern builds the word-matching regexp used where no full-text engine
// is available.
func TextPattern(terms []string) string {
	q := make([]string, len(terms))
	for i, t := range terms {
		q[i] = regexp.QuoteMeta(t)
	}
	return `(?i)\b(?:` + strings.Join(q, "|") + `)\b`
}

func (fc *filterCompiler) compileField(field string, val any) (*Exp, error) {
	path, err := ident.SplitPath(field)
	if err != nil {
		return nil, err
	}

	if d, ok := doc.AsDoc(val); ok && isOperatorDoc(d) {
		return fc.compileOps(field, path, d)
	}
	if re, ok := val.(bson.Regex); ok {
		return fc.newRegex(field, path, re.Pattern, re.Options)
	}
	return fc.newLeaf(OpEquals, field, path, val), nil
}

func isOperatorDoc(d bson.D) bool {
	return len(d) != 0 && strings.HasPrefix(d[0].Key, "$")
}

func (fc *filterCompiler) newLeaf(op ExpOp, field string, path []string, val any) *Exp {
	ex := newExpOp(op)
	ex.Field = field
	ex.Path = path
	ex.Val = val
	ex.Typed = fc.hints.Types[field]
	return ex
}

func (fc *filterCompiler) compileOps(field string, path []string, ops bson.D) (*Exp, error) {
	var exps []*Exp
	var regex, options any
	hasRegex, hasOptions := false, false

	for _, e := range ops {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, &FilterError{Field: field, Op: e.Key, Reason: "cannot mix operators and fields"}
		}

		switch e.Key {
		case "$eq":
			exps = append(exps, fc.newLeaf(OpEquals, field, path, e.Value))

		case "$ne":
			exps = append(exps, notOf(fc.newLeaf(OpEquals, field, path, e.Value)))

		case "$gt", "$gte", "$lt", "$lte":
			ex, err := fc.compileRange(field, path, e.Key, e.Value)
			if err != nil {
				return nil, err
			}
			exps = append(exps, ex)

		case "$in", "$nin":
			ex, err := fc.compileIn(field, path, e.Key, e.Value)
			if err != nil {
				return nil, err
			}
			if e.Key == "$nin" {
				ex = notOf(ex)
			}
			exps = append(exps, ex)

		case "$all":
			arr, ok := doc.AsArray(e.Value)
			if !ok {
				return nil, &FilterError{Field: field, Op: e.Key, Reason: "expects an array"}
			}
			if len(arr) == 0 {
				exps = append(exps, newExpOp(OpFalse))
				continue
			}
			ex := fc.newLeaf(OpAll, field, path, nil)
			ex.Vals = []any(arr)
			exps = append(exps, ex)

		case "$exists":
			ex := fc.newLeaf(OpExists, field, path, truthy(e.Value))
			exps = append(exps, ex)

		case "$regex":
			regex, hasRegex = e.Value, true

		case "$options":
			options, hasOptions = e.Value, true

		case "$not":
			var inner *Exp
			var err error
			if re, ok := e.Value.(bson.Regex); ok {
				inner, err = fc.newRegex(field, path, re.Pattern, re.Options)
			} else if d, ok := doc.AsDoc(e.Value); ok && isOperatorDoc(d) {
				inner, err = fc.compileOps(field, path, d)
			} else {
				err = &FilterError{Field: field, Op: e.Key, Reason: "expects an operator document or regex"}
			}
			if err != nil {
				return nil, err
			}
			exps = append(exps, notOf(inner))

		default:
			return nil, &FilterError{Field: field, Op: e.Key, Reason: "unknown operator"}
		}
	}

	if hasOptions && !hasRegex {
		return nil, &FilterError{Field: field, Op: "$options", Reason: "requires $regex"}
	}
	if hasRegex {
		ex, err := fc.compileRegexOp(field, path, regex, options)
		if err != nil {
			return nil, err
		}
		exps = append(exps, ex)
	}
	return andOf(exps), nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	}
	if f, ok := doc.AsFloat(v); ok {
		return f != 0
	}
	return true
}

var rangeOps = map[string]ExpOp{
	"$gt":  OpGreaterThan,
	"$gte": OpGreaterOrEquals,
	"$lt":  OpLesserThan,
	"$lte": OpLesserOrEquals,
}

func (fc *filterCompiler) compileRange(field string, path []string, op string, val any) (*Exp, error) {
	ex := fc.newLeaf(rangeOps[op], field, path, val)
	switch ex.Typed {
	case TypeNumber:
		if doc.ClassOf(val) != doc.ClassNumber {
			return nil, &FilterError{Field: field, Op: op, Reason: "value must be a number for a number index"}
		}
	case TypeDate:
		if doc.ClassOf(val) != doc.ClassDate {
			return nil, &FilterError{Field: field, Op: op, Reason: "value must be a date for a date index"}
		}
	}
	switch doc.ClassOf(val) {
	case doc.ClassDoc, doc.ClassArray, doc.ClassRegex:
		return nil, &FilterError{Field: field, Op: op, Reason: "value must be a scalar"}
	}
	return ex, nil
}

func (fc *filterCompiler) compileIn(field string, path []string, op string, val any) (*Exp, error) {
	arr, ok := doc.AsArray(val)
	if !ok {
		return nil, &FilterError{Field: field, Op: op, Reason: "expects an array"}
	}
	if len(arr) == 0 {
		return newExpOp(OpFalse), nil
	}

	ex := fc.newLeaf(OpIn, field, path, nil)
	for _, v := range arr {
		if re, ok := v.(bson.Regex); ok {
			r, err := fc.newRegex(field, path, re.Pattern, re.Options)
			if err != nil {
				return nil, err
			}
			ex.Children = append(ex.Children, r)
			continue
		}
		ex.Vals = append(ex.Vals, v)
	}
	return ex, nil
}

func (fc *filterCompiler) compileRegexOp(field string, path []string, regex, options any) (*Exp, error) {
	var pattern, opts string

	switch v := regex.(type) {
	case string:
		pattern = v
	case bson.Regex:
		pattern, opts = v.Pattern, v.Options
	default:
		return nil, &FilterError{Field: field, Op: "$regex", Reason: "pattern must be a string"}
	}
	if options != nil {
		s, ok := options.(string)
		if !ok {
			return nil, &FilterError{Field: field, Op: "$options", Reason: "must be a string"}
		}
		opts = s
	}
	return fc.newRegex(field, path, pattern, opts)
}

func (fc *filterCompiler) newRegex(field string, path []string, pattern, opts string) (*Exp, error) {
	r, err := NewRegex(pattern, opts)
	if err != nil {
		return nil, &FilterError{Field: field, Op: "$regex", Reason: err.Error()}
	}
	ex := fc.newLeaf(OpRegex, field, path, nil)
	ex.Regex = r
	return ex, nil
}

// NewRegex validates options and compiles the pattern with Go's regexp.
// The x option is applied here by removing unescaped whitespace and
// comments, so renderers only ever see i, m and s.
func NewRegex(pattern, opts string) (*Regex, error) {
	var keep []byte
	extended := false
	for i := 0; i < len(opts); i++ {
		switch c := opts[i]; c {
		case 'i', 'm', 's':
			if strings.IndexByte(string(keep), c) == -1 {
				keep = append(keep, c)
			}
		case 'x':
			extended = true
		default:
			return nil, fmt.Errorf("unsupported regex option %q", string(c))
		}
	}
	if extended {
		pattern = stripExtended(pattern)
	}
	r := &Regex{Pattern: pattern, Options: string(keep)}

	re, err := regexp.Compile(r.GoPattern())
	if err != nil {
		return nil, fmt.Errorf("malformed regex: %w", err)
	}
	r.re = re
	return r, nil
}

func stripExtended(p string) string {
	var sb strings.Builder
	inClass := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '\\' && i+1 < len(p):
			sb.WriteByte(c)
			sb.WriteByte(p[i+1])
			i++
			continue
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case !inClass && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			continue
		case !inClass && c == '#':
			for i < len(p) && p[i] != '\n' {
				i++
			}
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// EqualityFields returns the path/value pairs an upsert copies from the
// filter: top-level equalities and equalities inside top-level $and.
func EqualityFields(ex *Exp) []bson.E {
	var out []bson.E
	var walk func(ex *Exp)
	walk = func(ex *Exp) {
		switch ex.Op {
		case OpAnd:
			for _, c := range ex.Children {
				walk(c)
			}
		case OpEquals:
			out = append(out, bson.E{Key: ex.Field, Value: ex.Val})
		}
	}
	if ex != nil {
		walk(ex)
	}
	return out
}
