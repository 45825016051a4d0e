// Package dialect holds the SQL fragments that differ between the relational
// backends. Every fragment takes already validated path segments; values are
// always added through Context.AddParam.
package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Column names of every collection table.
const (
	ColSeq  = "seq"
	ColID   = "id"
	ColData = "data"

	// ColRaw holds the document text as written where ColData is a
	// binary JSON type that does not keep key order.
	ColRaw = "raw"
)

// Catalog tables.
const (
	CollectionsTable = "_docbridge_collections"
	IndexesTable     = "_docbridge_indexes"
)

type Context interface {
	WriteString(s string) (int, error)
	AddParam(v any) string
}

// Source is the JSON value a leaf predicate tests: either a path inside the
// data column or the current element of an array expansion.
type Source struct {
	Path  []string
	Alias string
}

// Elem reports whether the source is an array element alias.
func (s Source) Elem() bool {
	return s.Alias != ""
}

// Dup describes a unique constraint violation reported by the backend.
type Dup struct {
	Constraint string
}

type Dialect interface {
	Name() string
	BindVar(i int) string

	// Predicates
	RenderEquals(ctx Context, src Source, val any) error
	RenderIsNull(ctx Context, src Source)
	RenderExists(ctx Context, path []string)
	RenderCompare(ctx Context, src Source, op string, val any) error
	RenderTypedCompare(ctx Context, path []string, t qcode.FieldType, op string, val any) error
	RenderRegex(ctx Context, src Source, re *qcode.Regex)
	RenderElemsOpen(ctx Context, path []string, alias string)
	RenderTextSearch(ctx Context, fields [][]string, terms []string)

	// Ordering and grouping
	RenderSortKey(ctx Context, path []string, desc bool)
	RenderLimit(ctx Context, limit, skip int64)
	RenderJSONParam(ctx Context, b []byte)

	// DocColumn is the column documents are written to and read from.
	DocColumn() string
	RenderGroupKey(ctx Context, path []string)
	RenderSum(ctx Context, path []string)
	LockClause() string

	// DDL
	Bootstrap() []string
	CreateTable(table string) string
	// CreateIndex returns the DDL for def, none when the backend keeps no
	// physical index. rangeStorage names the typed companion that a unique
	// typed index needs.
	CreateIndex(table, storage, rangeStorage string, def *qcode.IndexDef) []string

	// Errors
	IsDuplicateKey(err error) (Dup, bool)
	IsRetryable(err error) bool
}

// Ops maps range operators to SQL comparison operators.
var Ops = map[qcode.ExpOp]string{
	qcode.OpGreaterThan:     ">",
	qcode.OpGreaterOrEquals: ">=",
	qcode.OpLesserThan:      "<",
	qcode.OpLesserOrEquals:  "<=",
}

// dateParam formats a date value the way Extended JSON stores it.
func dateParam(v any) (string, error) {
	dt, ok := v.(bson.DateTime)
	if !ok {
		return "", fmt.Errorf("expected a date, got %s", doc.ClassOf(v))
	}
	return dt.Time().UTC().Format(time.RFC3339Nano), nil
}

func dateMillisParam(v any) (int64, error) {
	dt, ok := v.(bson.DateTime)
	if !ok {
		return 0, fmt.Errorf("expected a date, got %s", doc.ClassOf(v))
	}
	return int64(dt), nil
}

func oidParam(v any) string {
	oid := v.(bson.ObjectID)
	return oid.Hex()
}

func numberParam(v any) (any, error) {
	switch n := v.(type) {
	case int32:
		return int64(n), nil
	case int64, float64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return nil, fmt.Errorf("expected a number, got %s", doc.ClassOf(v))
}

// sortRank mirrors the cross-type sort order of the native backend.
const (
	rankNull   = "1"
	rankNumber = "2"
	rankString = "3"
	rankObject = "4"
	rankArray  = "5"
	rankOID    = "7"
	rankBool   = "8"
	rankDate   = "9"
)

func dir(desc bool) string {
	if desc {
		return " DESC"
	}
	return " ASC"
}

func writeAll(ctx Context, parts ...string) {
	for _, p := range parts {
		ctx.WriteString(p)
	}
}

func joinSep(n int, sep string, fn func(i int) string) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i != 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(fn(i))
	}
	return sb.String()
}

// indexDDL renders one CREATE INDEX over the keys of def, each key rendered
// by expr. sparse renders the existence test of key i.
func indexDDL(table, storage string, unique bool, def *qcode.IndexDef,
	expr func(qcode.IndexKey) string, sparse func(int) string,
) string {
	var sb strings.Builder

	sb.WriteString("CREATE ")
	if unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX IF NOT EXISTS ")
	sb.WriteString(ident.Quote(storage))
	sb.WriteString(" ON ")
	sb.WriteString(ident.Quote(table))
	sb.WriteString(" (")

	for i, k := range def.Keys {
		if i != 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(expr(k))
		if k.Dir < 0 {
			sb.WriteString(" DESC")
		}
	}
	sb.WriteString(")")

	if def.Sparse {
		sb.WriteString(" WHERE ")
		sb.WriteString(joinSep(len(def.Keys), " OR ", sparse))
	}
	return sb.String()
}
