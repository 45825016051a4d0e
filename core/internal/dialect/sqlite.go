package dialect

import (
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"
)

// SQLiteDriver is the database/sql driver name registered with a REGEXP
// function backed by Go's regexp package.
const SQLiteDriver = "sqlite3_docbridge"

var regexCache, _ = lru.New[string, *regexp.Regexp](512)

func init() {
	sql.Register(SQLiteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", regexpFunc, true)
		},
	})
}

// regexpFunc implements "X REGEXP Y". Non-text values never match.
func regexpFunc(pattern string, v any) (bool, error) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		return false, nil
	}

	re, ok := regexCache.Get(pattern)
	if !ok {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return false, err
		}
		regexCache.Add(pattern, re)
	}
	return re.MatchString(s), nil
}

type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

func (d *SQLiteDialect) BindVar(i int) string {
	return "?"
}

// sqPath renders a JSON path literal. Digit segments address array positions.
func sqPath(path []string, extra ...string) string {
	var sb strings.Builder
	sb.WriteString("'$")
	for _, p := range append(path[:len(path):len(path)], extra...) {
		if ident.IsIndex(p) {
			sb.WriteString("[" + p + "]")
			continue
		}
		sb.WriteString(`."` + p + `"`)
	}
	sb.WriteString("'")
	return sb.String()
}

func sqType(src Source) string {
	if src.Elem() {
		return src.Alias + ".type"
	}
	return "json_type(" + ColData + ", " + sqPath(src.Path) + ")"
}

func sqVal(src Source) string {
	if src.Elem() {
		return src.Alias + ".value"
	}
	return "json_extract(" + ColData + ", " + sqPath(src.Path) + ")"
}

// sqField extracts a member of an object valued source, such as $oid.
func sqField(src Source, key string) string {
	if src.Elem() {
		return "(CASE WHEN " + src.Alias + ".type = 'object' THEN json_extract(" +
			src.Alias + ".value, '$.\"" + key + "\"') END)"
	}
	return "json_extract(" + ColData + ", " + sqPath(src.Path, key) + ")"
}

// sqDate is the epoch milliseconds of a $date value. Dates outside years
// 1970 to 9999 are stored as {"$date": {"$numberLong": "..."}}, which
// julianday cannot read.
func sqDate(src Source) string {
	v, p, pl := ColData, sqPath(src.Path, "$date"), sqPath(src.Path, "$date", "$numberLong")
	if src.Elem() {
		v, p, pl = src.Alias+".value", `'$."$date"'`, `'$."$date"."$numberLong"'`
	}
	e := "(CASE json_type(" + v + ", " + p + ")" +
		" WHEN 'text' THEN CAST(ROUND((julianday(json_extract(" + v + ", " + p + ")) - 2440587.5) * 86400000.0) AS INTEGER)" +
		" WHEN 'object' THEN CAST(json_extract(" + v + ", " + pl + ") AS INTEGER) END)"
	if src.Elem() {
		return "(CASE WHEN " + src.Alias + ".type = 'object' THEN " + e + " END)"
	}
	return e
}

// sqKey is a null-safe, type-preserving key for unique indexes and grouping:
// missing and null both become 'null'.
func sqKey(path []string) string {
	p := sqPath(path)
	return "(CASE json_type(" + ColData + ", " + p + ")" +
		" WHEN 'true' THEN 'true' WHEN 'false' THEN 'false'" +
		" ELSE json_quote(json_extract(" + ColData + ", " + p + ")) END)"
}

func (d *SQLiteDialect) RenderEquals(ctx Context, src Source, val any) error {
	t := sqType(src)

	switch doc.ClassOf(val) {
	case doc.ClassNumber:
		n, err := numberParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", t, " IN ('integer', 'real') AND ", sqVal(src), " = ", ctx.AddParam(n), ")")

	case doc.ClassString:
		writeAll(ctx, "(", t, " = 'text' AND ", sqVal(src), " = ", ctx.AddParam(val), ")")

	case doc.ClassBool:
		s := "false"
		if val.(bool) {
			s = "true"
		}
		writeAll(ctx, "(", t, " = ", ctx.AddParam(s), ")")

	default:
		b, err := doc.ValueJSON(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", t, " IN ('object', 'array') AND ", sqVal(src), " = json(", ctx.AddParam(string(b)), "))")
	}
	return nil
}

func (d *SQLiteDialect) RenderIsNull(ctx Context, src Source) {
	t := sqType(src)
	if src.Elem() {
		writeAll(ctx, "(", t, " = 'null')")
		return
	}
	writeAll(ctx, "(", t, " IS NULL OR ", t, " = 'null')")
}

func (d *SQLiteDialect) RenderExists(ctx Context, path []string) {
	writeAll(ctx, "(", sqType(Source{Path: path}), " IS NOT NULL)")
}

func (d *SQLiteDialect) RenderCompare(ctx Context, src Source, op string, val any) error {
	t := sqType(src)

	switch doc.ClassOf(val) {
	case doc.ClassNumber:
		n, err := numberParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "((CASE WHEN ", t, " IN ('integer', 'real') THEN ", sqVal(src), " END) ",
			op, " ", ctx.AddParam(n), ")")

	case doc.ClassString:
		writeAll(ctx, "((CASE WHEN ", t, " = 'text' THEN ", sqVal(src), " END) ",
			op, " ", ctx.AddParam(val), ")")

	case doc.ClassBool:
		var b int64
		if val.(bool) {
			b = 1
		}
		writeAll(ctx, "((CASE WHEN ", t, " IN ('true', 'false') THEN (", t, " = 'true') END) ",
			op, " ", ctx.AddParam(b), ")")

	case doc.ClassDate:
		ms, err := dateMillisParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", sqDate(src), " ", op, " ", ctx.AddParam(ms), ")")

	case doc.ClassOID:
		writeAll(ctx, "(", sqField(src, "$oid"), " ", op, " ", ctx.AddParam(oidParam(val)), ")")

	default:
		return errors.New("cannot compare a value of type " + doc.ClassOf(val).String())
	}
	return nil
}

func sqTyped(path []string, t qcode.FieldType) string {
	if t == qcode.TypeDate {
		return sqDate(Source{Path: path})
	}
	p := sqPath(path)
	return "(CASE WHEN json_type(" + ColData + ", " + p + ") IN ('integer', 'real') THEN json_extract(" +
		ColData + ", " + p + ") END)"
}

func (d *SQLiteDialect) RenderTypedCompare(ctx Context, path []string, t qcode.FieldType, op string, val any) error {
	switch t {
	case qcode.TypeNumber:
		n, err := numberParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", sqTyped(path, t), " ", op, " ", ctx.AddParam(n), ")")
	case qcode.TypeDate:
		ms, err := dateMillisParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", sqTyped(path, t), " ", op, " ", ctx.AddParam(ms), ")")
	default:
		return errors.New("untyped path")
	}
	return nil
}

func (d *SQLiteDialect) RenderRegex(ctx Context, src Source, re *qcode.Regex) {
	writeAll(ctx, "((CASE WHEN ", sqType(src), " = 'text' THEN ", sqVal(src), " END) REGEXP ",
		ctx.AddParam(re.GoPattern()), ")")
}

func (d *SQLiteDialect) RenderElemsOpen(ctx Context, path []string, alias string) {
	p := sqPath(path)
	writeAll(ctx, "EXISTS (SELECT 1 FROM json_each(", ColData, ", ", p, ") AS ", alias,
		" WHERE json_type(", ColData, ", ", p, ") = 'array' AND ")
}

func (d *SQLiteDialect) RenderTextSearch(ctx Context, fields [][]string, terms []string) {
	text := joinSep(len(fields), " || ' ' || ", func(i int) string {
		return "coalesce(json_extract(" + ColData + ", " + sqPath(fields[i]) + "), '')"
	})
	writeAll(ctx, "((", text, ") REGEXP ", ctx.AddParam(qcode.TextPattern(terms)), ")")
}

func (d *SQLiteDialect) RenderSortKey(ctx Context, path []string, desc bool) {
	p := sqPath(path)
	t := "json_type(" + ColData + ", " + p + ")"
	v := "json_extract(" + ColData + ", " + p + ")"
	dr := dir(desc)

	writeAll(ctx,
		"(CASE ", t,
		" WHEN 'null' THEN ", rankNull,
		" WHEN 'integer' THEN ", rankNumber,
		" WHEN 'real' THEN ", rankNumber,
		" WHEN 'text' THEN ", rankString,
		" WHEN 'array' THEN ", rankArray,
		" WHEN 'true' THEN ", rankBool,
		" WHEN 'false' THEN ", rankBool,
		" WHEN 'object' THEN (CASE WHEN json_type(", ColData, ", ", sqPath(path, "$date"), ") IS NOT NULL THEN ", rankDate,
		" WHEN json_type(", ColData, ", ", sqPath(path, "$oid"), ") IS NOT NULL THEN ", rankOID,
		" ELSE ", rankObject, " END)",
		" ELSE ", rankNull, " END)", dr, ", ",
		"(CASE WHEN ", t, " IN ('integer', 'real', 'text') THEN ", v, " END)", dr, ", ",
		"(CASE WHEN ", t, " IN ('true', 'false') THEN ", t, " END)", dr, ", ",
		sqDate(Source{Path: path}), dr, ", ",
		sqField(Source{Path: path}, "$oid"), dr, ", ",
		v, dr)
}

// RenderLimit always emits LIMIT since sqlite requires it before OFFSET.
func (d *SQLiteDialect) RenderLimit(ctx Context, limit, skip int64) {
	if limit <= 0 && skip <= 0 {
		return
	}
	if limit <= 0 {
		limit = -1
	}
	writeAll(ctx, " LIMIT ", ctx.AddParam(limit))
	if skip > 0 {
		writeAll(ctx, " OFFSET ", ctx.AddParam(skip))
	}
}

func (d *SQLiteDialect) RenderJSONParam(ctx Context, b []byte) {
	ctx.WriteString(ctx.AddParam(string(b)))
}

func (d *SQLiteDialect) DocColumn() string {
	return ColData
}

func (d *SQLiteDialect) RenderGroupKey(ctx Context, path []string) {
	ctx.WriteString(sqKey(path))
}

func (d *SQLiteDialect) RenderSum(ctx Context, path []string) {
	writeAll(ctx, "SUM(", sqTyped(path, qcode.TypeNumber), ")")
}

func (d *SQLiteDialect) LockClause() string {
	return ""
}

func (d *SQLiteDialect) Bootstrap() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + CollectionsTable + ` (
			db TEXT NOT NULL,
			name TEXT NOT NULL,
			table_name TEXT NOT NULL UNIQUE,
			PRIMARY KEY (db, name))`,

		`CREATE TABLE IF NOT EXISTS ` + IndexesTable + ` (
			table_name TEXT NOT NULL,
			name TEXT NOT NULL,
			storage_name TEXT NOT NULL,
			spec TEXT NOT NULL,
			PRIMARY KEY (table_name, name))`,
	}
}

func (d *SQLiteDialect) CreateTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + ident.Quote(table) + ` (
		` + ColSeq + ` INTEGER PRIMARY KEY AUTOINCREMENT,
		` + ColID + ` TEXT NOT NULL UNIQUE,
		` + ColData + ` TEXT NOT NULL)`
}

// CreateIndex returns nothing for text indexes: matching falls back to REGEXP
// over the indexed fields and needs no physical index.
func (d *SQLiteDialect) CreateIndex(table, storage, rangeStorage string, def *qcode.IndexDef) []string {
	if def.IsText() {
		return nil
	}
	typed := func(k qcode.IndexKey) string { return sqTyped(k.Path, def.Type) }
	plain := func(k qcode.IndexKey) string {
		return "json_extract(" + ColData + ", " + sqPath(k.Path) + ")"
	}
	key := func(k qcode.IndexKey) string { return sqKey(k.Path) }
	sparse := func(i int) string {
		return "json_type(" + ColData + ", " + sqPath(def.Keys[i].Path) + ") IS NOT NULL"
	}

	switch {
	case def.Unique && def.Type != qcode.TypeNone:
		return []string{
			indexDDL(table, storage, true, def, key, sparse),
			indexDDL(table, rangeStorage, false, def, typed, sparse),
		}
	case def.Unique:
		return []string{indexDDL(table, storage, true, def, key, sparse)}
	case def.Type != qcode.TypeNone:
		return []string{indexDDL(table, storage, false, def, typed, sparse)}
	}
	return []string{indexDDL(table, storage, false, def, plain, sparse)}
}

func (d *SQLiteDialect) IsDuplicateKey(err error) (Dup, bool) {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return Dup{}, false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return Dup{}, false
	}
	// UNIQUE constraint failed: index 'ix_app__pages__slug_1'
	msg := se.Error()
	if i := strings.Index(msg, "index '"); i != -1 {
		rest := msg[i+len("index '"):]
		if j := strings.IndexByte(rest, '\''); j != -1 {
			return Dup{Constraint: rest[:j]}, true
		}
	}
	return Dup{}, true
}

func (d *SQLiteDialect) IsRetryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
