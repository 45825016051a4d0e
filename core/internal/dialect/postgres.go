package dialect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresDialect struct{}

func (d *PostgresDialect) Name() string {
	return "postgres"
}

func (d *PostgresDialect) BindVar(i int) string {
	return "$" + strconv.Itoa(i)
}

// pgPath renders a text[] literal for the #> and #>> operators.
func pgPath(path []string) string {
	return "'{" + strings.Join(path, ",") + "}'"
}

func pgCol(path []string) string {
	return "(" + ColData + " #> " + pgPath(path) + ")"
}

func pgSrc(src Source) string {
	if src.Elem() {
		return src.Alias + ".v"
	}
	return pgCol(src.Path)
}

func pgText(v string) string {
	return v + " #>> '{}'"
}

func pgNumber(v string) string {
	return "(CASE WHEN jsonb_typeof(" + v + ") = 'number' THEN (" + v + ")::numeric END)"
}

func pgDate(v string) string {
	return "docbridge_date(" + v + ")"
}

func (d *PostgresDialect) RenderEquals(ctx Context, src Source, val any) error {
	b, err := doc.ValueJSON(val)
	if err != nil {
		return err
	}
	writeAll(ctx, "(", pgSrc(src), " = ", ctx.AddParam(string(b)), "::jsonb)")
	return nil
}

func (d *PostgresDialect) RenderIsNull(ctx Context, src Source) {
	s := pgSrc(src)
	if src.Elem() {
		writeAll(ctx, "(jsonb_typeof(", s, ") = 'null')")
		return
	}
	writeAll(ctx, "(", s, " IS NULL OR jsonb_typeof(", s, ") = 'null')")
}

func (d *PostgresDialect) RenderExists(ctx Context, path []string) {
	writeAll(ctx, "(", pgCol(path), " IS NOT NULL)")
}

func (d *PostgresDialect) RenderCompare(ctx Context, src Source, op string, val any) error {
	s := pgSrc(src)

	switch doc.ClassOf(val) {
	case doc.ClassNumber:
		n, err := numberParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", pgNumber(s), " ", op, " ", ctx.AddParam(n), "::numeric)")

	case doc.ClassString:
		writeAll(ctx, "((CASE WHEN jsonb_typeof(", s, ") = 'string' THEN ", pgText(s),
			` END) COLLATE "C" `, op, " ", ctx.AddParam(val), ")")

	case doc.ClassBool:
		writeAll(ctx, "((CASE WHEN jsonb_typeof(", s, ") = 'boolean' THEN (", s, ")::boolean END) ",
			op, " ", ctx.AddParam(val), "::boolean)")

	case doc.ClassDate:
		p, err := dateParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", pgDate(s), " ", op, " ", ctx.AddParam(p), "::timestamptz)")

	case doc.ClassOID:
		writeAll(ctx, "((", s, ` ->> '$oid') COLLATE "C" `, op, " ", ctx.AddParam(oidParam(val)), ")")

	default:
		return fmt.Errorf("cannot compare a value of type %s", doc.ClassOf(val))
	}
	return nil
}

// pgTyped is the expression a typed index is built on. Queries against a
// typed path use exactly this expression.
func pgTyped(path []string, t qcode.FieldType) string {
	if t == qcode.TypeDate {
		return pgDate(pgCol(path))
	}
	return pgNumber(pgCol(path))
}

func (d *PostgresDialect) RenderTypedCompare(ctx Context, path []string, t qcode.FieldType, op string, val any) error {
	switch t {
	case qcode.TypeNumber:
		n, err := numberParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", pgTyped(path, t), " ", op, " ", ctx.AddParam(n), "::numeric)")
	case qcode.TypeDate:
		p, err := dateParam(val)
		if err != nil {
			return err
		}
		writeAll(ctx, "(", pgTyped(path, t), " ", op, " ", ctx.AddParam(p), "::timestamptz)")
	default:
		return fmt.Errorf("untyped path")
	}
	return nil
}

// pgRegex prefixes the pattern with ARE embedded options. Without m or s the
// native semantics are "partial newline-sensitive" (p); m alone is n, s alone
// is the ARE default s, both together are w.
func pgRegex(re *qcode.Regex) string {
	var opts string
	switch m, s := re.HasOption('m'), re.HasOption('s'); {
	case m && s:
		opts = "w"
	case m:
		opts = "n"
	case s:
		opts = "s"
	default:
		opts = "p"
	}
	if re.HasOption('i') {
		opts = "i" + opts
	}
	return "(?" + opts + ")" + re.Pattern
}

func (d *PostgresDialect) RenderRegex(ctx Context, src Source, re *qcode.Regex) {
	s := pgSrc(src)
	writeAll(ctx, "((CASE WHEN jsonb_typeof(", s, ") = 'string' THEN ", pgText(s), " END) ~ ",
		ctx.AddParam(pgRegex(re)), ")")
}

func (d *PostgresDialect) RenderElemsOpen(ctx Context, path []string, alias string) {
	c := pgCol(path)
	writeAll(ctx, "EXISTS (SELECT 1 FROM jsonb_array_elements(CASE WHEN jsonb_typeof(", c,
		") = 'array' THEN ", c, " ELSE '[]'::jsonb END) AS ", alias, "(v) WHERE ")
}

func pgTextDoc(fields [][]string) string {
	return joinSep(len(fields), " || ' ' || ", func(i int) string {
		return "coalesce(" + ColData + " #>> " + pgPath(fields[i]) + ", '')"
	})
}

func (d *PostgresDialect) RenderTextSearch(ctx Context, fields [][]string, terms []string) {
	writeAll(ctx, "(to_tsvector('simple', ", pgTextDoc(fields), ") @@ to_tsquery('simple', ",
		ctx.AddParam(strings.Join(terms, " | ")), "))")
}

func (d *PostgresDialect) RenderSortKey(ctx Context, path []string, desc bool) {
	c := pgCol(path)
	dr := dir(desc)
	writeAll(ctx,
		"(CASE jsonb_typeof(", c, ")",
		" WHEN 'null' THEN ", rankNull,
		" WHEN 'number' THEN ", rankNumber,
		" WHEN 'string' THEN ", rankString,
		" WHEN 'array' THEN ", rankArray,
		" WHEN 'boolean' THEN ", rankBool,
		" WHEN 'object' THEN (CASE WHEN (", c, " -> '$date') IS NOT NULL THEN ", rankDate,
		" WHEN (", c, " -> '$oid') IS NOT NULL THEN ", rankOID,
		" ELSE ", rankObject, " END)",
		" ELSE ", rankNull, " END)", dr, ", ",
		pgNumber(c), dr, ", ",
		"(CASE WHEN jsonb_typeof(", c, ") = 'string' THEN ", pgText(c), ` END) COLLATE "C"`, dr, ", ",
		pgDate(c), dr, ", ",
		c, dr)
}

func (d *PostgresDialect) RenderLimit(ctx Context, limit, skip int64) {
	if limit > 0 {
		writeAll(ctx, " LIMIT ", ctx.AddParam(limit))
	}
	if skip > 0 {
		writeAll(ctx, " OFFSET ", ctx.AddParam(skip))
	}
}

func (d *PostgresDialect) RenderJSONParam(ctx Context, b []byte) {
	ctx.WriteString(ctx.AddParam(string(b)))
}

func (d *PostgresDialect) DocColumn() string {
	return ColRaw
}

func (d *PostgresDialect) RenderGroupKey(ctx Context, path []string) {
	writeAll(ctx, "COALESCE(", pgCol(path), ", 'null'::jsonb)::text")
}

func (d *PostgresDialect) RenderSum(ctx Context, path []string) {
	writeAll(ctx, "SUM(", pgNumber(pgCol(path)), ")::text")
}

func (d *PostgresDialect) LockClause() string {
	return " FOR UPDATE"
}

func (d *PostgresDialect) Bootstrap() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + CollectionsTable + ` (
			db text NOT NULL,
			name text NOT NULL,
			table_name text NOT NULL UNIQUE,
			PRIMARY KEY (db, name))`,

		`CREATE TABLE IF NOT EXISTS ` + IndexesTable + ` (
			table_name text NOT NULL,
			name text NOT NULL,
			storage_name text NOT NULL,
			spec text NOT NULL,
			PRIMARY KEY (table_name, name))`,

		`CREATE OR REPLACE FUNCTION docbridge_date(v jsonb) RETURNS timestamptz
			LANGUAGE sql IMMUTABLE PARALLEL SAFE AS $$
			SELECT CASE
				WHEN jsonb_typeof(v -> '$date') = 'string'
					THEN (v ->> '$date')::timestamptz
				WHEN jsonb_typeof(v -> '$date' -> '$numberLong') = 'string'
					THEN to_timestamp(((v -> '$date' ->> '$numberLong')::numeric) / 1000)
			END
		$$`,
	}
}

func (d *PostgresDialect) CreateTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + ident.Quote(table) + ` (
		` + ColSeq + ` bigserial PRIMARY KEY,
		` + ColID + ` text NOT NULL UNIQUE,
		` + ColRaw + ` text NOT NULL,
		` + ColData + ` jsonb GENERATED ALWAYS AS (` + ColRaw + `::jsonb) STORED)`
}

func (d *PostgresDialect) CreateIndex(table, storage, rangeStorage string, def *qcode.IndexDef) []string {
	if def.IsText() {
		fields := make([][]string, len(def.Keys))
		for i, k := range def.Keys {
			fields[i] = k.Path
		}
		return []string{"CREATE INDEX IF NOT EXISTS " + ident.Quote(storage) +
			" ON " + ident.Quote(table) +
			" USING GIN (to_tsvector('simple', " + pgTextDoc(fields) + "))"}
	}

	typed := func(k qcode.IndexKey) string { return "(" + pgTyped(k.Path, def.Type) + ")" }
	plain := func(k qcode.IndexKey) string { return pgCol(k.Path) }
	key := func(k qcode.IndexKey) string { return "(COALESCE(" + pgCol(k.Path) + ", 'null'::jsonb))" }
	sparse := func(i int) string { return pgCol(def.Keys[i].Path) + " IS NOT NULL" }

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

func (d *PostgresDialect) IsDuplicateKey(err error) (Dup, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Dup{Constraint: pgErr.ConstraintName}, true
	}
	return Dup{}, false
}

func (d *PostgresDialect) IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
