//nolint:errcheck
package psql

import (
	"bytes"
	"strconv"

	"github.com/dosco/docbridge/core/internal/dialect"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
)

// Stmt is a rendered statement with its positional arguments.
type Stmt struct {
	SQL  string
	Args []any
}

type compilerContext struct {
	w      *bytes.Buffer
	args   []any
	nalias int
	*Compiler
}

type Config struct {
	DBType string
}

type Compiler struct {
	dialect dialect.Dialect
}

func NewCompiler(conf Config) *Compiler {
	var d dialect.Dialect
	switch conf.DBType {
	case "sqlite":
		d = &dialect.SQLiteDialect{}
	default:
		d = &dialect.PostgresDialect{}
	}
	return &Compiler{dialect: d}
}

func (co *Compiler) GetDialect() dialect.Dialect {
	return co.dialect
}

func (co *Compiler) newContext() *compilerContext {
	return &compilerContext{w: &bytes.Buffer{}, Compiler: co}
}

func (c *compilerContext) stmt() Stmt {
	return Stmt{SQL: c.w.String(), Args: c.args}
}

// Query is everything a row-returning statement needs. Table must be an
// already validated storage name.
type Query struct {
	Table string
	Where *qcode.Exp
	Hints qcode.Hints
	Sort  []qcode.OrderBy
	Skip  int64
	Limit int64
}

// Select returns the data column of every matching row in sort order,
// falling back to insertion order.
func (co *Compiler) Select(q Query) (Stmt, error) {
	c := co.newContext()
	c.w.WriteString(`SELECT `)
	c.w.WriteString(c.dialect.DocColumn())
	if err := c.renderFrom(q); err != nil {
		return Stmt{}, err
	}
	return c.stmt(), nil
}

// SelectForUpdate returns id and data of the target rows, locking them
// where the backend supports row locks.
func (co *Compiler) SelectForUpdate(q Query) (Stmt, error) {
	c := co.newContext()
	c.w.WriteString(`SELECT `)
	c.w.WriteString(dialect.ColID)
	c.w.WriteString(`, `)
	c.w.WriteString(c.dialect.DocColumn())
	if err := c.renderFrom(q); err != nil {
		return Stmt{}, err
	}
	c.w.WriteString(c.dialect.LockClause())
	return c.stmt(), nil
}

// Count counts matching rows. Skip and limit apply to the rows counted.
func (co *Compiler) Count(q Query) (Stmt, error) {
	c := co.newContext()
	if q.Skip == 0 && q.Limit == 0 {
		c.w.WriteString(`SELECT COUNT(*) FROM `)
		c.quoted(q.Table)
		if err := c.renderWhere(q.Where, q.Hints); err != nil {
			return Stmt{}, err
		}
		return c.stmt(), nil
	}

	c.w.WriteString(`SELECT COUNT(*) FROM (SELECT 1`)
	if err := c.renderFrom(Query{
		Table: q.Table, Where: q.Where, Hints: q.Hints, Skip: q.Skip, Limit: q.Limit,
	}); err != nil {
		return Stmt{}, err
	}
	c.w.WriteString(`) AS counted`)
	return c.stmt(), nil
}

// renderFrom writes FROM, WHERE, ORDER BY and paging for q.
func (c *compilerContext) renderFrom(q Query) error {
	c.w.WriteString(` FROM `)
	c.quoted(q.Table)

	if err := c.renderWhere(q.Where, q.Hints); err != nil {
		return err
	}
	c.renderOrderBy(q.Sort)
	c.dialect.RenderLimit(c, q.Limit, q.Skip)
	return nil
}

func (c *compilerContext) renderWhere(ex *qcode.Exp, hints qcode.Hints) error {
	if ex == nil || ex.Op == qcode.OpNop {
		return nil
	}
	c.w.WriteString(` WHERE `)
	return c.renderExp(ex, hints)
}

func (c *compilerContext) renderOrderBy(sort []qcode.OrderBy) {
	c.w.WriteString(` ORDER BY `)
	for _, ob := range sort {
		c.dialect.RenderSortKey(c, ob.Path, ob.Desc)
		c.w.WriteString(`, `)
	}
	c.w.WriteString(dialect.ColSeq)
	c.w.WriteString(` ASC`)
}

// Insert writes one document row.
func (co *Compiler) Insert(table, id string, data []byte) Stmt {
	c := co.newContext()
	c.w.WriteString(`INSERT INTO `)
	c.quoted(table)
	c.w.WriteString(` (`)
	c.w.WriteString(dialect.ColID)
	c.w.WriteString(`, `)
	c.w.WriteString(c.dialect.DocColumn())
	c.w.WriteString(`) VALUES (`)
	c.w.WriteString(c.AddParam(id))
	c.w.WriteString(`, `)
	c.dialect.RenderJSONParam(c, data)
	c.w.WriteString(`)`)
	return c.stmt()
}

// UpdateData replaces the stored document of the row keyed by id.
func (co *Compiler) UpdateData(table, id string, data []byte) Stmt {
	c := co.newContext()
	c.w.WriteString(`UPDATE `)
	c.quoted(table)
	c.w.WriteString(` SET `)
	c.w.WriteString(c.dialect.DocColumn())
	c.w.WriteString(` = `)
	c.dialect.RenderJSONParam(c, data)
	c.w.WriteString(` WHERE `)
	c.w.WriteString(dialect.ColID)
	c.w.WriteString(` = `)
	c.w.WriteString(c.AddParam(id))
	return c.stmt()
}

// Delete removes matching rows. With one set only the first row in
// insertion order goes.
func (co *Compiler) Delete(table string, where *qcode.Exp, hints qcode.Hints, one bool) (Stmt, error) {
	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.quoted(table)

	if !one {
		if err := c.renderWhere(where, hints); err != nil {
			return Stmt{}, err
		}
		return c.stmt(), nil
	}

	c.w.WriteString(` WHERE `)
	c.w.WriteString(dialect.ColSeq)
	c.w.WriteString(` IN (SELECT `)
	c.w.WriteString(dialect.ColSeq)
	if err := c.renderFrom(Query{Table: table, Where: where, Hints: hints, Limit: 1}); err != nil {
		return Stmt{}, err
	}
	c.w.WriteString(`)`)
	return c.stmt(), nil
}

// DeleteByID removes the row keyed by id.
func (co *Compiler) DeleteByID(table, id string) Stmt {
	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.quoted(table)
	c.w.WriteString(` WHERE `)
	c.w.WriteString(dialect.ColID)
	c.w.WriteString(` = `)
	c.w.WriteString(c.AddParam(id))
	return c.stmt()
}

// Group renders a grouped count and sums. The result columns are the group
// key (unless the key is constant), the row count and one column per path
// sum. Groups come back in order of their first row. A constant key yields
// one row whose count may be zero.
func (co *Compiler) Group(table string, where *qcode.Exp, hints qcode.Hints, g *qcode.Group) (Stmt, error) {
	c := co.newContext()
	c.w.WriteString(`SELECT `)

	keyed := g.IDPath != nil
	if keyed {
		c.dialect.RenderGroupKey(c, g.IDPath)
		c.w.WriteString(`, `)
	}
	c.w.WriteString(`COUNT(*)`)
	for _, s := range g.Sums {
		if s.Path == nil {
			continue
		}
		c.w.WriteString(`, `)
		c.dialect.RenderSum(c, s.Path)
	}

	c.w.WriteString(` FROM `)
	c.quoted(table)
	if err := c.renderWhere(where, hints); err != nil {
		return Stmt{}, err
	}

	if keyed {
		c.w.WriteString(` GROUP BY 1 ORDER BY MIN(`)
		c.w.WriteString(dialect.ColSeq)
		c.w.WriteString(`)`)
	}
	return c.stmt(), nil
}

func (c *compilerContext) alias() string {
	c.nalias++
	return "e" + strconv.Itoa(c.nalias)
}

func (c *compilerContext) quoted(identifier string) {
	c.w.WriteString(ident.Quote(identifier))
}

func (c *compilerContext) WriteString(s string) (int, error) {
	return c.w.WriteString(s)
}

func (c *compilerContext) AddParam(v any) string {
	c.args = append(c.args, v)
	return c.dialect.BindVar(len(c.args))
}
