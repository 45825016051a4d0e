//nolint:errcheck
package psql

import (
	"fmt"

	"github.com/dosco/docbridge/core/internal/dialect"
	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/qcode"
)

// RenderWhere renders a standalone boolean expression.
func (co *Compiler) RenderWhere(ex *qcode.Exp, hints qcode.Hints) (Stmt, error) {
	c := co.newContext()
	if err := c.renderExp(ex, hints); err != nil {
		return Stmt{}, err
	}
	return c.stmt(), nil
}

func (c *compilerContext) renderExp(ex *qcode.Exp, hints qcode.Hints) error {
	switch ex.Op {
	case qcode.OpNop:
		c.w.WriteString(`TRUE`)
		return nil

	case qcode.OpFalse:
		c.w.WriteString(`FALSE`)
		return nil

	case qcode.OpAnd, qcode.OpOr:
		sep := ` AND `
		if ex.Op == qcode.OpOr {
			sep = ` OR `
		}
		c.w.WriteString(`(`)
		for i, child := range ex.Children {
			if i != 0 {
				c.w.WriteString(sep)
			}
			if err := c.renderExp(child, hints); err != nil {
				return err
			}
		}
		c.w.WriteString(`)`)
		return nil

	case qcode.OpNot:
		c.w.WriteString(`(NOT `)
		if err := c.renderExp(ex.Children[0], hints); err != nil {
			return err
		}
		c.w.WriteString(`)`)
		return nil

	case qcode.OpTextSearch:
		terms := make([]string, len(ex.Vals))
		for i, t := range ex.Vals {
			terms[i] = t.(string)
		}
		c.w.WriteString(`COALESCE(`)
		c.dialect.RenderTextSearch(c, hints.TextFields, terms)
		c.w.WriteString(`, FALSE)`)
		return nil
	}

	// Every leaf is two-valued: NOT over it never yields NULL.
	c.w.WriteString(`COALESCE(`)
	if err := c.renderLeaf(ex, hints); err != nil {
		return err
	}
	c.w.WriteString(`, FALSE)`)
	return nil
}

func (c *compilerContext) renderLeaf(ex *qcode.Exp, hints qcode.Hints) error {
	switch ex.Op {
	case qcode.OpExists:
		if !ex.Val.(bool) {
			c.w.WriteString(`NOT `)
		}
		c.dialect.RenderExists(c, ex.Path)
		return nil

	case qcode.OpEquals:
		return c.renderEquals(ex, ex.Val)

	case qcode.OpIn:
		return c.renderIn(ex, hints)

	case qcode.OpAll:
		c.w.WriteString(`(`)
		c.dialect.RenderExists(c, ex.Path)
		for _, v := range ex.Vals {
			c.w.WriteString(` AND `)
			if err := c.renderEquals(ex, v); err != nil {
				return err
			}
		}
		c.w.WriteString(`)`)
		return nil

	case qcode.OpRegex:
		return c.renderAnyValue(ex.Path, func(src dialect.Source) error {
			c.dialect.RenderRegex(c, src, ex.Regex)
			return nil
		})

	case qcode.OpGreaterThan, qcode.OpGreaterOrEquals, qcode.OpLesserThan, qcode.OpLesserOrEquals:
		op := dialect.Ops[ex.Op]
		if ex.Typed != qcode.TypeNone {
			return c.dialect.RenderTypedCompare(c, ex.Path, ex.Typed, op, ex.Val)
		}
		return c.renderAnyValue(ex.Path, func(src dialect.Source) error {
			return c.dialect.RenderCompare(c, src, op, ex.Val)
		})
	}
	return fmt.Errorf("psql: unexpected operator %s", ex.Op)
}

// renderEquals matches the value at the path or any of its array elements.
// A null value also matches a missing path.
func (c *compilerContext) renderEquals(ex *qcode.Exp, val any) error {
	if ex.IsID() && val != nil {
		if key, err := doc.IDKey(val); err == nil {
			c.w.WriteString(`(`)
			c.w.WriteString(dialect.ColID)
			c.w.WriteString(` = `)
			c.w.WriteString(c.AddParam(key))
			c.w.WriteString(`)`)
			return nil
		}
	}

	if val == nil {
		return c.renderAnyValue(ex.Path, func(src dialect.Source) error {
			c.dialect.RenderIsNull(c, src)
			return nil
		})
	}
	return c.renderAnyValue(ex.Path, func(src dialect.Source) error {
		return c.dialect.RenderEquals(c, src, val)
	})
}

func (c *compilerContext) renderIn(ex *qcode.Exp, hints qcode.Hints) error {
	if ex.IsID() && len(ex.Children) == 0 {
		if keys, ok := idKeys(ex.Vals); ok {
			c.w.WriteString(`(`)
			c.w.WriteString(dialect.ColID)
			c.w.WriteString(` IN (`)
			for i, k := range keys {
				if i != 0 {
					c.w.WriteString(`, `)
				}
				c.w.WriteString(c.AddParam(k))
			}
			c.w.WriteString(`))`)
			return nil
		}
	}

	c.w.WriteString(`(`)
	n := 0
	for _, v := range ex.Vals {
		if n != 0 {
			c.w.WriteString(` OR `)
		}
		if err := c.renderEquals(ex, v); err != nil {
			return err
		}
		n++
	}
	for _, child := range ex.Children {
		if n != 0 {
			c.w.WriteString(` OR `)
		}
		if err := c.renderExp(child, hints); err != nil {
			return err
		}
		n++
	}
	c.w.WriteString(`)`)
	return nil
}

func idKeys(vals []any) ([]string, bool) {
	keys := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			return nil, false
		}
		k, err := doc.IDKey(v)
		if err != nil {
			return nil, false
		}
		keys = append(keys, k)
	}
	return keys, true
}

// renderAnyValue renders pred against the path itself OR'ed with an EXISTS
// over the path's array elements.
func (c *compilerContext) renderAnyValue(path []string, pred func(src dialect.Source) error) error {
	c.w.WriteString(`(`)
	if err := pred(dialect.Source{Path: path}); err != nil {
		return err
	}
	c.w.WriteString(` OR `)

	alias := c.alias()
	c.dialect.RenderElemsOpen(c, path, alias)
	if err := pred(dialect.Source{Path: path, Alias: alias}); err != nil {
		return err
	}
	c.w.WriteString(`))`)
	return nil
}
