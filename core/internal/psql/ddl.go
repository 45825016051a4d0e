//nolint:errcheck
package psql

import (
	"github.com/dosco/docbridge/core/internal/dialect"
	"github.com/dosco/docbridge/core/internal/ident"
	"github.com/dosco/docbridge/core/internal/qcode"
)

// Bootstrap returns the catalog DDL. Every statement is idempotent.
func (co *Compiler) Bootstrap() []string {
	return co.dialect.Bootstrap()
}

func (co *Compiler) CreateTable(table string) string {
	return co.dialect.CreateTable(table)
}

func (co *Compiler) DropTable(table string) string {
	c := co.newContext()
	c.w.WriteString(`DROP TABLE IF EXISTS `)
	c.quoted(table)
	return c.w.String()
}

func (co *Compiler) RenameTable(from, to string) string {
	c := co.newContext()
	c.w.WriteString(`ALTER TABLE `)
	c.quoted(from)
	c.w.WriteString(` RENAME TO `)
	c.quoted(to)
	return c.w.String()
}

// CreateIndex returns the DDL for def. It is empty when the backend keeps
// no physical index for def.
func (co *Compiler) CreateIndex(table, storage string, def *qcode.IndexDef) ([]string, error) {
	rs, err := ident.RangeIndexName(storage)
	if err != nil {
		return nil, err
	}
	return co.dialect.CreateIndex(table, storage, rs, def), nil
}

// DropIndex drops the index stored as storage together with its typed
// companion, if any.
func (co *Compiler) DropIndex(storage string) ([]string, error) {
	rs, err := ident.RangeIndexName(storage)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 2)
	for _, n := range []string{storage, rs} {
		c := co.newContext()
		c.w.WriteString(`DROP INDEX IF EXISTS `)
		c.quoted(n)
		out = append(out, c.w.String())
	}
	return out, nil
}

// Catalog statements. Names and specs are always parameters here.

func (co *Compiler) LookupCollection(db, name string) Stmt {
	c := co.newContext()
	c.w.WriteString(`SELECT table_name FROM `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` WHERE db = `)
	c.w.WriteString(c.AddParam(db))
	c.w.WriteString(` AND name = `)
	c.w.WriteString(c.AddParam(name))
	return c.stmt()
}

// TableOwner finds which collection, if any, already maps onto table.
func (co *Compiler) TableOwner(table string) Stmt {
	c := co.newContext()
	c.w.WriteString(`SELECT db, name FROM `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` WHERE table_name = `)
	c.w.WriteString(c.AddParam(table))
	return c.stmt()
}

func (co *Compiler) InsertCollection(db, name, table string) Stmt {
	c := co.newContext()
	c.w.WriteString(`INSERT INTO `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` (db, name, table_name) VALUES (`)
	c.w.WriteString(c.AddParam(db))
	c.w.WriteString(`, `)
	c.w.WriteString(c.AddParam(name))
	c.w.WriteString(`, `)
	c.w.WriteString(c.AddParam(table))
	c.w.WriteString(`)`)
	return c.stmt()
}

func (co *Compiler) RenameCollection(db, from, to, table string) Stmt {
	c := co.newContext()
	c.w.WriteString(`UPDATE `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` SET name = `)
	c.w.WriteString(c.AddParam(to))
	c.w.WriteString(`, table_name = `)
	c.w.WriteString(c.AddParam(table))
	c.w.WriteString(` WHERE db = `)
	c.w.WriteString(c.AddParam(db))
	c.w.WriteString(` AND name = `)
	c.w.WriteString(c.AddParam(from))
	return c.stmt()
}

func (co *Compiler) DeleteCollection(db, name string) Stmt {
	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` WHERE db = `)
	c.w.WriteString(c.AddParam(db))
	c.w.WriteString(` AND name = `)
	c.w.WriteString(c.AddParam(name))
	return c.stmt()
}

func (co *Compiler) ListCollections(db string) Stmt {
	c := co.newContext()
	c.w.WriteString(`SELECT name FROM `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` WHERE db = `)
	c.w.WriteString(c.AddParam(db))
	c.w.WriteString(` ORDER BY name`)
	return c.stmt()
}

func (co *Compiler) ListDatabases() Stmt {
	c := co.newContext()
	c.w.WriteString(`SELECT DISTINCT db FROM `)
	c.w.WriteString(dialect.CollectionsTable)
	c.w.WriteString(` ORDER BY db`)
	return c.stmt()
}

func (co *Compiler) ListIndexes(table string) Stmt {
	c := co.newContext()
	c.w.WriteString(`SELECT name, storage_name, spec FROM `)
	c.w.WriteString(dialect.IndexesTable)
	c.w.WriteString(` WHERE table_name = `)
	c.w.WriteString(c.AddParam(table))
	c.w.WriteString(` ORDER BY name`)
	return c.stmt()
}

func (co *Compiler) InsertIndex(table, name, storage, spec string) Stmt {
	c := co.newContext()
	c.w.WriteString(`INSERT INTO `)
	c.w.WriteString(dialect.IndexesTable)
	c.w.WriteString(` (table_name, name, storage_name, spec) VALUES (`)
	c.w.WriteString(c.AddParam(table))
	c.w.WriteString(`, `)
	c.w.WriteString(c.AddParam(name))
	c.w.WriteString(`, `)
	c.w.WriteString(c.AddParam(storage))
	c.w.WriteString(`, `)
	c.w.WriteString(c.AddParam(spec))
	c.w.WriteString(`)`)
	return c.stmt()
}

func (co *Compiler) MoveIndex(table, name, newTable, newStorage string) Stmt {
	c := co.newContext()
	c.w.WriteString(`UPDATE `)
	c.w.WriteString(dialect.IndexesTable)
	c.w.WriteString(` SET table_name = `)
	c.w.WriteString(c.AddParam(newTable))
	c.w.WriteString(`, storage_name = `)
	c.w.WriteString(c.AddParam(newStorage))
	c.w.WriteString(` WHERE table_name = `)
	c.w.WriteString(c.AddParam(table))
	c.w.WriteString(` AND name = `)
	c.w.WriteString(c.AddParam(name))
	return c.stmt()
}

func (co *Compiler) DeleteIndex(table, name string) Stmt {
	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.w.WriteString(dialect.IndexesTable)
	c.w.WriteString(` WHERE table_name = `)
	c.w.WriteString(c.AddParam(table))
	c.w.WriteString(` AND name = `)
	c.w.WriteString(c.AddParam(name))
	return c.stmt()
}

func (co *Compiler) DeleteIndexes(table string) Stmt {
	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.w.WriteString(dialect.IndexesTable)
	c.w.WriteString(` WHERE table_name = `)
	c.w.WriteString(c.AddParam(table))
	return c.stmt()
}
