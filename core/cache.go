package core

import (
	"github.com/dosco/docbridge/core/internal/qcode"
	lru "github.com/hashicorp/golang-lru/v2"
)

// collMeta is what a relational collection needs before it can build a
// statement: its table and the index definitions that shape compilation.
type collMeta struct {
	table   string
	indexes []indexMeta
	hints   qcode.Hints
}

type indexMeta struct {
	def     *qcode.IndexDef
	storage string
}

func newCollMeta(table string, indexes []indexMeta) *collMeta {
	defs := make([]*qcode.IndexDef, len(indexes))
	for i, ix := range indexes {
		defs[i] = ix.def
	}
	return &collMeta{table: table, indexes: indexes, hints: qcode.HintsFrom(defs)}
}

// indexByStorage resolves a backend constraint name to the index name.
func (m *collMeta) indexByStorage(storage string) (string, bool) {
	for _, ix := range m.indexes {
		if ix.storage == storage {
			return ix.def.Name, true
		}
	}
	return "", false
}

func (m *collMeta) index(name string) (indexMeta, bool) {
	for _, ix := range m.indexes {
		if ix.def.Name == name {
			return ix, true
		}
	}
	return indexMeta{}, false
}

// Cache holds collection metadata keyed by database and collection name.
// Entries are dropped whenever the catalog for that collection changes.
type Cache struct {
	cache *lru.TwoQueueCache[string, *collMeta]
}

func newCache(size int) (Cache, error) {
	c, err := lru.New2Q[string, *collMeta](size)
	return Cache{cache: c}, err
}

func cacheKey(db, name string) string {
	return db + "\x00" + name
}

// Get returns the value from the cache
func (c Cache) Get(db, name string) (val *collMeta, fromCache bool) {
	return c.cache.Get(cacheKey(db, name))
}

// Set sets the value in the cache
func (c Cache) Set(db, name string, val *collMeta) {
	c.cache.Add(cacheKey(db, name), val)
}

func (c Cache) Remove(db, name string) {
	c.cache.Remove(cacheKey(db, name))
}

func (c Cache) Purge() {
	c.cache.Purge()
}
