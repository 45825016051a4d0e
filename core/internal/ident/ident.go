// Package ident validates and quotes the identifiers (collection, database,
// index and field names) that end up concatenated into generated SQL.
// Values are never handled here; they are always bound as parameters.
package ident

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

type Kind int

const (
	KindTable Kind = iota
	KindDatabase
	KindIndex
	KindField
)

// MaxLen is the longest identifier accepted from a caller.
const MaxLen = 120

// maxStorageLen is the postgres NAMEDATALEN-1 limit, applied to both dialects.
const maxStorageLen = 63

var reservedPrefixes = []string{"_docbridge", "pg_", "sqlite_", "system"}

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindDatabase:
		return "database"
	case KindIndex:
		return "index"
	default:
		return "field"
	}
}

// Error is returned for every rejected identifier. It never wraps a backend
// error so rejections look the same regardless of why they happened.
type Error struct {
	Kind Kind
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("Invalid %s name: %s", e.Kind, strconv.Quote(e.Name))
}

// Validate checks name against the identifier grammar [A-Za-z0-9_-]+ and,
// for everything except fields, against the reserved prefixes.
func Validate(kind Kind, name string) (string, error) {
	if name == "" || len(name) > MaxLen {
		return "", &Error{Kind: kind, Name: name}
	}
	for i := 0; i < len(name); i++ {
		if !allowed(name[i]) {
			return "", &Error{Kind: kind, Name: name}
		}
	}
	if kind != KindField {
		ln := strings.ToLower(name)
		for _, p := range reservedPrefixes {
			if strings.HasPrefix(ln, p) {
				return "", &Error{Kind: kind, Name: name}
			}
		}
	}
	return name, nil
}

// SplitPath splits a dotted field path and validates every segment.
// Operator-like segments ("$x") are rejected by the grammar.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, &Error{Kind: KindField, Name: path}
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if _, err := Validate(KindField, s); err != nil {
			return nil, &Error{Kind: KindField, Name: path}
		}
	}
	return segs, nil
}

// IsIndex reports whether a path segment addresses an array position.
func IsIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}

// StorageName maps a database and collection name onto a table identifier.
// Hyphens become underscores. Long names are cut and suffixed with a hash of
// the original pair so two long names do not collide.
func StorageName(db, coll string) (string, error) {
	if _, err := Validate(KindDatabase, db); err != nil {
		return "", err
	}
	if _, err := Validate(KindTable, coll); err != nil {
		return "", err
	}
	n := strings.ReplaceAll(db+"__"+coll, "-", "_")
	if len(n) <= maxStorageLen {
		return n, nil
	}
	return Truncate(n, db, coll)
}

// IndexStorageName derives the backend index name. Postgres index names share
// one namespace per schema, so the table name is part of it.
func IndexStorageName(table, index string) (string, error) {
	if _, err := Validate(KindIndex, index); err != nil {
		return "", err
	}
	n := "ix_" + table + "__" + strings.ReplaceAll(index, "-", "_")
	if len(n) <= maxStorageLen {
		return n, nil
	}
	return Truncate(n, table, index)
}

// RangeIndexName names the typed companion of a unique typed index. The
// unique index enforces on the stored value; the companion serves ranges.
func RangeIndexName(storage string) (string, error) {
	n := storage + "_r"
	if len(n) <= maxStorageLen {
		return n, nil
	}
	return Suffixed(storage[:maxStorageLen-11], storage, "range")
}

// Truncate shortens n to the storage limit, appending a stable hash of key.
func Truncate(n string, key ...string) (string, error) {
	h, err := Hash(key...)
	if err != nil {
		return "", err
	}
	return n[:maxStorageLen-len(h)-1] + "_" + h, nil
}

// Suffixed returns n with a short hash suffix derived from key, used when
// two collections map onto the same storage name.
func Suffixed(n string, key ...string) (string, error) {
	h, err := Hash(key...)
	if err != nil {
		return "", err
	}
	if len(n)+len(h)+1 > maxStorageLen {
		n = n[:maxStorageLen-len(h)-1]
	}
	return n + "_" + h, nil
}

// Hash returns a short base36 hash of the given strings.
func Hash(key ...string) (string, error) {
	v, err := hashstructure.Hash(key, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	s := strconv.FormatUint(v, 36)
	if len(s) > 8 {
		s = s[:8]
	}
	return s, nil
}

// Quote wraps an already validated identifier in double quotes.
// Embedded quotes are doubled even though the grammar excludes them.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func allowed(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-'
}
