package qcode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// IDIndexName is the implicit unique index on _id.
const IDIndexName = "_id_"

type IndexKey struct {
	Field string   `json:"field"`
	Path  []string `json:"-"`
	Dir   int      `json:"dir,omitempty"`
	Text  bool     `json:"text,omitempty"`
}

type IndexDef struct {
	Name   string     `json:"name"`
	Keys   []IndexKey `json:"keys"`
	Unique bool       `json:"unique,omitempty"`
	Sparse bool       `json:"sparse,omitempty"`
	Type   FieldType  `json:"type,omitempty"`
}

type IndexOptions struct {
	Name   string
	Unique bool
	Sparse bool
	Type   string
}

// CompileIndex validates an index key document and its options.
func CompileIndex(keys bson.D, opts IndexOptions) (*IndexDef, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("index keys must not be empty")
	}
	typ, err := ParseFieldType(opts.Type)
	if err != nil {
		return nil, err
	}
	def := &IndexDef{Unique: opts.Unique, Sparse: opts.Sparse, Type: typ}

	for _, e := range keys {
		path, err := ident.SplitPath(e.Key)
		if err != nil {
			return nil, err
		}
		k := IndexKey{Field: e.Key, Path: path}

		switch v := e.Value.(type) {
		case string:
			if v != "text" {
				return nil, fmt.Errorf("index key %q: unsupported index kind %q", e.Key, v)
			}
			k.Text = true
		default:
			f, ok := doc.AsFloat(v)
			if !ok || (f != 1 && f != -1) {
				return nil, fmt.Errorf("index key %q: direction must be 1, -1 or \"text\"", e.Key)
			}
			k.Dir = int(f)
		}
		def.Keys = append(def.Keys, k)
	}

	if def.IsText() {
		for _, k := range def.Keys {
			if !k.Text {
				return nil, fmt.Errorf("text indexes cannot mix text and ordered keys")
			}
		}
		if def.Type != TypeNone {
			return nil, fmt.Errorf("text indexes cannot be typed")
		}
	}

	def.Name = opts.Name
	if def.Name == "" {
		def.Name = DefaultIndexName(def.Keys)
	}
	if def.Name == IDIndexName {
		return nil, fmt.Errorf("index name %q is reserved", IDIndexName)
	}
	if _, err := ident.Validate(ident.KindIndex, def.Name); err != nil {
		return nil, err
	}
	return def, nil
}

// DefaultIndexName builds field_1_other_-1 style names. Dots in paths become
// underscores since index names share the identifier grammar.
func DefaultIndexName(keys []IndexKey) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, strings.ReplaceAll(k.Field, ".", "_"))
		if k.Text {
			parts = append(parts, "text")
		} else {
			parts = append(parts, strconv.Itoa(k.Dir))
		}
	}
	return strings.Join(parts, "_")
}

// IsText reports whether the index is a full-text index.
func (d *IndexDef) IsText() bool {
	for _, k := range d.Keys {
		if k.Text {
			return true
		}
	}
	return false
}

// KeyDoc returns the key specification in its document form.
func (d *IndexDef) KeyDoc() bson.D {
	out := make(bson.D, 0, len(d.Keys))
	for _, k := range d.Keys {
		var v any = int32(k.Dir)
		if k.Text {
			v = "text"
		}
		out = append(out, bson.E{Key: k.Field, Value: v})
	}
	return out
}

// Same reports whether two definitions describe the same index.
func (d *IndexDef) Same(o *IndexDef) bool {
	if d.Unique != o.Unique || d.Sparse != o.Sparse || d.Type != o.Type || len(d.Keys) != len(o.Keys) {
		return false
	}
	for i := range d.Keys {
		if d.Keys[i].Field != o.Keys[i].Field || d.Keys[i].Dir != o.Keys[i].Dir || d.Keys[i].Text != o.Keys[i].Text {
			return false
		}
	}
	return true
}

// Restore fills derived fields after a definition is loaded from the catalog.
func (d *IndexDef) Restore() error {
	for i := range d.Keys {
		p, err := ident.SplitPath(d.Keys[i].Field)
		if err != nil {
			return err
		}
		d.Keys[i].Path = p
	}
	return nil
}

// HintsFrom collects typed paths and text fields from index definitions.
func HintsFrom(defs []*IndexDef) Hints {
	h := Hints{Types: make(map[string]FieldType)}
	for _, d := range defs {
		for _, k := range d.Keys {
			if k.Text {
				h.TextFields = append(h.TextFields, k.Path)
				continue
			}
			if d.Type != TypeNone {
				h.Types[k.Field] = d.Type
			}
		}
	}
	return h
}
