package qcode

import (
	"fmt"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type OrderBy struct {
	Field string
	Path  []string
	Desc  bool
}

// CompileSort validates a sort document of path → 1 | -1.
func CompileSort(spec bson.D) ([]OrderBy, error) {
	out := make([]OrderBy, 0, len(spec))
	for _, e := range spec {
		path, err := ident.SplitPath(e.Key)
		if err != nil {
			return nil, err
		}
		f, ok := doc.AsFloat(e.Value)
		if !ok || (f != 1 && f != -1) {
			return nil, fmt.Errorf("sort direction for %q must be 1 or -1", e.Key)
		}
		out = append(out, OrderBy{Field: e.Key, Path: path, Desc: f < 0})
	}
	return out, nil
}
