package doc

import (
	"fmt"

	"github.com/dosco/docbridge/core/internal/ident"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Projection is a parsed find projection: either inclusion or exclusion of
// dotted paths, with _id handled on its own.
type Projection struct {
	include bool
	noID    bool
	root    *pnode
}

type pnode struct {
	leaf     bool
	children map[string]*pnode
}

func (n *pnode) child(seg string) *pnode {
	if n.children == nil {
		n.children = make(map[string]*pnode)
	}
	c, ok := n.children[seg]
	if !ok {
		c = &pnode{}
		n.children[seg] = c
	}
	return c
}

// ParseProjection validates spec. Values must be numbers or booleans and
// inclusion may not be mixed with exclusion except for _id.
func ParseProjection(spec bson.D) (*Projection, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	p := &Projection{root: &pnode{}}
	mode := 0

	for _, e := range spec {
		on, err := projFlag(e.Value)
		if err != nil {
			return nil, fmt.Errorf("projection field %q: %w", e.Key, err)
		}
		if e.Key == "_id" {
			p.noID = !on
			continue
		}
		segs, err := ident.SplitPath(e.Key)
		if err != nil {
			return nil, err
		}
		m := -1
		if on {
			m = 1
		}
		if mode != 0 && mode != m {
			return nil, fmt.Errorf("projection cannot mix inclusion and exclusion")
		}
		mode = m

		n := p.root
		for _, s := range segs {
			n = n.child(s)
		}
		n.leaf = true
	}
	p.include = mode == 1
	return p, nil
}

func projFlag(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	}
	if f, ok := AsFloat(v); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("expected 0, 1, true or false")
}

// Inclusive reports whether the projection selects fields.
func (p *Projection) Inclusive() bool {
	return p != nil && p.include
}

// Apply returns a projected copy of d.
func (p *Projection) Apply(d bson.D) bson.D {
	if p == nil {
		return d
	}
	var out bson.D
	if p.include {
		out = includeTree(d, p.root)
		if !p.noID {
			if id, ok := Get(d, "_id"); ok {
				out = append(bson.D{{Key: "_id", Value: id}}, out...)
			}
		}
		return out
	}
	out = excludeTree(d, p.root)
	if p.noID {
		out = Unset(out, []string{"_id"})
	}
	return out
}

func includeTree(d bson.D, n *pnode) bson.D {
	out := bson.D{}
	for _, e := range d {
		if e.Key == "_id" && n.children["_id"] == nil {
			continue
		}
		c, ok := n.children[e.Key]
		if !ok {
			continue
		}
		if c.leaf {
			out = append(out, bson.E{Key: e.Key, Value: copyValue(e.Value)})
			continue
		}
		switch v := e.Value.(type) {
		case bson.D:
			out = append(out, bson.E{Key: e.Key, Value: includeTree(v, c)})
		case bson.A:
			arr := bson.A{}
			for _, item := range v {
				if sub, ok := item.(bson.D); ok {
					arr = append(arr, includeTree(sub, c))
				}
			}
			out = append(out, bson.E{Key: e.Key, Value: arr})
		}
	}
	return out
}

func excludeTree(d bson.D, n *pnode) bson.D {
	out := bson.D{}
	for _, e := range d {
		c, ok := n.children[e.Key]
		if !ok {
			out = append(out, bson.E{Key: e.Key, Value: copyValue(e.Value)})
			continue
		}
		if c.leaf {
			continue
		}
		switch v := e.Value.(type) {
		case bson.D:
			out = append(out, bson.E{Key: e.Key, Value: excludeTree(v, c)})
		case bson.A:
			arr := make(bson.A, 0, len(v))
			for _, item := range v {
				if sub, ok := item.(bson.D); ok {
					arr = append(arr, excludeTree(sub, c))
				} else {
					arr = append(arr, copyValue(item))
				}
			}
			out = append(out, bson.E{Key: e.Key, Value: arr})
		default:
			out = append(out, bson.E{Key: e.Key, Value: v})
		}
	}
	return out
}
