package qcode

import (
	"fmt"
	"math"
	"strings"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type StageKind int8

const (
	StageMatch StageKind = iota
	StageGroup
	StageProject
	StageUnwind
)

type Stage struct {
	Kind    StageKind
	Match   *Exp
	Group   *Group
	Project *doc.Projection
	Unwind  *Unwind
}

type Group struct {
	// IDPath is empty when the group key is the constant IDConst.
	IDPath  []string
	IDConst any
	Sums    []Sum
}

// Sum is one $sum accumulator: either a constant added per document or a
// field whose numeric values are added.
type Sum struct {
	Name  string
	Path  []string
	Const any
}

type Unwind struct {
	Field    string
	Path     []string
	Preserve bool
}

type Pipeline struct {
	Stages []Stage
	hints  Hints
}

// StageError reports a stage or accumulator outside the supported subset.
type StageError struct {
	Stage  string
	Reason string
}

func (e *StageError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported aggregation stage %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("unsupported aggregation stage %s", e.Stage)
}

// CompilePipeline validates every stage before anything runs. Leading $match
// stages are compiled with the collection's index hints since they run as SQL.
func CompilePipeline(stages []bson.D, hints Hints) (*Pipeline, error) {
	p := &Pipeline{hints: hints}
	leading := true

	for _, sd := range stages {
		if len(sd) != 1 {
			return nil, fmt.Errorf("aggregation stage must have exactly one field, got %d", len(sd))
		}
		name, val := sd[0].Key, sd[0].Value

		var st Stage
		var err error

		switch name {
		case "$match":
			st.Kind = StageMatch
			f, ok := doc.AsDoc(val)
			if !ok {
				return nil, &FilterError{Op: name, Reason: "expects a document"}
			}
			h := Hints{}
			if leading {
				h = hints
			}
			st.Match, err = CompileFilter(f, h)
		case "$group":
			st.Kind = StageGroup
			st.Group, err = compileGroup(val)
		case "$project":
			st.Kind = StageProject
			st.Project, err = compileProject(val)
		case "$unwind":
			st.Kind = StageUnwind
			st.Unwind, err = compileUnwind(val)
		default:
			return nil, &StageError{Stage: name}
		}
		if err != nil {
			return nil, err
		}
		if st.Kind != StageMatch {
			leading = false
		}
		p.Stages = append(p.Stages, st)
	}
	return p, nil
}

func fieldRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") || len(s) == 1 {
		return "", false
	}
	return s[1:], true
}

func compileGroup(val any) (*Group, error) {
	spec, ok := doc.AsDoc(val)
	if !ok {
		return nil, &StageError{Stage: "$group", Reason: "expects a document"}
	}
	g := &Group{}
	hasID := false

	for _, e := range spec {
		if e.Key == "_id" {
			hasID = true
			if f, ok := fieldRef(e.Value); ok {
				p, err := ident.SplitPath(f)
				if err != nil {
					return nil, err
				}
				g.IDPath = p
			} else if _, isDoc := doc.AsDoc(e.Value); isDoc {
				return nil, &StageError{Stage: "$group", Reason: "compound _id expressions are not supported"}
			} else {
				g.IDConst = e.Value
			}
			continue
		}

		acc, ok := doc.AsDoc(e.Value)
		if !ok || len(acc) != 1 {
			return nil, &StageError{Stage: "$group", Reason: fmt.Sprintf("field %q must be an accumulator", e.Key)}
		}
		if acc[0].Key != "$sum" {
			return nil, &StageError{Stage: "$group", Reason: fmt.Sprintf("accumulator %s", acc[0].Key)}
		}
		s := Sum{Name: e.Key}
		if f, ok := fieldRef(acc[0].Value); ok {
			p, err := ident.SplitPath(f)
			if err != nil {
				return nil, err
			}
			s.Path = p
		} else if doc.ClassOf(acc[0].Value) == doc.ClassNumber {
			s.Const = acc[0].Value
		} else {
			return nil, &StageError{Stage: "$group", Reason: "$sum operand must be a number or a field path"}
		}
		g.Sums = append(g.Sums, s)
	}
	if !hasID {
		return nil, fmt.Errorf("$group requires an _id field")
	}
	return g, nil
}

func compileProject(val any) (*doc.Projection, error) {
	spec, ok := doc.AsDoc(val)
	if !ok || len(spec) == 0 {
		return nil, &StageError{Stage: "$project", Reason: "expects a non-empty document"}
	}
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		if _, isStr := e.Value.(string); isStr {
			return nil, &StageError{Stage: "$project", Reason: "computed fields are not supported"}
		}
		if f, ok := doc.AsFloat(e.Value); (ok && f == 0) || e.Value == false {
			return nil, &StageError{Stage: "$project", Reason: "only inclusion projections are supported"}
		}
	}
	return doc.ParseProjection(spec)
}

func compileUnwind(val any) (*Unwind, error) {
	u := &Unwind{}
	var ref any = val

	if d, ok := doc.AsDoc(val); ok {
		ref = nil
		for _, e := range d {
			switch e.Key {
			case "path":
				ref = e.Value
			case "preserveNullAndEmptyArrays":
				b, ok := e.Value.(bool)
				if !ok {
					return nil, fmt.Errorf("$unwind preserveNullAndEmptyArrays must be a boolean")
				}
				u.Preserve = b
			default:
				return nil, &StageError{Stage: "$unwind", Reason: fmt.Sprintf("option %q", e.Key)}
			}
		}
	}
	f, ok := fieldRef(ref)
	if !ok {
		return nil, fmt.Errorf("$unwind path must be a string starting with '$'")
	}
	p, err := ident.SplitPath(f)
	if err != nil {
		return nil, err
	}
	u.Field, u.Path = f, p
	return u, nil
}

// Pushdown splits off the prefix that can run as SQL: the AND of all leading
// $match stages and an optional $group right after them. next is the index
// of the first stage left for Run.
func (p *Pipeline) Pushdown() (match *Exp, group *Group, next int) {
	var ms []*Exp
	for next < len(p.Stages) && p.Stages[next].Kind == StageMatch {
		ms = append(ms, p.Stages[next].Match)
		next++
	}
	match = andOf(ms)
	if next < len(p.Stages) && p.Stages[next].Kind == StageGroup {
		group = p.Stages[next].Group
		next++
	}
	return match, group, next
}

// Run executes stages[from:] in memory.
func (p *Pipeline) Run(docs []bson.D, from int) ([]bson.D, error) {
	var err error
	for _, st := range p.Stages[from:] {
		switch st.Kind {
		case StageMatch:
			kept := docs[:0:0]
			for _, d := range docs {
				if Match(d, st.Match, p.hints) {
					kept = append(kept, d)
				}
			}
			docs = kept
		case StageGroup:
			if docs, err = st.Group.Run(docs); err != nil {
				return nil, err
			}
		case StageProject:
			out := make([]bson.D, len(docs))
			for i, d := range docs {
				out[i] = st.Project.Apply(d)
			}
			docs = out
		case StageUnwind:
			docs = st.Unwind.Run(docs)
		}
	}
	return docs, nil
}

// Run groups docs in first-seen key order.
func (g *Group) Run(docs []bson.D) ([]bson.D, error) {
	type bucket struct {
		key  any
		sums []*Total
	}
	var order []*bucket
	index := make(map[string]*bucket)

	for _, d := range docs {
		key := g.IDConst
		if len(g.IDPath) != 0 {
			key, _ = doc.Lookup(d, g.IDPath)
		}
		k, err := GroupKey(key)
		if err != nil {
			return nil, err
		}
		b, ok := index[k]
		if !ok {
			b = &bucket{key: key, sums: make([]*Total, len(g.Sums))}
			for i := range b.sums {
				b.sums[i] = &Total{}
			}
			index[k] = b
			order = append(order, b)
		}
		for i, s := range g.Sums {
			if len(s.Path) == 0 {
				b.sums[i].Add(s.Const)
				continue
			}
			v, _ := doc.Lookup(d, s.Path)
			b.sums[i].Add(v)
		}
	}

	out := make([]bson.D, 0, len(order))
	for _, b := range order {
		row := bson.D{{Key: "_id", Value: b.key}}
		for i, s := range g.Sums {
			row = append(row, bson.E{Key: s.Name, Value: b.sums[i].Value()})
		}
		out = append(out, row)
	}
	return out, nil
}

// GroupKey returns the text that identifies a $group bucket. Numerically
// equal integral keys share a bucket.
func GroupKey(v any) (string, error) {
	if f, ok := doc.AsFloat(v); ok && f == math.Trunc(f) {
		v = int64(f)
	}
	b, err := doc.CanonicalJSON(v)
	return string(b), err
}

// Total accumulates $sum. Non-numeric values are ignored. Integer totals that
// fit in 32 bits are int32, larger ones int64, and any double makes it a double.
type Total struct {
	i       int64
	f       float64
	isFloat bool
	ovf     bool
}

func (t *Total) Add(v any) {
	switch n := v.(type) {
	case int32:
		t.addInt(int64(n))
	case int64:
		t.addInt(n)
	case int:
		t.addInt(int64(n))
	case float64:
		t.isFloat = true
		t.f += n
	}
}

func (t *Total) addInt(n int64) {
	s := t.i + n
	if (n > 0 && s < t.i) || (n < 0 && s > t.i) {
		t.ovf = true
		t.f += float64(n)
		return
	}
	t.i = s
}

// AddInt adds an integer total computed elsewhere.
func (t *Total) AddInt(n int64) { t.addInt(n) }

// AddFloat adds a floating point total computed elsewhere.
func (t *Total) AddFloat(f float64) {
	t.isFloat = true
	t.f += f
}

func (t *Total) Value() any {
	if t.isFloat || t.ovf {
		return t.f + float64(t.i)
	}
	if t.i >= math.MinInt32 && t.i <= math.MaxInt32 {
		return int32(t.i)
	}
	return t.i
}

// Run flattens the array at the unwind path into one document per element.
func (u *Unwind) Run(docs []bson.D) []bson.D {
	var out []bson.D
	for _, d := range docs {
		v, found := doc.Lookup(d, u.Path)
		arr, isArr := doc.AsArray(v)

		switch {
		case isArr && len(arr) != 0:
			for _, item := range arr {
				nd, err := doc.Set(doc.Copy(d), u.Path, item)
				if err == nil {
					out = append(out, nd)
				}
			}
		case isArr:
			if u.Preserve {
				out = append(out, doc.Unset(doc.Copy(d), u.Path))
			}
		case !found || v == nil:
			if u.Preserve {
				out = append(out, d)
			}
		default:
			out = append(out, d)
		}
	}
	return out
}
