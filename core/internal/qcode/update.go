package qcode

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dosco/docbridge/core/internal/doc"
	"github.com/dosco/docbridge/core/internal/ident"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type MutOp int8

// Mutations apply in this order. $setOnInsert only runs when an upsert
// inserts a new document.
const (
	MutSetOnInsert MutOp = iota
	MutSet
	MutInc
	MutPush
	MutPull
	MutAddToSet
	MutUnset
	MutCurrentDate
)

var mutOps = map[string]MutOp{
	"$setOnInsert": MutSetOnInsert,
	"$set":         MutSet,
	"$inc":         MutInc,
	"$push":        MutPush,
	"$pull":        MutPull,
	"$addToSet":    MutAddToSet,
	"$unset":       MutUnset,
	"$currentDate": MutCurrentDate,
}

func (op MutOp) String() string {
	for k, v := range mutOps {
		if v == op {
			return k
		}
	}
	return ""
}

type Mutation struct {
	Op    MutOp
	Field string
	Path  []string
	Val   any
	Vals  []any
	Cond  *Exp
	Stamp bool
}

// MutationPlan is a compiled update document. It is applied in Go to the
// fetched document and written back in one statement.
type MutationPlan struct {
	Muts []Mutation
}

type UpdateError struct {
	Op     string
	Field  string
	Reason string
}

func (e *UpdateError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid update")
	if e.Op != "" {
		fmt.Fprintf(&sb, ": operator %q", e.Op)
	}
	if e.Field != "" {
		fmt.Fprintf(&sb, ": field %q", e.Field)
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	return sb.String()
}

// IsReplacement reports whether d is a replacement document rather than an
// operator document.
func IsReplacement(d bson.D) bool {
	for _, e := range d {
		if strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

// CompileUpdate validates an operator document and orders its mutations.
func CompileUpdate(spec bson.D) (*MutationPlan, error) {
	if len(spec) == 0 {
		return nil, &UpdateError{Reason: "update document must contain operators"}
	}
	plan := &MutationPlan{}

	for _, e := range spec {
		op, ok := mutOps[e.Key]
		if !ok {
			if !strings.HasPrefix(e.Key, "$") {
				return nil, &UpdateError{Field: e.Key, Reason: "update document must contain only operators"}
			}
			return nil, &UpdateError{Op: e.Key, Reason: "unknown operator"}
		}
		fields, ok := doc.AsDoc(e.Value)
		if !ok {
			return nil, &UpdateError{Op: e.Key, Reason: "operand must be a document"}
		}
		for _, f := range fields {
			m, err := compileMutation(op, e.Key, f)
			if err != nil {
				return nil, err
			}
			plan.Muts = append(plan.Muts, m)
		}
	}

	if err := checkConflicts(plan.Muts); err != nil {
		return nil, err
	}
	sort.SliceStable(plan.Muts, func(i, j int) bool {
		return plan.Muts[i].Op < plan.Muts[j].Op
	})
	return plan, nil
}

func compileMutation(op MutOp, name string, f bson.E) (Mutation, error) {
	path, err := ident.SplitPath(f.Key)
	if err != nil {
		return Mutation{}, err
	}
	if path[0] == "_id" {
		return Mutation{}, &UpdateError{Op: name, Field: f.Key,
			Reason: "performing an update on the path '_id' would modify the immutable field '_id'"}
	}
	m := Mutation{Op: op, Field: f.Key, Path: path, Val: f.Value}

	switch op {
	case MutInc:
		if doc.ClassOf(f.Value) != doc.ClassNumber {
			return m, &UpdateError{Op: name, Field: f.Key, Reason: "cannot increment with a non-numeric argument"}
		}

	case MutPush, MutAddToSet:
		m.Vals = []any{f.Value}
		if d, ok := doc.AsDoc(f.Value); ok && isOperatorDoc(d) {
			m.Vals = nil
			for _, e := range d {
				if e.Key != "$each" {
					return m, &UpdateError{Op: name, Field: f.Key, Reason: fmt.Sprintf("unsupported modifier %q", e.Key)}
				}
				arr, ok := doc.AsArray(e.Value)
				if !ok {
					return m, &UpdateError{Op: name, Field: f.Key, Reason: "$each requires an array"}
				}
				m.Vals = append(m.Vals, arr...)
			}
		}

	case MutPull:
		if d, ok := doc.AsDoc(f.Value); ok {
			fc := &filterCompiler{}
			var cond *Exp
			var err error
			if isOperatorDoc(d) {
				cond, err = fc.compileOps("v", []string{"v"}, d)
			} else {
				cond, err = fc.compileDoc(d, false)
			}
			if err != nil {
				return m, &UpdateError{Op: name, Field: f.Key, Reason: err.Error()}
			}
			m.Cond = cond
		}

	case MutCurrentDate:
		switch v := f.Value.(type) {
		case bool:
			if !v {
				return m, &UpdateError{Op: name, Field: f.Key, Reason: "expects true or {$type: 'date'|'timestamp'}"}
			}
		default:
			d, ok := doc.AsDoc(v)
			t, _ := doc.Get(d, "$type")
			switch {
			case ok && t == "date":
			case ok && t == "timestamp":
				m.Stamp = true
			default:
				return m, &UpdateError{Op: name, Field: f.Key, Reason: "expects true or {$type: 'date'|'timestamp'}"}
			}
		}
	}
	return m, nil
}

func checkConflicts(muts []Mutation) error {
	for i := range muts {
		for j := i + 1; j < len(muts); j++ {
			if pathsOverlap(muts[i].Path, muts[j].Path) {
				return &UpdateError{Field: muts[j].Field,
					Reason: fmt.Sprintf("updating the path %q would create a conflict at %q", muts[j].Field, muts[i].Field)}
			}
		}
	}
	return nil
}

func pathsOverlap(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Apply runs the plan against a copy of d. now is captured once per call so
// every $currentDate field gets the same value.
func (p *MutationPlan) Apply(d bson.D, now time.Time, inserting bool) (bson.D, error) {
	out := doc.Copy(d)
	if out == nil {
		out = bson.D{}
	}
	var err error

	for _, m := range p.Muts {
		name := m.Op.String()
		switch m.Op {
		case MutSetOnInsert:
			if !inserting {
				continue
			}
			out, err = doc.Set(out, m.Path, m.Val)

		case MutSet:
			out, err = doc.Set(out, m.Path, m.Val)

		case MutInc:
			cur, ok := doc.Lookup(out, m.Path)
			if !ok {
				out, err = doc.Set(out, m.Path, m.Val)
				break
			}
			var sum any
			if sum, err = doc.Add(cur, m.Val); err != nil {
				return nil, &UpdateError{Op: name, Field: m.Field, Reason: err.Error()}
			}
			out, err = doc.Set(out, m.Path, sum)

		case MutPush, MutAddToSet:
			arr, aerr := arrayAt(out, m)
			if aerr != nil {
				return nil, aerr
			}
			for _, v := range m.Vals {
				if m.Op == MutAddToSet && containsEqual(arr, v) {
					continue
				}
				arr = append(arr, v)
			}
			out, err = doc.Set(out, m.Path, arr)

		case MutPull:
			cur, ok := doc.Lookup(out, m.Path)
			if !ok {
				continue
			}
			arr, isArr := doc.AsArray(cur)
			if !isArr {
				return nil, &UpdateError{Op: name, Field: m.Field, Reason: "cannot apply $pull to a non-array value"}
			}
			kept := bson.A{}
			for _, v := range arr {
				if !m.pullMatches(v) {
					kept = append(kept, v)
				}
			}
			out, err = doc.Set(out, m.Path, kept)

		case MutUnset:
			out = doc.Unset(out, m.Path)

		case MutCurrentDate:
			var v any = bson.NewDateTimeFromTime(now)
			if m.Stamp {
				v = bson.Timestamp{T: uint32(now.Unix()), I: 1}
			}
			out, err = doc.Set(out, m.Path, v)
		}

		if err != nil {
			return nil, &UpdateError{Op: name, Field: m.Field, Reason: err.Error()}
		}
	}
	return out, nil
}

func arrayAt(d bson.D, m Mutation) (bson.A, error) {
	cur, ok := doc.Lookup(d, m.Path)
	if !ok || cur == nil && m.Op == MutAddToSet {
		return bson.A{}, nil
	}
	arr, isArr := doc.AsArray(cur)
	if !isArr {
		return nil, &UpdateError{Op: m.Op.String(), Field: m.Field,
			Reason: fmt.Sprintf("the field must be an array but is of type %s", doc.ClassOf(cur))}
	}
	return append(bson.A{}, arr...), nil
}

func containsEqual(arr bson.A, v any) bool {
	for _, x := range arr {
		if doc.Equal(x, v) {
			return true
		}
	}
	return false
}

func (m *Mutation) pullMatches(v any) bool {
	if m.Cond == nil {
		return doc.Equal(v, m.Val)
	}
	if isOperatorCond(m.Val) {
		return Match(bson.D{{Key: "v", Value: v}}, m.Cond, Hints{})
	}
	d, ok := v.(bson.D)
	return ok && Match(d, m.Cond, Hints{})
}

func isOperatorCond(v any) bool {
	d, ok := doc.AsDoc(v)
	return ok && isOperatorDoc(d)
}
