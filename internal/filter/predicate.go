package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Aman-CERP/tonecapture/internal/capture"
)

// Predicate is a boolean expression over capture attributes.
// Build one with Eq, In, Range, And, Or, Not and All, or with Parse.
type Predicate interface {
	fmt.Stringer
	predicate()
}

type allPred struct{}

type eqPred struct {
	attr  string
	value capture.Value
}

type inPred struct {
	attr   string
	values []capture.Value
}

// Bound is one end of a range.
type Bound struct {
	Value     capture.Value
	Inclusive bool
	Set       bool
}

type rangePred struct {
	attr   string
	lo, hi Bound
}

type andPred struct{ preds []Predicate }

type orPred struct{ preds []Predicate }

type notPred struct{ pred Predicate }

func (allPred) predicate()   {}
func (eqPred) predicate()    {}
func (inPred) predicate()    {}
func (rangePred) predicate() {}
func (andPred) predicate()   {}
func (orPred) predicate()    {}
func (notPred) predicate()   {}

// All matches every capture.
func All() Predicate { return allPred{} }

// Eq matches captures with at least one value of attr equal to v.
func Eq(attr string, v capture.Value) Predicate { return eqPred{attr: attr, value: v} }

// In matches captures with at least one value of attr among values.
func In(attr string, values ...capture.Value) Predicate {
	return inPred{attr: attr, values: append([]capture.Value(nil), values...)}
}

// Range matches numeric or date values between lo and hi. Both ends share
// the inclusive flag.
func Range(attr string, lo, hi capture.Value, inclusive bool) Predicate {
	return rangePred{
		attr: attr,
		lo:   Bound{Value: lo, Inclusive: inclusive, Set: true},
		hi:   Bound{Value: hi, Inclusive: inclusive, Set: true},
	}
}

// Above matches values greater than v (or equal when inclusive).
func Above(attr string, v capture.Value, inclusive bool) Predicate {
	return rangePred{attr: attr, lo: Bound{Value: v, Inclusive: inclusive, Set: true}}
}

// Below matches values less than v (or equal when inclusive).
func Below(attr string, v capture.Value, inclusive bool) Predicate {
	return rangePred{attr: attr, hi: Bound{Value: v, Inclusive: inclusive, Set: true}}
}

// And matches captures matching every predicate. And() matches everything.
func And(preds ...Predicate) Predicate { return andPred{preds: preds} }

// Or matches captures matching any predicate. Or() matches nothing.
func Or(preds ...Predicate) Predicate { return orPred{preds: preds} }

// Not matches captures that do not match p.
func Not(p Predicate) Predicate { return notPred{pred: p} }

func (allPred) String() string { return "*" }

func (p eqPred) String() string { return p.attr + "=" + quote(p.value.Key()) }

func (p inPred) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = quote(v.Key())
	}
	return p.attr + " in (" + strings.Join(parts, ", ") + ")"
}

func (p rangePred) String() string {
	switch {
	case p.lo.Set && p.hi.Set:
		if p.lo.Inclusive && p.hi.Inclusive {
			return fmt.Sprintf("%s between %s and %s", p.attr, quote(p.lo.Value.Key()), quote(p.hi.Value.Key()))
		}
		return "(" + rangePred{attr: p.attr, lo: p.lo}.String() + " AND " + rangePred{attr: p.attr, hi: p.hi}.String() + ")"
	case p.lo.Set:
		op := ">"
		if p.lo.Inclusive {
			op = ">="
		}
		return p.attr + op + quote(p.lo.Value.Key())
	case p.hi.Set:
		op := "<"
		if p.hi.Inclusive {
			op = "<="
		}
		return p.attr + op + quote(p.hi.Value.Key())
	}
	return p.attr + " between * and *"
}

func (p andPred) String() string { return join(p.preds, " AND ", "*") }

func (p orPred) String() string { return join(p.preds, " OR ", "NOT *") }

func (p notPred) String() string { return "NOT " + wrap(p.pred) }

func join(preds []Predicate, sep, empty string) string {
	if len(preds) == 0 {
		return empty
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = wrap(p)
	}
	return strings.Join(parts, sep)
}

func wrap(p Predicate) string {
	switch p.(type) {
	case andPred, orPred:
		return "(" + p.String() + ")"
	}
	return p.String()
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"(),=<>!") || isKeyword(s) {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

// IDSet is an unordered set of capture ids.
type IDSet map[string]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the set size.
func (s IDSet) Len() int { return len(s) }

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// fields returns everything a capture is filterable by: its attributes with
// the chain projected in, plus the built-in attributes.
func fields(c *capture.Capture) capture.Attributes {
	out := c.AllAttributes()
	out[capture.AttrKind] = []capture.Value{capture.String(string(c.Kind))}
	out[capture.AttrFingerprint] = []capture.Value{capture.String(c.Fingerprint)}
	if c.ClusterID != "" && c.ClusterEpoch > 0 {
		out[capture.AttrCluster] = []capture.Value{capture.String(c.ClusterID)}
	}
	return out
}

// valueClass groups values that can compare equal.
func valueClass(v capture.Value) string {
	switch v.Type() {
	case capture.TypeNumber:
		return "n"
	case capture.TypeDate:
		return "d"
	default:
		return "s"
	}
}

// term is the posting key of one attribute value.
func term(attr string, v capture.Value) string {
	return attr + "\x1f" + valueClass(v) + ":" + v.Key()
}

// ordered reports whether v can appear in a range.
func ordered(v capture.Value) bool {
	_, ok := v.Ordinal()
	return ok
}
