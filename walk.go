package attributetwin

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
)

// DependsOn returns the attributes a depends on: the triggers of a runtime
// attribute, or the target of an alias. Other categories have no dependencies.
func DependsOn(a Attribute) []AttributeID {
	switch v := a.(type) {
	case RuntimeAttribute:
		return v.Triggers
	case AliasAttribute:
		return []AttributeID{v.Target.AttributeID}
	}
	return nil
}

// A Visitor defines a Visit method invoked for each Attribute encountered by
// Walk. If the result visitor w is not nil, Walk visits each dependency of the
// attribute with the visitor w, followed by a call of w.Visit(nil).
type Visitor interface {
	Visit(a Attribute) (w Visitor)
}

// Walk traverses the dependency graph in depth-first order, starting at the
// attribute identified by root. Every reachable attribute is visited at most
// once, so Walk terminates on cyclic graphs. Dependencies missing from the
// lookup are skipped.
func Walk(ctx context.Context, v Visitor, lookup AttributeLookup, root AttributeID) error {
	w := walker{lookup: lookup, seen: make(map[AttributeID]struct{})}
	return w.walk(ctx, v, root)
}

type walker struct {
	lookup AttributeLookup
	seen   map[AttributeID]struct{}
}

func (w *walker) walk(ctx context.Context, v Visitor, id AttributeID) error {
	if _, ok := w.seen[id]; ok {
		return nil
	}
	w.seen[id] = struct{}{}

	a, err := w.lookup.Attribute(ctx, id)
	if errors.Is(err, ErrAttributeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if v = v.Visit(a); v == nil {
		return nil
	}
	for _, dep := range DependsOn(a) {
		if err := w.walk(ctx, v, dep); err != nil {
			return err
		}
	}
	v.Visit(nil)
	return nil
}

type inspector func(a Attribute) bool

func (f inspector) Visit(a Attribute) Visitor {
	if f(a) {
		return f
	}
	return nil
}

// Inspect traverses the dependency graph in depth-first order: It starts by
// calling f for the root attribute. If f returns true, Inspect invokes f
// recursively for each dependency, followed by a call of f(nil).
func Inspect(ctx context.Context, lookup AttributeLookup, root AttributeID, f func(a Attribute) bool) error {
	return Walk(ctx, inspector(f), lookup, root)
}

// CheckAcyclic verifies that adding a to the graph known by lookup keeps the
// graph acyclic. The attribute a itself need not be stored yet. It fails with
// ErrDependencyCycle if any dependency of a (transitively) depends on a.
func CheckAcyclic(ctx context.Context, lookup AttributeLookup, a Attribute) error {
	self := a.Describe().ID
	for _, dep := range DependsOn(a) {
		if dep == self {
			return ValidationErrorf(ErrDependencyCycle, "attribute %s depends on itself", self)
		}
		var found bool
		err := Inspect(ctx, lookup, dep, func(b Attribute) bool {
			if b == nil || found {
				return false
			}
			// a is typically not stored yet, so the cycle shows as an edge
			// back to it rather than as a visit.
			if slices.Contains(DependsOn(b), self) {
				found = true
				return false
			}
			return true
		})
		if err != nil {
			return errors.Wrap(err, "walk dependencies")
		}
		if found {
			return ValidationErrorf(ErrDependencyCycle, "attribute %s transitively depends on itself through %s", self, dep)
		}
	}
	return nil
}
