package attributetwin

import (
	"context"

	"github.com/cockroachdb/errors"
)

// DefaultMaxAliasDepth bounds alias chains when AliasResolver.MaxDepth is zero.
const DefaultMaxAliasDepth = 32

// AliasResolver follows alias chains to the concrete attribute at their end.
type AliasResolver struct {
	Lookup AttributeLookup
	// MaxDepth is the maximal number of aliases followed before giving up. Zero
	// means DefaultMaxAliasDepth.
	MaxDepth int
}

// Resolve returns the attribute identified by id, or, if it is an alias, the
// first non-alias attribute along its chain.
//
// Resolve fails with ErrAliasBroken if a link of the chain is missing (or lives
// on a different asset than referenced), and with ErrAliasCycle if the chain
// revisits an attribute or exceeds MaxDepth. Both are marked ErrResolution.
func (r AliasResolver) Resolve(ctx context.Context, id AttributeID) (Attribute, error) {
	a, err := r.Lookup.Attribute(ctx, id)
	if errors.Is(err, ErrAttributeNotFound) {
		return nil, ResolutionErrorf(ErrAliasBroken, "attribute %s", id)
	}
	if err != nil {
		return nil, err
	}
	return r.ResolveAttribute(ctx, a)
}

// ResolveAttribute is like Resolve for an attribute already at hand.
func (r AliasResolver) ResolveAttribute(ctx context.Context, a Attribute) (Attribute, error) {
	maxDepth := r.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxAliasDepth
	}

	start := a.Describe().ID
	visited := map[AttributeID]struct{}{start: {}}
	for hops := 0; ; hops++ {
		alias, ok := a.(AliasAttribute)
		if !ok {
			return a, nil
		}
		if hops >= maxDepth {
			return nil, ResolutionErrorf(ErrAliasCycle, "alias %s exceeds %d hops", start, maxDepth)
		}

		target := alias.Target
		if _, seen := visited[target.AttributeID]; seen {
			return nil, ResolutionErrorf(ErrAliasCycle, "alias %s revisits %s", start, target.AttributeID)
		}
		visited[target.AttributeID] = struct{}{}

		next, err := r.Lookup.Attribute(ctx, target.AttributeID)
		if errors.Is(err, ErrAttributeNotFound) {
			return nil, ResolutionErrorf(ErrAliasBroken, "alias %s: target %s of %s", start, target.AttributeID, alias.ID)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "resolve alias %s", start)
		}
		if !target.AssetID.IsZero() && next.Describe().AssetID != target.AssetID {
			return nil, ResolutionErrorf(ErrAliasBroken, "alias %s: target %s is not owned by asset %s", start, target.AttributeID, target.AssetID)
		}
		a = next
	}
}
