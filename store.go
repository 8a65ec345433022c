package attributetwin

import (
	"context"
)

// AttributeLookup finds a single attribute by its identifier. It returns an
// error matching ErrAttributeNotFound if no such attribute exists.
type AttributeLookup interface {
	Attribute(ctx context.Context, id AttributeID) (Attribute, error)
}

// AttributeStore holds attribute definitions and their current snapshots.
//
// Implementations must be safe for concurrent use. Reads return copies; callers
// may freely mutate the returned values.
type AttributeStore interface {
	AttributeLookup

	// Create stores a new attribute and returns it as stored, with its Revision
	// set to 1. It fails with ErrDuplicateAttribute if the ID is taken, and with
	// ErrDuplicateBinding if a dynamic attribute's telemetry channel is already
	// bound to another attribute.
	Create(ctx context.Context, a Attribute) (Attribute, error)
	// Update replaces the definition of an existing attribute. The Revision of a
	// must equal the stored revision, otherwise Update fails with ErrStaleWrite.
	// The category of an attribute, and the expression and triggers of a runtime
	// attribute, cannot change. Snapshots are left untouched.
	Update(ctx context.Context, a Attribute) (Attribute, error)
	// Delete removes an attribute. Deleting an unknown attribute is not an error.
	Delete(ctx context.Context, id AttributeID) error

	// SetSnapshot replaces the snapshot of a runtime or dynamic attribute.
	// Concurrent calls are last-write-wins.
	SetSnapshot(ctx context.Context, id AttributeID, p Point) (Attribute, error)

	// AssetAttributes returns every attribute owned by an asset.
	AssetAttributes(ctx context.Context, asset AssetID) ([]Attribute, error)
	// Dependents returns every runtime attribute triggered by the given attribute.
	Dependents(ctx context.Context, trigger AttributeID) ([]RuntimeAttribute, error)
	// BoundAttribute returns the dynamic attribute bound to a telemetry channel.
	BoundAttribute(ctx context.Context, deviceID, metricKey string) (DynamicAttribute, error)
	// RuntimeAttributes returns a consistent snapshot of all runtime attributes,
	// even while concurrent writers create new ones.
	RuntimeAttributes(ctx context.Context) ([]RuntimeAttribute, error)
}
