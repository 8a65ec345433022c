package attributetwin

import (
	"bytes"

	"github.com/google/uuid"
)

// AssetID identifies an asset. Assets own attributes but are otherwise opaque to
// this package.
type AssetID uuid.UUID

// AttributeID identifies an attribute across all assets.
type AttributeID uuid.UUID

// NewAssetID returns a random AssetID.
func NewAssetID() AssetID { return AssetID(uuid.New()) }

// NewAttributeID returns a random AttributeID.
func NewAttributeID() AttributeID { return AttributeID(uuid.New()) }

// ParseAssetID decodes s into an AssetID. Both the canonical and the braced
// UUID forms are accepted.
func ParseAssetID(s string) (AssetID, error) {
	u, err := uuid.Parse(s)
	return AssetID(u), err
}

// ParseAttributeID decodes s into an AttributeID. Both the canonical and the
// braced UUID forms are accepted.
func ParseAttributeID(s string) (AttributeID, error) {
	u, err := uuid.Parse(s)
	return AttributeID(u), err
}

// MustParseAttributeID is like ParseAttributeID but panics if s cannot be
// parsed. It simplifies initialization of well-known identifiers in tests.
func MustParseAttributeID(s string) AttributeID {
	return AttributeID(uuid.MustParse(s))
}

// MustParseAssetID is like ParseAssetID but panics if s cannot be parsed.
func MustParseAssetID(s string) AssetID {
	return AssetID(uuid.MustParse(s))
}

func (id AssetID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero AssetID.
func (id AssetID) IsZero() bool { return id == AssetID{} }

func (id AssetID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *AssetID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id AssetID) MarshalBinary() ([]byte, error) { return uuid.UUID(id).MarshalBinary() }

func (id *AssetID) UnmarshalBinary(b []byte) error { return (*uuid.UUID)(id).UnmarshalBinary(b) }

func (id AttributeID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero AttributeID.
func (id AttributeID) IsZero() bool { return id == AttributeID{} }

func (id AttributeID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *AttributeID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id AttributeID) MarshalBinary() ([]byte, error) { return uuid.UUID(id).MarshalBinary() }

func (id *AttributeID) UnmarshalBinary(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalBinary(b)
}

// Compare returns an integer comparing two identifiers bytewise. The result is
// zero if id == other, negative if id < other, and positive otherwise.
func (id AttributeID) Compare(other AttributeID) int {
	return bytes.Compare(id[:], other[:])
}
