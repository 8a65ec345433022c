package attributetwin

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DataType is the declared type of an attribute's value.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeText
	TypeBoolean
	TypeDateTime
	TypeDouble
	TypeInteger
	TypeTimestamp
)

var dataTypeNames = [...]string{
	TypeUnknown:   "unknown",
	TypeText:      "text",
	TypeBoolean:   "bool",
	TypeDateTime:  "datetime",
	TypeDouble:    "double",
	TypeInteger:   "int",
	TypeTimestamp: "timestamp",
}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return dataTypeNames[TypeUnknown]
	}
	return dataTypeNames[t]
}

// ParseDataType returns the DataType named by s. Names are matched
// case-insensitively, and the long forms "boolean" and "integer" are accepted as
// well.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "string":
		return TypeText, nil
	case "bool", "boolean":
		return TypeBoolean, nil
	case "datetime":
		return TypeDateTime, nil
	case "double":
		return TypeDouble, nil
	case "int", "integer":
		return TypeInteger, nil
	case "timestamp":
		return TypeTimestamp, nil
	}
	return TypeUnknown, errors.Newf("unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DataType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseDataType(string(b))
	return err
}

// Category discriminates the variants of Attribute.
type Category int

const (
	Static Category = iota + 1
	Alias
	Runtime
	Dynamic
	Command
)

var categoryNames = map[Category]string{
	Static:  "static",
	Alias:   "alias",
	Runtime: "runtime",
	Dynamic: "dynamic",
	Command: "command",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseCategory returns the Category named by s (case-insensitive).
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, errors.Newf("unknown attribute category %q", s)
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Category) UnmarshalText(b []byte) (err error) {
	*c, err = ParseCategory(string(b))
	return err
}

// Descriptor holds the fields common to all attribute categories.
type Descriptor struct {
	ID       AttributeID
	AssetID  AssetID
	Name     string
	DataType DataType
	// Revision is bumped by the AttributeStore on every successful definition
	// update. Writers pass back the revision they read to detect lost updates.
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Describe returns the common fields of an attribute.
func (d Descriptor) Describe() Descriptor { return d }

// Attribute is a named, typed data point of an asset. The concrete type is one
// of StaticAttribute, AliasAttribute, RuntimeAttribute, DynamicAttribute or
// CommandAttribute; type-switch on the value to access category-specific
// fields.
type Attribute interface {
	Describe() Descriptor
	Category() Category

	// attribute is unexported to prevent implementations outside this package.
	attribute()
}

// StaticAttribute holds a literal value.
type StaticAttribute struct {
	Descriptor
	Value any
}

// Reference addresses an attribute of a specific asset.
type Reference struct {
	AssetID     AssetID
	AttributeID AttributeID
}

// AliasAttribute points at another attribute, which may itself be an alias. Use
// an AliasResolver to find the concrete attribute at the end of the chain.
type AliasAttribute struct {
	Descriptor
	Target Reference
}

// RuntimeAttribute derives its value from other attributes. Once created, its
// expression and trigger set never change.
type RuntimeAttribute struct {
	Descriptor
	// Expression is the source template as written by the user, with
	// ${attributeId}$ placeholders.
	Expression string
	// Compiled is the rewritten, evaluable form of Expression.
	Compiled          string
	EnabledExpression bool
	// TriggerAttributeID is the primary trigger explicitly chosen by the user, if
	// any. It is always a member of Triggers.
	TriggerAttributeID *AttributeID
	// Triggers are the attributes whose updates schedule a recomputation.
	Triggers []AttributeID
	Snapshot *Point
}

// DynamicAttribute mirrors a device telemetry channel.
type DynamicAttribute struct {
	Descriptor
	DeviceID  string
	MetricKey string
	Snapshot  *Point
}

// CommandAttribute is a write-only control attribute. It is never a valid
// expression reference.
type CommandAttribute struct {
	Descriptor
}

func (StaticAttribute) Category() Category  { return Static }
func (AliasAttribute) Category() Category   { return Alias }
func (RuntimeAttribute) Category() Category { return Runtime }
func (DynamicAttribute) Category() Category { return Dynamic }
func (CommandAttribute) Category() Category { return Command }

func (StaticAttribute) attribute()  {}
func (AliasAttribute) attribute()   {}
func (RuntimeAttribute) attribute() {}
func (DynamicAttribute) attribute() {}
func (CommandAttribute) attribute() {}

// IsTriggeredBy reports whether an update of id schedules a recomputation of r.
func (r RuntimeAttribute) IsTriggeredBy(id AttributeID) bool {
	return slices.Contains(r.Triggers, id)
}

// WithDescriptor returns a copy of a whose common fields are replaced by d.
func WithDescriptor(a Attribute, d Descriptor) Attribute {
	switch v := a.(type) {
	case StaticAttribute:
		v.Descriptor = d
		return v
	case AliasAttribute:
		v.Descriptor = d
		return v
	case RuntimeAttribute:
		v.Descriptor = d
		return v
	case DynamicAttribute:
		v.Descriptor = d
		return v
	case CommandAttribute:
		v.Descriptor = d
		return v
	}
	panic(errors.AssertionFailedf("unexpected attribute type %T", a))
}

// WithSnapshot returns a copy of a with its snapshot replaced by p. Only
// runtime and dynamic attributes carry a snapshot; ok is false for other
// categories.
func WithSnapshot(a Attribute, p Point) (_ Attribute, ok bool) {
	switch v := a.(type) {
	case RuntimeAttribute:
		v.Snapshot = &p
		return v, true
	case DynamicAttribute:
		v.Snapshot = &p
		return v, true
	}
	return a, false
}

// SnapshotOf returns the snapshot of a runtime or dynamic attribute.
func SnapshotOf(a Attribute) (Point, bool) {
	var p *Point
	switch v := a.(type) {
	case RuntimeAttribute:
		p = v.Snapshot
	case DynamicAttribute:
		p = v.Snapshot
	}
	if p == nil {
		return Point{}, false
	}
	return *p, true
}

// Clone returns a deep copy of a, such that mutating slices or pointers of the
// result never affects a.
func Clone(a Attribute) Attribute {
	switch v := a.(type) {
	case RuntimeAttribute:
		v.Triggers = slices.Clone(v.Triggers)
		if v.TriggerAttributeID != nil {
			id := *v.TriggerAttributeID
			v.TriggerAttributeID = &id
		}
		if v.Snapshot != nil {
			p := *v.Snapshot
			v.Snapshot = &p
		}
		return v
	case DynamicAttribute:
		if v.Snapshot != nil {
			p := *v.Snapshot
			v.Snapshot = &p
		}
		return v
	}
	return a
}
