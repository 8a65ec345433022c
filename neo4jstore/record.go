package neo4jstore

import (
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-attributetwin"
)

// Every attribute is a node labelled Attribute, and additionally labelled by its
// category. The category labels are fixed, so they are safe to concatenate into
// Cypher queries.
const attributeLabel = "Attribute"

var categoryLabels = map[attributetwin.Category]string{
	attributetwin.Static:  "Static",
	attributetwin.Alias:   "Alias",
	attributetwin.Runtime: "Runtime",
	attributetwin.Dynamic: "Dynamic",
	attributetwin.Command: "Command",
}

// Node properties. Values of static attributes and snapshots are stored as
// native Neo4j properties (strings, booleans, floats, integers and datetimes),
// and coerced back to the declared data type when read.
const (
	propID                = "id"
	propAssetID           = "assetId"
	propName              = "name"
	propDataType          = "dataType"
	propCategory          = "category"
	propRevision          = "revision"
	propCreatedAt         = "createdAt"
	propUpdatedAt         = "updatedAt"
	propValue             = "value"
	propTargetAssetID     = "targetAssetId"
	propTargetAttributeID = "targetAttributeId"
	propExpression        = "expression"
	propCompiled          = "compiled"
	propEnabled           = "enabledExpression"
	propTrigger           = "triggerAttributeId"
	propTriggers          = "triggers"
	propDeviceID          = "deviceId"
	propMetricKey         = "metricKey"
	propSnapshotValue     = "snapshotValue"
	propSnapshotTimestamp = "snapshotTimestamp"
	propSnapshotQuality   = "snapshotQuality"
	propSnapshotLatest    = "snapshotLatestTimestamp"
)

// formatNode returns the labels and properties of the node representing a.
func formatNode(a attributetwin.Attribute) (labels string, props map[string]any) {
	d := a.Describe()
	props = map[string]any{
		propID:        d.ID.String(),
		propAssetID:   d.AssetID.String(),
		propName:      d.Name,
		propDataType:  d.DataType.String(),
		propCategory:  a.Category().String(),
		propRevision:  int64(d.Revision),
		propCreatedAt: d.CreatedAt,
		propUpdatedAt: d.UpdatedAt,
	}

	switch v := a.(type) {
	case attributetwin.StaticAttribute:
		props[propValue] = v.Value
	case attributetwin.AliasAttribute:
		props[propTargetAssetID] = v.Target.AssetID.String()
		props[propTargetAttributeID] = v.Target.AttributeID.String()
	case attributetwin.RuntimeAttribute:
		props[propExpression] = v.Expression
		props[propCompiled] = v.Compiled
		props[propEnabled] = v.EnabledExpression
		if v.TriggerAttributeID != nil {
			props[propTrigger] = v.TriggerAttributeID.String()
		}
		triggers := make([]string, len(v.Triggers))
		for i, id := range v.Triggers {
			triggers[i] = id.String()
		}
		props[propTriggers] = triggers
	case attributetwin.DynamicAttribute:
		props[propDeviceID] = v.DeviceID
		props[propMetricKey] = v.MetricKey
	}
	if p, ok := attributetwin.SnapshotOf(a); ok {
		for k, v := range snapshotProps(p) {
			props[k] = v
		}
	}
	return attributeLabel + ":" + categoryLabels[a.Category()], props
}

func snapshotProps(p attributetwin.Point) map[string]any {
	return map[string]any{
		propSnapshotValue:     p.Value,
		propSnapshotTimestamp: p.Timestamp,
		propSnapshotQuality:   int64(p.Quality),
		propSnapshotLatest:    p.LatestTimestamp,
	}
}

// parseNode is the inverse of formatNode.
func parseNode(n neo4j.Node) (attributetwin.Attribute, error) {
	var d attributetwin.Descriptor
	var err error

	id, err := getNodeProperty[string](n, propID)
	if err != nil {
		return nil, err
	}
	if d.ID, err = attributetwin.ParseAttributeID(id); err != nil {
		return nil, errors.Wrap(err, "parse id")
	}
	asset, err := getNodeProperty[string](n, propAssetID)
	if err != nil {
		return nil, err
	}
	if d.AssetID, err = attributetwin.ParseAssetID(asset); err != nil {
		return nil, errors.Wrap(err, "parse asset id")
	}
	if d.Name, err = getNodeProperty[string](n, propName); err != nil {
		return nil, err
	}
	dataType, err := getNodeProperty[string](n, propDataType)
	if err != nil {
		return nil, err
	}
	if d.DataType, err = attributetwin.ParseDataType(dataType); err != nil {
		return nil, err
	}
	revision, err := getNodeProperty[int64](n, propRevision)
	if err != nil {
		return nil, err
	}
	d.Revision = uint64(revision)
	if d.CreatedAt, err = getNodeProperty[time.Time](n, propCreatedAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = getNodeProperty[time.Time](n, propUpdatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()

	category, err := getNodeProperty[string](n, propCategory)
	if err != nil {
		return nil, err
	}
	c, err := attributetwin.ParseCategory(category)
	if err != nil {
		return nil, err
	}

	switch c {
	case attributetwin.Static:
		a := attributetwin.StaticAttribute{Descriptor: d}
		if v, ok := n.Props[propValue]; ok && v != nil {
			if a.Value, err = attributetwin.CoerceValue(v, d.DataType); err != nil {
				return nil, errors.Wrap(err, "static value")
			}
		}
		return a, nil

	case attributetwin.Alias:
		a := attributetwin.AliasAttribute{Descriptor: d}
		target, err := getNodeProperty[string](n, propTargetAttributeID)
		if err != nil {
			return nil, err
		}
		if a.Target.AttributeID, err = attributetwin.ParseAttributeID(target); err != nil {
			return nil, errors.Wrap(err, "parse alias target")
		}
		if owner, _ := getNodeProperty[string](n, propTargetAssetID); owner != "" {
			if a.Target.AssetID, err = attributetwin.ParseAssetID(owner); err != nil {
				return nil, errors.Wrap(err, "parse alias target asset")
			}
		}
		return a, nil

	case attributetwin.Runtime:
		a := attributetwin.RuntimeAttribute{Descriptor: d}
		if a.Expression, err = getNodeProperty[string](n, propExpression); err != nil {
			return nil, err
		}
		if a.Compiled, err = getNodeProperty[string](n, propCompiled); err != nil {
			return nil, err
		}
		if a.EnabledExpression, err = getNodeProperty[bool](n, propEnabled); err != nil {
			return nil, err
		}
		if trigger, ok := n.Props[propTrigger].(string); ok {
			id, err := attributetwin.ParseAttributeID(trigger)
			if err != nil {
				return nil, errors.Wrap(err, "parse trigger")
			}
			a.TriggerAttributeID = &id
		}
		triggers, err := getNodeProperty[[]any](n, propTriggers)
		if err != nil {
			return nil, err
		}
		for _, t := range triggers {
			s, ok := t.(string)
			if !ok {
				return nil, unexpectedPropertyTypeError{Type: reflect.TypeOf(t)}
			}
			id, err := attributetwin.ParseAttributeID(s)
			if err != nil {
				return nil, errors.Wrap(err, "parse triggers")
			}
			a.Triggers = append(a.Triggers, id)
		}
		if a.Snapshot, err = parseSnapshot(n, d.DataType); err != nil {
			return nil, err
		}
		return a, nil

	case attributetwin.Dynamic:
		a := attributetwin.DynamicAttribute{Descriptor: d}
		if a.DeviceID, err = getNodeProperty[string](n, propDeviceID); err != nil {
			return nil, err
		}
		if a.MetricKey, err = getNodeProperty[string](n, propMetricKey); err != nil {
			return nil, err
		}
		if a.Snapshot, err = parseSnapshot(n, d.DataType); err != nil {
			return nil, err
		}
		return a, nil

	case attributetwin.Command:
		return attributetwin.CommandAttribute{Descriptor: d}, nil
	}
	return nil, errors.AssertionFailedf("unexpected category %s", c)
}

func parseSnapshot(n neo4j.Node, t attributetwin.DataType) (*attributetwin.Point, error) {
	v, ok := n.Props[propSnapshotValue]
	if !ok || v == nil {
		return nil, nil
	}
	var p attributetwin.Point
	var err error
	if p.Value, err = attributetwin.CoerceValue(v, t); err != nil {
		return nil, errors.Wrap(err, "snapshot value")
	}
	if p.Timestamp, err = getNodeProperty[int64](n, propSnapshotTimestamp); err != nil {
		return nil, err
	}
	quality, err := getNodeProperty[int64](n, propSnapshotQuality)
	if err != nil {
		return nil, err
	}
	p.Quality = int(quality)
	if p.LatestTimestamp, err = getNodeProperty[int64](n, propSnapshotLatest); err != nil {
		return nil, err
	}
	return &p, nil
}

// A errPropertyNotFound occurs when a property of a record or node is missing.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying the surrounding code properly.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a property of a record or node has
// a runtime type that is different from the expected type. The error message
// contains the effective type of the property at runtime.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: nil"
	}
	return "unexpected property type: " + e.Type.String()
}

// The recordProperty type constraint lists the Go types of properties we read
// from records and nodes. If you need more types, simply add them here.
type recordProperty interface {
	int64 | string | bool | time.Time | neo4j.Node | []any
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errors.Wrapf(errPropertyNotFound, "record key %q", key)
	}
	v, ok := prop.(T)
	if !ok {
		return value, errors.Wrapf(unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}, "record key %q", key)
	}
	return v, nil
}

func getNodeProperty[T recordProperty](n neo4j.Node, key string) (value T, err error) {
	prop, exists := n.Props[key]
	if !exists {
		return value, errors.Wrapf(errPropertyNotFound, "node property %q", key)
	}
	v, ok := prop.(T)
	if !ok {
		return value, errors.Wrapf(unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}, "node property %q", key)
	}
	return v, nil
}
