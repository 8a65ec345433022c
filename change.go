package attributetwin

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// Change is a single item of an attribute upsert batch: one of AddAttribute,
// EditAttribute or RemoveAttributes.
type Change interface {
	change()
}

// AddAttribute creates an attribute. For a runtime attribute only the
// definition fields (Expression, EnabledExpression and TriggerAttributeID) are
// meaningful; the compiled form and triggers are derived on creation.
type AddAttribute struct {
	Attribute Attribute
}

// EditAttribute replaces the definition of an existing attribute. Its Revision
// must match the stored one.
type EditAttribute struct {
	Attribute Attribute
}

// RemoveAttributes deletes attributes.
type RemoveAttributes struct {
	IDs []AttributeID
}

func (AddAttribute) change()     {}
func (EditAttribute) change()    {}
func (RemoveAttributes) change() {}

// changeEnvelope is the JSON wire form of a Change. The op field selects the
// change, and attributeType selects how payload is decoded.
type changeEnvelope struct {
	Op            string          `json:"op"`
	AttributeType string          `json:"attributeType"`
	ID            *AttributeID    `json:"id"`
	AssetID       AssetID         `json:"assetId"`
	Name          string          `json:"name"`
	DataType      string          `json:"dataType"`
	Revision      uint64          `json:"revision"`
	IDs           []AttributeID   `json:"ids"`
	Payload       json.RawMessage `json:"payload"`
}

type staticPayload struct {
	Value any `json:"value"`
}

type aliasPayload struct {
	TargetAssetID     AssetID     `json:"targetAssetId"`
	TargetAttributeID AttributeID `json:"targetAttributeId"`
}

type runtimePayload struct {
	Expression         string       `json:"expression"`
	EnabledExpression  bool         `json:"enabledExpression"`
	TriggerAttributeID *AttributeID `json:"triggerAttributeId"`
}

type dynamicPayload struct {
	DeviceID  string `json:"deviceId"`
	MetricKey string `json:"metricKey"`
}

// DecodeChange decodes the JSON form of a single Change. Attributes added
// without an ID are assigned a random one. The payload of each attribute type is
// decoded strictly: unknown fields are rejected.
func DecodeChange(p []byte) (Change, error) {
	var env changeEnvelope
	if err := json.Unmarshal(p, &env); err != nil {
		return nil, errors.Wrap(err, "decode change")
	}

	switch op := strings.ToLower(env.Op); op {
	case "remove":
		if len(env.IDs) == 0 && env.ID != nil {
			env.IDs = []AttributeID{*env.ID}
		}
		if len(env.IDs) == 0 {
			return nil, errors.New("decode change: remove names no attributes")
		}
		return RemoveAttributes{IDs: env.IDs}, nil

	case "add", "edit":
		if op == "edit" && env.ID == nil {
			return nil, errors.New("decode change: edit requires an id")
		}
		a, err := env.attribute()
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s change", op)
		}
		if op == "add" {
			return AddAttribute{Attribute: a}, nil
		}
		return EditAttribute{Attribute: a}, nil
	}
	return nil, errors.Newf("decode change: unknown op %q", env.Op)
}

func (env changeEnvelope) attribute() (Attribute, error) {
	category, err := ParseCategory(env.AttributeType)
	if err != nil {
		return nil, err
	}
	d := Descriptor{
		AssetID:  env.AssetID,
		Name:     env.Name,
		Revision: env.Revision,
	}
	if env.ID != nil {
		d.ID = *env.ID
	} else {
		d.ID = NewAttributeID()
	}
	if env.DataType != "" {
		if d.DataType, err = ParseDataType(env.DataType); err != nil {
			return nil, err
		}
	}

	switch category {
	case Static:
		var p staticPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		v, err := CoerceValue(p.Value, d.DataType)
		if err != nil {
			return nil, errors.Wrapf(err, "static value is not a %s", d.DataType)
		}
		return StaticAttribute{Descriptor: d, Value: v}, nil

	case Alias:
		var p aliasPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return AliasAttribute{Descriptor: d, Target: Reference{AssetID: p.TargetAssetID, AttributeID: p.TargetAttributeID}}, nil

	case Runtime:
		var p runtimePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return RuntimeAttribute{
			Descriptor:         d,
			Expression:         p.Expression,
			EnabledExpression:  p.EnabledExpression,
			TriggerAttributeID: p.TriggerAttributeID,
		}, nil

	case Dynamic:
		var p dynamicPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.DeviceID == "" || p.MetricKey == "" {
			return nil, errors.New("dynamic attribute requires a deviceId and a metricKey")
		}
		return DynamicAttribute{Descriptor: d, DeviceID: p.DeviceID, MetricKey: p.MetricKey}, nil

	case Command:
		return CommandAttribute{Descriptor: d}, nil
	}
	return nil, errors.AssertionFailedf("unhandled category %s", category)
}

func decodePayload(p json.RawMessage, v any) error {
	if len(p) == 0 {
		return errors.New("missing payload")
	}
	dec := json.NewDecoder(strings.NewReader(string(p)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	return nil
}
