package attributetwin

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// TopicAttributeUpdated is the conventional name of the topic carrying
// AttributeUpdated events.
const TopicAttributeUpdated = "attribute.updated"

// MetadataAttributeID is the message metadata key holding the ID of the updated
// attribute. Brokers that partition by key (e.g. Kafka) use it to keep updates
// of the same attribute in order.
const MetadataAttributeID = "attributeID"

// AttributeUpdated notifies that the value of an attribute has changed.
//
// Delivery is at-least-once and unordered; consumers must tolerate duplicates
// and reordering.
type AttributeUpdated struct {
	AssetID     AssetID     `cbor:"1,keyasint"`
	AttributeID AttributeID `cbor:"2,keyasint"`
	// Hops counts the recomputations that led to this update. Updates caused by
	// writes and telemetry have zero hops; each cascaded recomputation adds one.
	Hops int `cbor:"3,keyasint,omitempty"`
	// The time, in UTC, the new value was produced.
	Timestamp time.Time `cbor:"4,keyasint"`
}

func (e AttributeUpdated) String() string {
	return fmt.Sprintf("attribute %s of asset %s updated (hops=%d)", e.AttributeID, e.AssetID, e.Hops)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("attributetwin: failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("attributetwin: failed to create CBOR decoder mode: %v", err))
	}
}

// EncodeEvent encodes e into its CBOR wire form.
func EncodeEvent(e AttributeUpdated) ([]byte, error) {
	p, err := encMode.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode cbor")
	}
	return p, nil
}

// DecodeEvent decodes the CBOR wire form of an AttributeUpdated event. It
// rejects events that do not identify an attribute.
func DecodeEvent(p []byte) (AttributeUpdated, error) {
	var e AttributeUpdated
	if err := decMode.Unmarshal(p, &e); err != nil {
		return AttributeUpdated{}, errors.Wrap(err, "decode cbor")
	}
	if e.AttributeID.IsZero() {
		return AttributeUpdated{}, errors.New("decode: event has no attribute id")
	}
	return e, nil
}
