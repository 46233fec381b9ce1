// Package codec implements the deterministic binary encoding of
// ReplicationEvent values: a CBOR map with field order key, node_id,
// seq, timestamp_ms, tombstone, [value], value present iff tombstone is
// false.
//
// Determinism comes from two places: fxamacker/cbor/v2 always encodes Go
// struct fields in declaration order (never map-randomized, and not
// affected by the library's canonical map-sorting options, which only
// apply to true map[K]V values), and cbor.CoreDetEncOptions pins integer
// and float encoding to their shortest deterministic form. Struct field
// order is relied on rather than asking the encoder to sort map keys,
// since it's simpler and the library already pins scalar encoding.
package codec

import (
	"github.com/fxamacker/cbor/v2"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/validate"
)

// wireEvent mirrors ReplicationEvent with the exact field order and names
// the wire format requires. Value is only populated by Encode when the
// event is not a tombstone.
type wireEvent struct {
	Key         string  `cbor:"key"`
	NodeID      string  `cbor:"node_id"`
	Seq         uint64  `cbor:"seq"`
	TimestampMS int64   `cbor:"timestamp_ms"`
	Tombstone   bool    `cbor:"tombstone"`
	Value       *string `cbor:"value,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: failed to build deterministic encode mode: " + err.Error())
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("codec: failed to build decode mode: " + err.Error())
	}
	decMode = dm
}

// Encode serializes a ReplicationEvent into its canonical wire bytes.
// Invalid events are rejected before serialization, and the encoded
// output is checked against the size ceiling.
func Encode(e kvmodel.ReplicationEvent) ([]byte, error) {
	if err := validate.Entry(e.Key, e.Value, e.NodeID, e.Tombstone); err != nil {
		return nil, err
	}

	w := wireEvent{
		Key:         e.Key,
		NodeID:      e.NodeID,
		Seq:         e.Seq,
		TimestampMS: e.TimestampMS,
		Tombstone:   e.Tombstone,
	}
	if !e.Tombstone {
		w.Value = e.Value
	}

	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Internal, "cbor encode failed", err)
	}
	if err := validate.EncodedEvent(b); err != nil {
		return nil, err
	}
	return b, nil
}

var requiredFields = []string{"key", "node_id", "seq", "timestamp_ms", "tombstone"}

var allowedFields = map[string]bool{
	"key": true, "node_id": true, "seq": true,
	"timestamp_ms": true, "tombstone": true, "value": true,
}

// Decode parses and validates a wire-format ReplicationEvent. It rejects
// malformed CBOR (Malformed), missing/extra fields or type mismatches
// (SchemaViolation), tombstones carrying a value or non-tombstones
// missing one (SchemaViolation), and oversized payloads
// (PayloadTooLarge). A successfully decoded event is re-validated, so
// decode(encode(x)) round-trips for any valid x.
func Decode(b []byte) (kvmodel.ReplicationEvent, error) {
	if err := validate.EncodedEvent(b); err != nil {
		return kvmodel.ReplicationEvent{}, err
	}

	var raw map[string]cbor.RawMessage
	if err := decMode.Unmarshal(b, &raw); err != nil {
		return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.Malformed, "not a valid CBOR map", err)
	}

	for k := range raw {
		if !allowedFields[k] {
			return kvmodel.ReplicationEvent{}, kverrors.New(kverrors.SchemaViolation, "unexpected field: "+k)
		}
	}
	for _, k := range requiredFields {
		if _, ok := raw[k]; !ok {
			return kvmodel.ReplicationEvent{}, kverrors.New(kverrors.SchemaViolation, "missing field: "+k)
		}
	}

	var key, nodeID string
	var seq uint64
	var ts int64
	var tombstone bool

	if err := cbor.Unmarshal(raw["key"], &key); err != nil {
		return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.SchemaViolation, "key must be a string", err)
	}
	if err := cbor.Unmarshal(raw["node_id"], &nodeID); err != nil {
		return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.SchemaViolation, "node_id must be a string", err)
	}
	if err := cbor.Unmarshal(raw["seq"], &seq); err != nil {
		return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.SchemaViolation, "seq must be a non-negative integer", err)
	}
	if err := cbor.Unmarshal(raw["timestamp_ms"], &ts); err != nil {
		return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.SchemaViolation, "timestamp_ms must be an integer", err)
	}
	if ts < 0 {
		return kvmodel.ReplicationEvent{}, kverrors.New(kverrors.SchemaViolation, "timestamp_ms must not be negative")
	}
	if err := cbor.Unmarshal(raw["tombstone"], &tombstone); err != nil {
		return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.SchemaViolation, "tombstone must be a bool", err)
	}

	rawValue, hasValue := raw["value"]
	if tombstone && hasValue {
		return kvmodel.ReplicationEvent{}, kverrors.New(kverrors.SchemaViolation, "tombstone entries must not carry a value")
	}
	if !tombstone && !hasValue {
		return kvmodel.ReplicationEvent{}, kverrors.New(kverrors.SchemaViolation, "non-tombstone entries must carry a value")
	}

	var valuePtr *string
	if hasValue {
		var v string
		if err := cbor.Unmarshal(rawValue, &v); err != nil {
			return kvmodel.ReplicationEvent{}, kverrors.Wrap(kverrors.SchemaViolation, "value must be a string", err)
		}
		valuePtr = &v
	}

	event := kvmodel.ReplicationEvent{
		Key:         key,
		NodeID:      nodeID,
		Seq:         seq,
		TimestampMS: ts,
		Tombstone:   tombstone,
		Value:       valuePtr,
	}
	if err := validate.Entry(event.Key, event.Value, event.NodeID, event.Tombstone); err != nil {
		return kvmodel.ReplicationEvent{}, err
	}
	return event, nil
}
