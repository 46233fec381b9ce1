// Package validate enforces the byte/UTF-8 invariants every string
// entering the core must satisfy: well-formed UTF-8 and size caps
// measured in encoded bytes, not code points.
package validate

import (
	"fmt"
	"unicode/utf8"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/kvmodel"
)

// WellFormedUTF8 walks s rune by rune and rejects anything utf8.DecodeRune
// flags as invalid: lone surrogates, overlong encodings, and truncated
// trailing sequences all decode to utf8.RuneError with width 1 (width 0
// only for empty input), while a literal U+FFFD decodes with width 3 and
// is accepted.
func WellFormedUTF8(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			return false
		}
		i += size
	}
	return true
}

// Key validates a StorageEntry/Command key: 1..=256 UTF-8 bytes, well
// formed.
func Key(key string) error {
	if !WellFormedUTF8(key) {
		return kverrors.New(kverrors.InvalidRequest, "key is not valid UTF-8")
	}
	n := len(key)
	if n == 0 {
		return kverrors.New(kverrors.InvalidRequest, "key must not be empty")
	}
	if n > kvmodel.MaxKeyBytes {
		return kverrors.New(kverrors.InvalidRequest,
			fmt.Sprintf("key size %d exceeds maximum allowed (%d bytes)", n, kvmodel.MaxKeyBytes))
	}
	return nil
}

// Value validates a StorageEntry/Command value: 0..=262144 UTF-8 bytes,
// well formed. Empty values are allowed (only tombstones have no value
// at all, represented by a nil pointer, not an empty string).
func Value(value string) error {
	if !WellFormedUTF8(value) {
		return kverrors.New(kverrors.InvalidRequest, "value is not valid UTF-8")
	}
	n := len(value)
	if n > kvmodel.MaxValueBytes {
		return kverrors.New(kverrors.PayloadTooLarge,
			fmt.Sprintf("value size %d exceeds maximum allowed (%d bytes)", n, kvmodel.MaxValueBytes))
	}
	return nil
}

// NodeID validates a replica identity: 1..=128 chars, well formed UTF-8.
func NodeID(nodeID string) error {
	if !WellFormedUTF8(nodeID) {
		return kverrors.New(kverrors.InvalidRequest, "node_id is not valid UTF-8")
	}
	n := len([]rune(nodeID))
	if n == 0 {
		return kverrors.New(kverrors.InvalidRequest, "node_id must not be empty")
	}
	if n > kvmodel.MaxNodeIDChars {
		return kverrors.New(kverrors.InvalidRequest,
			fmt.Sprintf("node_id length %d exceeds maximum allowed (%d chars)", n, kvmodel.MaxNodeIDChars))
	}
	return nil
}

// BulkPayload validates that an encoded command request (e.g. the raw
// JSON body of an MSET/MGET) fits within the 524288-byte cap.
func BulkPayload(encoded []byte) error {
	if len(encoded) > kvmodel.MaxBulkPayloadBytes {
		return kverrors.New(kverrors.PayloadTooLarge,
			fmt.Sprintf("bulk payload size %d exceeds maximum allowed (%d bytes)", len(encoded), kvmodel.MaxBulkPayloadBytes))
	}
	return nil
}

// EncodedEvent validates that an encoded ReplicationEvent fits within the
// 307200-byte cap.
func EncodedEvent(encoded []byte) error {
	if len(encoded) > kvmodel.MaxEventEncodedBytes {
		return kverrors.New(kverrors.PayloadTooLarge,
			fmt.Sprintf("encoded event size %d exceeds maximum allowed (%d bytes)", len(encoded), kvmodel.MaxEventEncodedBytes))
	}
	return nil
}

// Entry validates the shared StorageEntry/ReplicationEvent invariants:
// key/value bounds plus "tombstone iff no value".
func Entry(key string, value *string, nodeID string, tombstone bool) error {
	if err := Key(key); err != nil {
		return err
	}
	if err := NodeID(nodeID); err != nil {
		return err
	}
	if tombstone && value != nil {
		return kverrors.New(kverrors.InvalidRequest, "tombstone entries must not carry a value")
	}
	if !tombstone && value == nil {
		return kverrors.New(kverrors.InvalidRequest, "non-tombstone entries must carry a value")
	}
	if value != nil {
		if err := Value(*value); err != nil {
			return err
		}
	}
	return nil
}
