// Package idempotency caches command responses keyed by (node_id,
// request_id) so a retried command is answered from cache instead of
// re-applied. BuildKey normalizes identity parts, hashes them
// deterministically, and produces a bounded, versioned string key.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	KeyVersion = "v1"
	MaxKeyLen  = 256
)

var ErrInvalidKey = errors.New("idempotency: invalid key")

// BuildKey derives a cache key from a node id and a caller-supplied
// request id. Both are part of the key's identity: the same request_id
// from two different nodes must not collide.
func BuildKey(nodeID, requestID string) (string, error) {
	nodeID = strings.ToLower(strings.TrimSpace(nodeID))
	requestID = strings.TrimSpace(requestID)
	if nodeID == "" || requestID == "" {
		return "", fmt.Errorf("%w: node_id and request_id are required", ErrInvalidKey)
	}
	sum := sha256.Sum256([]byte(nodeID + "\x00" + requestID))
	key := fmt.Sprintf("%s:%s", KeyVersion, hex.EncodeToString(sum[:]))
	if len(key) > MaxKeyLen {
		return "", ErrInvalidKey
	}
	return key, nil
}
