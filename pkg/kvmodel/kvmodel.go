// Package kvmodel holds the shared wire/domain types for the replicated
// key-value core: StorageEntry, ReplicationEvent, Command and Response.
// It has no behavior of its own beyond basic shape checks; validation
// lives in pkg/validate, LWW resolution in pkg/storage, and encoding in
// pkg/codec. Every other core package imports this one instead of
// declaring its own copy of these shapes.
package kvmodel

// Size and timing limits for keys, values, bulk payloads, and wire events.
const (
	MaxKeyBytes           = 256
	MaxValueBytes         = 262144
	MaxBulkPayloadBytes   = 524288
	MaxEventEncodedBytes  = 307200
	MaxNodeIDChars        = 128
	MaxMGetKeys           = 256
	MaxMSetPairs          = 100
	TombstoneRetentionMS  = 86400000
	DefaultAntiEntropyMS  = 60000
	DefaultIdempotencyTTL = 5 * 60 * 1000
)

// StorageEntry is the single versioned record owned by the storage engine.
// tombstone ⇔ Value == nil.
type StorageEntry struct {
	Key         string
	Value       *string
	TimestampMS int64
	NodeID      string
	Seq         uint64
	Tombstone   bool
}

// Clone returns a deep copy so callers can't mutate storage state through
// a borrowed pointer.
func (e StorageEntry) Clone() StorageEntry {
	if e.Value == nil {
		return e
	}
	v := *e.Value
	e.Value = &v
	return e
}

// Triple is the (timestamp_ms, node_id, seq) tuple LWW orders entries by.
type Triple struct {
	TimestampMS int64
	NodeID      string
	Seq         uint64
}

func (e StorageEntry) Triple() Triple {
	return Triple{TimestampMS: e.TimestampMS, NodeID: e.NodeID, Seq: e.Seq}
}

// Less implements the total order entries are resolved by: timestamp,
// then node_id string, then seq, all ascending.
func (t Triple) Less(o Triple) bool {
	if t.TimestampMS != o.TimestampMS {
		return t.TimestampMS < o.TimestampMS
	}
	if t.NodeID != o.NodeID {
		return t.NodeID < o.NodeID
	}
	return t.Seq < o.Seq
}

func (t Triple) Equal(o Triple) bool {
	return t.TimestampMS == o.TimestampMS && t.NodeID == o.NodeID && t.Seq == o.Seq
}

// ReplicationEvent is the wire projection of one StorageEntry write. Field
// set is identical to StorageEntry; kept as a distinct type so codec and
// transport code can't accidentally conflate "in storage" with "on wire".
type ReplicationEvent struct {
	Key         string
	Value       *string
	NodeID      string
	Seq         uint64
	TimestampMS int64
	Tombstone   bool
}

func (e StorageEntry) ToEvent() ReplicationEvent {
	return ReplicationEvent{
		Key:         e.Key,
		Value:       e.Value,
		NodeID:      e.NodeID,
		Seq:         e.Seq,
		TimestampMS: e.TimestampMS,
		Tombstone:   e.Tombstone,
	}
}

func (e ReplicationEvent) ToEntry() StorageEntry {
	return StorageEntry{
		Key:         e.Key,
		Value:       e.Value,
		TimestampMS: e.TimestampMS,
		NodeID:      e.NodeID,
		Seq:         e.Seq,
		Tombstone:   e.Tombstone,
	}
}

// Op enumerates the command engine's operations.
type Op string

const (
	OpGet     Op = "GET"
	OpSet     Op = "SET"
	OpDelete  Op = "DELETE"
	OpIncr    Op = "INCR"
	OpDecr    Op = "DECR"
	OpAppend  Op = "APPEND"
	OpPrepend Op = "PREPEND"
	OpMGet    Op = "MGET"
	OpMSet    Op = "MSET"
)

// Command is an in-memory request.
type Command struct {
	ID     string            `json:"id"`
	Op     Op                `json:"op"`
	Key    string            `json:"key,omitempty"`
	Value  string            `json:"value,omitempty"`
	Amount *int64            `json:"amount,omitempty"`
	Keys   []string          `json:"keys,omitempty"`
	Pairs  map[string]string `json:"pairs,omitempty"`
}

// Status is the Response's outcome discriminator.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Response is returned from the command engine.
type Response struct {
	ID        string            `json:"id"`
	Status    Status            `json:"status"`
	Value     string            `json:"value,omitempty"`
	Results   map[string]string `json:"results,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
}
