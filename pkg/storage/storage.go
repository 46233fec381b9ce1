// Package storage implements the in-memory LWW key-value map: per-key
// Last-Writer-Wins resolution over the (timestamp_ms, node_id, seq)
// triple, tombstone retention, and per-node_id sequence deduplication.
// It uses an exclusive-mutator-with-snapshot-reads shape, guarding an
// in-memory map with a mutex, since the storage critical section must
// stay non-suspending.
package storage

import (
	"sort"
	"sync"

	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/validate"
)

// dedupWindowSize bounds the out-of-order window kept per node_id: a
// high-water mark plus at most this many seqs that arrived below the
// mark after it had already advanced past them.
const dedupWindowSize = 1024

type dedupState struct {
	highWater uint64
	seen      map[uint64]struct{} // seqs below highWater observed after it advanced past them
}

// Engine is the replica's authoritative key-value map. All mutation
// funnels through Put/Delete; Get/ScanAll take a snapshot read without
// blocking concurrent mutation for longer than the copy itself.
type Engine struct {
	mu      sync.RWMutex
	entries map[string]kvmodel.StorageEntry
	dedup   map[string]*dedupState
}

// New builds an empty Engine.
func New() *Engine {
	return &Engine{
		entries: make(map[string]kvmodel.StorageEntry),
		dedup:   make(map[string]*dedupState),
	}
}

// Get returns a snapshot copy of the entry at key, or false if absent or
// a tombstone (tombstones are not visible to Get; use Lookup for that).
func (e *Engine) Get(key string) (kvmodel.StorageEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[key]
	if !ok || entry.Tombstone {
		return kvmodel.StorageEntry{}, false
	}
	return entry.Clone(), true
}

// Lookup returns the resident entry at key regardless of tombstone
// status, for callers (replication, anti-entropy) that need to see
// deletion markers.
func (e *Engine) Lookup(key string) (kvmodel.StorageEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[key]
	if !ok {
		return kvmodel.StorageEntry{}, false
	}
	return entry.Clone(), true
}

// Seen reports whether (node_id, seq) has already been applied, without
// mutating dedup state.
func (e *Engine) Seen(nodeID string, seq uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seenLocked(nodeID, seq)
}

func (e *Engine) seenLocked(nodeID string, seq uint64) bool {
	d, ok := e.dedup[nodeID]
	if !ok {
		return false
	}
	if seq <= d.highWater {
		if seq == d.highWater {
			return true
		}
		_, seen := d.seen[seq]
		return seen
	}
	return false
}

func (e *Engine) markSeenLocked(nodeID string, seq uint64) {
	d, ok := e.dedup[nodeID]
	if !ok {
		d = &dedupState{seen: make(map[uint64]struct{})}
		e.dedup[nodeID] = d
	}
	switch {
	case seq > d.highWater:
		// advance the high-water mark; drop now-covered out-of-order seqs
		d.highWater = seq
		for s := range d.seen {
			if s <= seq {
				delete(d.seen, s)
			}
		}
	case seq < d.highWater:
		if len(d.seen) < dedupWindowSize {
			d.seen[seq] = struct{}{}
		}
	}
}

// Put applies a candidate entry against any resident entry for the same
// key using the LWW triple-order rule: the candidate wins iff its
// (timestamp_ms, node_id, seq) strictly exceeds the resident's.
// Put reports whether the candidate was applied (false means it lost to
// a resident entry, or was a dedup no-op).
func (e *Engine) Put(candidate kvmodel.StorageEntry) (applied bool, err error) {
	if err := validate.Entry(candidate.Key, candidate.Value, candidate.NodeID, candidate.Tombstone); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seenLocked(candidate.NodeID, candidate.Seq) {
		return false, nil
	}

	resident, exists := e.entries[candidate.Key]
	win := !exists || resident.Triple().Less(candidate.Triple())
	if exists && !win {
		e.markSeenLocked(candidate.NodeID, candidate.Seq)
		return false, nil
	}

	e.entries[candidate.Key] = candidate.Clone()
	e.markSeenLocked(candidate.NodeID, candidate.Seq)
	return true, nil
}

// Delete writes a tombstone for key using the given clock-assigned
// identity, applying the same LWW rule as Put so a delete loses to a
// newer resident entry exactly like any other write would. It always
// returns nil error for a validated key: DELETE is unconditionally
// idempotent.
func (e *Engine) Delete(key string, timestampMS int64, nodeID string, seq uint64) (kvmodel.StorageEntry, error) {
	tomb := kvmodel.StorageEntry{
		Key:         key,
		Value:       nil,
		TimestampMS: timestampMS,
		NodeID:      nodeID,
		Seq:         seq,
		Tombstone:   true,
	}
	if _, err := e.Put(tomb); err != nil {
		return kvmodel.StorageEntry{}, err
	}
	return tomb, nil
}

// ScanAll returns a snapshot of every resident entry (including
// tombstones), sorted by key for deterministic iteration — anti-entropy
// digesting and persistence dumps both depend on a stable order.
func (e *Engine) ScanAll() []kvmodel.StorageEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]kvmodel.StorageEntry, 0, len(e.entries))
	for _, v := range e.entries {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len reports the number of resident keys, tombstones included.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// GCTombstones removes tombstones older than retentionMS relative to
// nowMS, returning the count removed. Every tombstone at least
// retentionMS old is removed; dedup records are kept apart from the
// entries, so removing a tombstone never drops one.
func (e *Engine) GCTombstones(nowMS int64, retentionMS int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, v := range e.entries {
		if !v.Tombstone {
			continue
		}
		if nowMS-v.TimestampMS < retentionMS {
			continue
		}
		// dedup state for v.NodeID survives independently of the map
		// entry (it lives in e.dedup), so removing the tombstone row
		// itself never weakens dedup protection.
		delete(e.entries, k)
		removed++
	}
	return removed
}

// LoadSnapshot replaces the engine's state wholesale, used by
// persistence backends on startup. It rebuilds dedup high-water marks
// from the loaded entries so restart behaves as if every loaded write
// had just been applied.
func (e *Engine) LoadSnapshot(entries []kvmodel.StorageEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[string]kvmodel.StorageEntry, len(entries))
	e.dedup = make(map[string]*dedupState)
	for _, entry := range entries {
		e.entries[entry.Key] = entry.Clone()
		d, ok := e.dedup[entry.NodeID]
		if !ok {
			d = &dedupState{seen: make(map[uint64]struct{})}
			e.dedup[entry.NodeID] = d
		}
		if entry.Seq > d.highWater {
			d.highWater = entry.Seq
		}
	}
}
