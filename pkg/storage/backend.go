package storage

import (
	"context"

	"github.com/meshkv/core/pkg/kvmodel"
)

// Backend is the optional durability contract: a full-map dump/reload
// so restart restores the same LWW-resolved state. Implementations
// must round-trip losslessly; the in-memory Engine itself never depends
// on a Backend being present.
type Backend interface {
	// EnsureSchema prepares the backing store (idempotent).
	EnsureSchema(ctx context.Context) error
	// SaveAll persists the full entry set, replacing any prior snapshot.
	SaveAll(ctx context.Context, entries []kvmodel.StorageEntry) error
	// LoadAll returns the persisted entry set, or an empty slice if none
	// has ever been saved.
	LoadAll(ctx context.Context) ([]kvmodel.StorageEntry, error)
	Close() error
}

// PersistentEngine pairs an Engine with a Backend, snapshotting the full
// map after every mutation. The in-memory critical section still stays
// non-suspending: the snapshot write happens outside the lock that
// guards a single entry update.
type PersistentEngine struct {
	*Engine
	backend Backend
}

// NewPersistentEngine wraps engine with backend and loads any existing
// snapshot into it.
func NewPersistentEngine(ctx context.Context, engine *Engine, backend Backend) (*PersistentEngine, error) {
	if err := backend.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	entries, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	engine.LoadSnapshot(entries)
	return &PersistentEngine{Engine: engine, backend: backend}, nil
}

// Put applies the candidate to the in-memory engine and, if it was
// actually applied, persists the full current snapshot.
func (p *PersistentEngine) Put(ctx context.Context, candidate kvmodel.StorageEntry) (bool, error) {
	applied, err := p.Engine.Put(candidate)
	if err != nil || !applied {
		return applied, err
	}
	return true, p.backend.SaveAll(ctx, p.Engine.ScanAll())
}

// Delete tombstones key and, if the delete was actually applied,
// persists the full current snapshot.
func (p *PersistentEngine) Delete(ctx context.Context, key string, timestampMS int64, nodeID string, seq uint64) (kvmodel.StorageEntry, error) {
	tomb := kvmodel.StorageEntry{Key: key, TimestampMS: timestampMS, NodeID: nodeID, Seq: seq, Tombstone: true}
	applied, err := p.Engine.Put(tomb)
	if err != nil {
		return kvmodel.StorageEntry{}, err
	}
	if !applied {
		return tomb, nil
	}
	if err := p.backend.SaveAll(ctx, p.Engine.ScanAll()); err != nil {
		return kvmodel.StorageEntry{}, err
	}
	return tomb, nil
}

func (p *PersistentEngine) Close() error {
	return p.backend.Close()
}
