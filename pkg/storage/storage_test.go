package storage

import (
	"testing"

	"github.com/meshkv/core/pkg/kvmodel"
)

func strp(s string) *string { return &s }

func entry(key, value string, ts int64, nodeID string, seq uint64) kvmodel.StorageEntry {
	return kvmodel.StorageEntry{Key: key, Value: strp(value), TimestampMS: ts, NodeID: nodeID, Seq: seq}
}

// LWW tie-break by node_id.
func TestPut_TieBreakByNodeID(t *testing.T) {
	e := New()
	if _, err := e.Put(entry("k", "A", 100, "na", 1)); err != nil {
		t.Fatalf("put A: %v", err)
	}
	if _, err := e.Put(entry("k", "B", 100, "nb", 1)); err != nil {
		t.Fatalf("put B: %v", err)
	}
	got, ok := e.Get("k")
	if !ok || *got.Value != "B" {
		t.Fatalf("expected resident value B, got %+v ok=%v", got, ok)
	}
}

// LWW determinism: applying A then B equals applying B then A.
func TestPut_LWWDeterministic_OrderIndependent(t *testing.T) {
	a := entry("k", "A", 100, "na", 1)
	b := entry("k", "B", 200, "na", 2)

	e1 := New()
	e1.Put(a)
	e1.Put(b)
	got1, _ := e1.Get("k")

	e2 := New()
	e2.Put(b)
	e2.Put(a)
	got2, _ := e2.Get("k")

	if *got1.Value != *got2.Value {
		t.Fatalf("order dependence detected: %s vs %s", *got1.Value, *got2.Value)
	}
	if *got1.Value != "B" {
		t.Fatalf("expected B (later timestamp) to win, got %s", *got1.Value)
	}
}

// LWW transitivity: if A > B and B > C, A wins over every order of {A,B,C}.
func TestPut_LWWTransitivity(t *testing.T) {
	a := entry("k", "A", 300, "n", 1)
	b := entry("k", "B", 200, "n", 2)
	c := entry("k", "C", 100, "n", 3)

	orders := [][]kvmodel.StorageEntry{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for i, order := range orders {
		e := New()
		for _, ent := range order {
			e.Put(ent)
		}
		got, ok := e.Get("k")
		if !ok || *got.Value != "A" {
			t.Fatalf("order %d: expected A to win, got %+v ok=%v", i, got, ok)
		}
	}
}

// Dedup correctness: applying the same (node_id, seq) twice equals applying once.
func TestPut_DedupCorrectness(t *testing.T) {
	e := New()
	first := entry("k", "v1", 100, "n", 5)
	applied, err := e.Put(first)
	if err != nil || !applied {
		t.Fatalf("expected first put applied, got applied=%v err=%v", applied, err)
	}
	replay := entry("k", "v2", 999, "n", 5) // same (node,seq), different value/ts
	applied, err = e.Put(replay)
	if err != nil {
		t.Fatalf("replay put: %v", err)
	}
	if applied {
		t.Fatalf("expected replay of seen (node_id,seq) to be dropped")
	}
	got, _ := e.Get("k")
	if *got.Value != "v1" {
		t.Fatalf("expected original value v1 to survive replay, got %s", *got.Value)
	}
}

// S5 / tombstone non-resurrection.
func TestDelete_BlocksResurrection(t *testing.T) {
	e := New()
	e.Put(entry("k", "v1", 1000, "n1", 1))
	if _, err := e.Delete("k", 2000, "n1", 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// inbound older non-tombstone write must lose
	applied, err := e.Put(entry("k", "v2", 1500, "n2", 1))
	if err != nil {
		t.Fatalf("put older write: %v", err)
	}
	if applied {
		t.Fatalf("expected older non-tombstone write to lose to tombstone")
	}
	if _, ok := e.Get("k"); ok {
		t.Fatalf("expected key to remain not-found after tombstone wins")
	}
}

func TestDelete_Idempotent(t *testing.T) {
	e := New()
	e.Put(entry("k", "v", 100, "n", 1))
	if _, err := e.Delete("k", 200, "n", 2); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if _, err := e.Delete("k", 300, "n", 3); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, ok := e.Get("k"); ok {
		t.Fatalf("expected key absent after repeated delete")
	}
}

func TestGCTombstones_RespectsRetentionWindow(t *testing.T) {
	e := New()
	e.Put(entry("k1", "v", 100, "n", 1))
	e.Delete("k1", 1000, "n", 2)
	e.Put(entry("k2", "v", 100, "n", 3))
	e.Delete("k2", 50000, "n", 4)

	removed := e.GCTombstones(90000, 80000) // retention window 80000ms
	if removed != 1 {
		t.Fatalf("expected exactly 1 tombstone GC'd, got %d", removed)
	}
	if _, ok := e.Lookup("k1"); ok {
		t.Fatalf("expected old tombstone k1 to be collected")
	}
	if _, ok := e.Lookup("k2"); !ok {
		t.Fatalf("expected recent tombstone k2 to survive")
	}
}

func TestScanAll_SortedByKey(t *testing.T) {
	e := New()
	e.Put(entry("zeta", "v", 1, "n", 1))
	e.Put(entry("alpha", "v", 1, "n", 2))
	e.Put(entry("mid", "v", 1, "n", 3))

	all := e.ScanAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Key != "alpha" || all[1].Key != "mid" || all[2].Key != "zeta" {
		t.Fatalf("expected sorted key order, got %v, %v, %v", all[0].Key, all[1].Key, all[2].Key)
	}
}

func TestLoadSnapshot_RestoresDedupHighWater(t *testing.T) {
	e := New()
	e.LoadSnapshot([]kvmodel.StorageEntry{entry("k", "v", 100, "n", 7)})
	if !e.Seen("n", 7) {
		t.Fatalf("expected seq 7 to be marked seen after snapshot load")
	}
	if e.Seen("n", 8) {
		t.Fatalf("did not expect seq 8 to be marked seen")
	}
}
