package antientropy

import (
	"testing"

	"github.com/meshkv/core/pkg/kvmodel"
)

func strp(s string) *string { return &s }

func entry(key, value string, ts int64, nodeID string, seq uint64) kvmodel.StorageEntry {
	return kvmodel.StorageEntry{Key: key, Value: strp(value), TimestampMS: ts, NodeID: nodeID, Seq: seq}
}

func TestBuildTree_EmptyYieldsStableHash(t *testing.T) {
	a := BuildTree(nil)
	b := BuildTree(nil)
	if a.Hash != b.Hash {
		t.Fatalf("expected empty trees to hash identically")
	}
}

func TestBuildTree_OrderIndependent(t *testing.T) {
	e1 := entry("a", "1", 100, "n1", 1)
	e2 := entry("b", "2", 100, "n1", 2)
	e3 := entry("c", "3", 100, "n1", 3)

	t1 := BuildTree([]kvmodel.StorageEntry{e1, e2, e3})
	t2 := BuildTree([]kvmodel.StorageEntry{e3, e1, e2})
	if t1.Hash != t2.Hash {
		t.Fatalf("expected root hash independent of input order")
	}
}

func TestBuildTree_DifferingContentDiffers(t *testing.T) {
	t1 := BuildTree([]kvmodel.StorageEntry{entry("a", "1", 100, "n1", 1)})
	t2 := BuildTree([]kvmodel.StorageEntry{entry("a", "2", 100, "n1", 1)})
	if t1.Hash == t2.Hash {
		t.Fatalf("expected different values to produce different root hashes")
	}
}

func TestDiverge_IdenticalTreesNoDivergence(t *testing.T) {
	entries := []kvmodel.StorageEntry{entry("a", "1", 100, "n1", 1), entry("b", "2", 100, "n1", 2)}
	t1 := BuildTree(entries)
	t2 := BuildTree(entries)
	if got := Diverge(t1, t2); got != nil {
		t.Fatalf("expected no divergence for identical trees, got %+v", got)
	}
}

func TestDiverge_FindsChangedKey(t *testing.T) {
	base := []kvmodel.StorageEntry{
		entry("a", "1", 100, "n1", 1),
		entry("b", "2", 100, "n1", 2),
		entry("c", "3", 100, "n1", 3),
	}
	changed := []kvmodel.StorageEntry{
		entry("a", "1", 100, "n1", 1),
		entry("b", "999", 200, "n1", 2),
		entry("c", "3", 100, "n1", 3),
	}
	t1 := BuildTree(base)
	t2 := BuildTree(changed)

	found := Diverge(t1, t2)
	sawB := false
	for _, e := range found {
		if e.Key == "b" {
			sawB = true
		}
	}
	if !sawB {
		t.Fatalf("expected divergent set to include changed key 'b', got %+v", found)
	}
}

func TestDiverge_MissingEntryOnOneSide(t *testing.T) {
	a := []kvmodel.StorageEntry{entry("a", "1", 100, "n1", 1)}
	b := []kvmodel.StorageEntry{entry("a", "1", 100, "n1", 1), entry("extra", "x", 100, "n1", 9)}
	found := Diverge(BuildTree(a), BuildTree(b))

	sawExtra := false
	for _, e := range found {
		if e.Key == "extra" {
			sawExtra = true
		}
	}
	if !sawExtra {
		t.Fatalf("expected divergence to surface the key missing on one side, got %+v", found)
	}
}
