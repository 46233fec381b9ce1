// Package antientropy implements the periodic digest-exchange loop: a
// 16-ary Merkle tree over the sorted replica contents lets two peers
// find divergent sub-ranges without exchanging the full key space, then
// repairs divergence by republishing the entries under mismatched
// subtrees as ordinary ReplicationEvents.
package antientropy

import (
	"crypto/sha256"
	"sort"

	"github.com/meshkv/core/pkg/codec"
	"github.com/meshkv/core/pkg/kvmodel"
)

// fanout is the Merkle tree's branching factor.
const fanout = 16

// Digest is one node of the tree: its hash, the key range it covers
// (for locating divergence), and its children (nil at leaf level).
type Digest struct {
	Hash     [32]byte
	LoKey    string
	HiKey    string
	Children []Digest
	Leaf     *kvmodel.StorageEntry
}

// BuildTree sorts entries by (key, timestamp_ms, node_id, seq) and
// builds the Merkle tree bottom-up. An empty entries slice yields a
// single empty-hash leaf.
func BuildTree(entries []kvmodel.StorageEntry) Digest {
	sorted := make([]kvmodel.StorageEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Triple().Less(sorted[j].Triple())
	})

	if len(sorted) == 0 {
		return Digest{Hash: sha256.Sum256(nil)}
	}

	leaves := make([]Digest, len(sorted))
	for i, e := range sorted {
		entry := e
		leaves[i] = leafDigest(entry)
	}
	return reduce(leaves)
}

func leafDigest(e kvmodel.StorageEntry) Digest {
	encoded, err := codec.Encode(e.ToEvent())
	h := sha256.Sum256(encoded)
	if err != nil {
		// Encoding failures can't occur for entries already resident in
		// storage (storage.Put validates on the way in); fall back to a
		// stable hash of the key alone so a single bad entry can't crash
		// the digest loop.
		h = sha256.Sum256([]byte(e.Key))
	}
	return Digest{Hash: h, LoKey: e.Key, HiKey: e.Key, Leaf: &e}
}

// reduce groups digests into fanout-sized groups recursively until a
// single root remains.
func reduce(level []Digest) Digest {
	if len(level) == 1 {
		return level[0]
	}
	var next []Digest
	for i := 0; i < len(level); i += fanout {
		end := i + fanout
		if end > len(level) {
			end = len(level)
		}
		group := level[i:end]
		next = append(next, groupDigest(group))
	}
	return reduce(next)
}

func groupDigest(group []Digest) Digest {
	h := sha256.New()
	for _, g := range group {
		h.Write(g.Hash[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	children := make([]Digest, len(group))
	copy(children, group)
	return Digest{
		Hash:     sum,
		LoKey:    group[0].LoKey,
		HiKey:    group[len(group)-1].HiKey,
		Children: children,
	}
}

// Diverge walks a and b in lockstep and collects the leaf entries
// present under any subtree whose hash disagrees — the minimal set that
// must be re-exchanged to converge. A nil child on either side is
// treated as fully divergent (its whole subtree is collected).
func Diverge(a, b Digest) []kvmodel.StorageEntry {
	if a.Hash == b.Hash {
		return nil
	}
	if a.Leaf != nil || b.Leaf != nil || len(a.Children) == 0 || len(b.Children) == 0 {
		var out []kvmodel.StorageEntry
		if a.Leaf != nil {
			out = append(out, *a.Leaf)
		}
		if b.Leaf != nil {
			out = append(out, *b.Leaf)
		}
		out = append(out, collectLeaves(a.Children)...)
		out = append(out, collectLeaves(b.Children)...)
		return out
	}

	var out []kvmodel.StorageEntry
	max := len(a.Children)
	if len(b.Children) > max {
		max = len(b.Children)
	}
	for i := 0; i < max; i++ {
		switch {
		case i >= len(a.Children):
			out = append(out, collectLeaves([]Digest{b.Children[i]})...)
		case i >= len(b.Children):
			out = append(out, collectLeaves([]Digest{a.Children[i]})...)
		default:
			out = append(out, Diverge(a.Children[i], b.Children[i])...)
		}
	}
	return out
}

func collectLeaves(nodes []Digest) []kvmodel.StorageEntry {
	var out []kvmodel.StorageEntry
	for _, n := range nodes {
		if n.Leaf != nil {
			out = append(out, *n.Leaf)
			continue
		}
		out = append(out, collectLeaves(n.Children)...)
	}
	return out
}
