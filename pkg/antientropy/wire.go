package antientropy

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/meshkv/core/pkg/kvmodel"
)

// wireDigest is the CBOR wire projection of Digest: a plain byte slice
// for the hash (Digest's [32]byte doesn't round-trip through cbor as
// cleanly as a slice) and the same recursive shape otherwise.
type wireDigest struct {
	Hash     []byte              `cbor:"hash"`
	LoKey    string              `cbor:"lo_key"`
	HiKey    string              `cbor:"hi_key"`
	Children []wireDigest        `cbor:"children,omitempty"`
	Leaf     *kvmodel.StorageEntry `cbor:"leaf,omitempty"`
}

func toWire(d Digest) wireDigest {
	w := wireDigest{Hash: append([]byte(nil), d.Hash[:]...), LoKey: d.LoKey, HiKey: d.HiKey, Leaf: d.Leaf}
	for _, c := range d.Children {
		w.Children = append(w.Children, toWire(c))
	}
	return w
}

func fromWire(w wireDigest) Digest {
	d := Digest{LoKey: w.LoKey, HiKey: w.HiKey, Leaf: w.Leaf}
	copy(d.Hash[:], w.Hash)
	for _, c := range w.Children {
		d.Children = append(d.Children, fromWire(c))
	}
	return d
}

// EncodeDigest serializes a Digest tree for publication on the
// replication topic as a digest frame.
func EncodeDigest(d Digest) ([]byte, error) {
	return cbor.Marshal(toWire(d))
}

// DecodeDigest deserializes a Digest tree received from a peer.
func DecodeDigest(b []byte) (Digest, error) {
	var w wireDigest
	if err := cbor.Unmarshal(b, &w); err != nil {
		return Digest{}, err
	}
	return fromWire(w), nil
}
