package replication

import (
	"context"
	"testing"

	"github.com/meshkv/core/pkg/codec"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/storage"
)

func strp(s string) *string { return &s }

func TestEmitLocal_PublishesEncodedEvent(t *testing.T) {
	store := storage.New()
	var published []byte
	p := New(store, func(ctx context.Context, encoded []byte) error {
		published = encoded
		return nil
	}, Options{})

	entry := kvmodel.StorageEntry{Key: "k", Value: strp("v"), TimestampMS: 100, NodeID: "n", Seq: 1}
	if err := p.EmitLocal(context.Background(), entry); err != nil {
		t.Fatalf("EmitLocal: %v", err)
	}
	decoded, err := codec.Decode(published)
	if err != nil {
		t.Fatalf("decode published bytes: %v", err)
	}
	if decoded.Key != "k" || *decoded.Value != "v" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestApplyInbound_AppliesValidEvent(t *testing.T) {
	store := storage.New()
	p := New(store, nil, Options{})

	encoded, err := codec.Encode(kvmodel.ReplicationEvent{Key: "k", Value: strp("v"), NodeID: "n", Seq: 1, TimestampMS: 100})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p.ApplyInbound(context.Background(), encoded)

	got, ok := store.Get("k")
	if !ok || *got.Value != "v" {
		t.Fatalf("expected inbound event applied to storage, got %+v ok=%v", got, ok)
	}
}

func TestApplyInbound_DropsMalformedBytesWithoutPanicking(t *testing.T) {
	store := storage.New()
	p := New(store, nil, Options{})
	p.ApplyInbound(context.Background(), []byte{0xff, 0xff, 0xff})
	if store.Len() != 0 {
		t.Fatalf("expected no state change from malformed input")
	}
}

func TestApplyInbound_DedupDropsRepeatedSeq(t *testing.T) {
	store := storage.New()
	p := New(store, nil, Options{})

	encoded, _ := codec.Encode(kvmodel.ReplicationEvent{Key: "k", Value: strp("v1"), NodeID: "n", Seq: 1, TimestampMS: 100})
	p.ApplyInbound(context.Background(), encoded)

	replay, _ := codec.Encode(kvmodel.ReplicationEvent{Key: "k", Value: strp("v2"), NodeID: "n", Seq: 1, TimestampMS: 999})
	p.ApplyInbound(context.Background(), replay)

	got, _ := store.Get("k")
	if *got.Value != "v1" {
		t.Fatalf("expected dedup to drop replayed seq, got %s", *got.Value)
	}
}

func TestApplyInbound_NeverRePublishes(t *testing.T) {
	store := storage.New()
	calls := 0
	p := New(store, func(ctx context.Context, encoded []byte) error {
		calls++
		return nil
	}, Options{})

	encoded, _ := codec.Encode(kvmodel.ReplicationEvent{Key: "k", Value: strp("v"), NodeID: "n", Seq: 1, TimestampMS: 100})
	p.ApplyInbound(context.Background(), encoded)
	if calls != 0 {
		t.Fatalf("expected ApplyInbound to never call publish, got %d calls", calls)
	}
}
