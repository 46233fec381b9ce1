package command

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/idempotency"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/storage"
)

func fixedClock(ms int64) Clock {
	return func() int64 { return ms }
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(storage.New(), "node-1", fixedClock(1000), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestSetThenGet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	resp := e.Execute(ctx, kvmodel.Command{ID: "1", Op: kvmodel.OpSet, Key: "k", Value: "v"})
	if resp.Status != kvmodel.StatusOK {
		t.Fatalf("SET failed: %+v", resp)
	}
	resp = e.Execute(ctx, kvmodel.Command{ID: "2", Op: kvmodel.OpGet, Key: "k"})
	if resp.Status != kvmodel.StatusOK || resp.Value != "v" {
		t.Fatalf("GET mismatch: %+v", resp)
	}
}

func TestGet_NotFound(t *testing.T) {
	e := newTestEngine(t)
	resp := e.Execute(context.Background(), kvmodel.Command{ID: "1", Op: kvmodel.OpGet, Key: "missing"})
	if resp.Status != kvmodel.StatusError || resp.ErrorCode != string(kverrors.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}
}

// Idempotent replay.
func TestExecute_IdempotentReplay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	first := e.Execute(ctx, kvmodel.Command{ID: "req-1", Op: kvmodel.OpSet, Key: "k", Value: "v1"})
	replay := e.Execute(ctx, kvmodel.Command{ID: "req-1", Op: kvmodel.OpSet, Key: "k", Value: "v2"})
	if !reflect.DeepEqual(replay, first) {
		t.Fatalf("expected identical cached response, got %+v vs %+v", first, replay)
	}
	// underlying storage must not reflect the replayed v2
	got := e.Execute(ctx, kvmodel.Command{ID: "", Op: kvmodel.OpGet, Key: "k"})
	if got.Value != "v1" {
		t.Fatalf("expected storage to retain v1 (no second mutation), got %s", got.Value)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	r1 := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpDelete, Key: "k"})
	r2 := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpDelete, Key: "k"})
	if r1.Status != kvmodel.StatusOK || r2.Status != kvmodel.StatusOK {
		t.Fatalf("expected OK both times, got %+v %+v", r1, r2)
	}
}

func TestIncr_MissingKeyTreatedAsZero(t *testing.T) {
	e := newTestEngine(t)
	resp := e.Execute(context.Background(), kvmodel.Command{Op: kvmodel.OpIncr, Key: "counter"})
	if resp.Status != kvmodel.StatusOK || resp.Value != "1" {
		t.Fatalf("expected INCR on missing key to yield 1, got %+v", resp)
	}
}

func TestIncr_NonIntegerFails(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpSet, Key: "k", Value: "not-a-number"})
	resp := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpIncr, Key: "k"})
	if resp.Status != kvmodel.StatusError || resp.ErrorCode != string(kverrors.InvalidType) {
		t.Fatalf("expected INVALID_TYPE, got %+v", resp)
	}
}

func TestIncr_Overflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpSet, Key: "k", Value: "9223372036854775807"})
	resp := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpIncr, Key: "k"})
	if resp.Status != kvmodel.StatusError || resp.ErrorCode != string(kverrors.RangeOverflow) {
		t.Fatalf("expected RANGE_OVERFLOW, got %+v", resp)
	}
}

func TestDecr_Default(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpSet, Key: "k", Value: "10"})
	resp := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpDecr, Key: "k"})
	if resp.Value != "9" {
		t.Fatalf("expected DECR default 1 to yield 9, got %s", resp.Value)
	}
}

func TestAppendPrepend_CreateIfMissing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	resp := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpAppend, Key: "k", Value: "world"})
	if resp.Status != kvmodel.StatusOK {
		t.Fatalf("append on missing key failed: %+v", resp)
	}
	got := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpGet, Key: "k"})
	if got.Value != "world" {
		t.Fatalf("expected 'world', got %s", got.Value)
	}
	e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpPrepend, Key: "k", Value: "hello "})
	got = e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpGet, Key: "k"})
	if got.Value != "hello world" {
		t.Fatalf("expected 'hello world', got %s", got.Value)
	}
}

func TestMGet_MSet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	resp := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpMSet, Pairs: map[string]string{"a": "1", "b": "2"}})
	if resp.Status != kvmodel.StatusOK {
		t.Fatalf("mset failed: %+v", resp)
	}
	resp = e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpMGet, Keys: []string{"a", "b", "missing"}})
	if resp.Status != kvmodel.StatusOK {
		t.Fatalf("mget failed: %+v", resp)
	}
	if resp.Results["a"] != "1" || resp.Results["b"] != "2" {
		t.Fatalf("unexpected mget results: %+v", resp.Results)
	}
	if _, ok := resp.Results["missing"]; ok {
		t.Fatalf("did not expect 'missing' in results")
	}
}

func TestMGet_TooManyKeysRejected(t *testing.T) {
	e := newTestEngine(t)
	keys := make([]string, kvmodel.MaxMGetKeys+1)
	for i := range keys {
		keys[i] = "k"
	}
	resp := e.Execute(context.Background(), kvmodel.Command{Op: kvmodel.OpMGet, Keys: keys})
	if resp.Status != kvmodel.StatusError || resp.ErrorCode != string(kverrors.PayloadTooLarge) {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %+v", resp)
	}
}

func TestExecute_EmptyIDBypassesCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpSet, Key: "k", Value: "v1"})
	e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpSet, Key: "k", Value: "v2"})
	got := e.Execute(ctx, kvmodel.Command{Op: kvmodel.OpGet, Key: "k"})
	if got.Value != "v2" {
		t.Fatalf("expected second SET (no id) to re-execute, got %s", got.Value)
	}
}

func TestNew_RejectsInvalidNodeID(t *testing.T) {
	if _, err := New(storage.New(), "", fixedClock(0), Options{}); err == nil {
		t.Fatalf("expected error for empty node_id")
	}
}

func TestExecute_RejectsOversizedEncodedCommand(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	pairs := map[string]string{}
	for i := 0; len(pairs) < 4; i++ {
		pairs[strings.Repeat("k", 4)+string(rune('a'+i))] = strings.Repeat("v", 131100)
	}
	cmd := kvmodel.Command{ID: "bulk", Op: kvmodel.OpMSet, Pairs: pairs}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(encoded) <= 524288 {
		t.Fatalf("test fixture assumption broken: want >524288 bytes, got %d", len(encoded))
	}

	resp := e.Execute(ctx, cmd)
	if resp.Status != kvmodel.StatusError {
		t.Fatalf("expected an oversized command to be rejected, got %+v", resp)
	}
	if kverrors.Code(resp.ErrorCode) != kverrors.PayloadTooLarge {
		t.Fatalf("expected PayloadTooLarge, got %s", resp.ErrorCode)
	}
}

func TestNew_UsesProvidedCache(t *testing.T) {
	cache := idempotency.NewCache(0, 0)
	e, err := New(storage.New(), "n", fixedClock(0), Options{IdempotencyCache: cache})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.cache != cache {
		t.Fatalf("expected engine to use the provided cache instance")
	}
}
