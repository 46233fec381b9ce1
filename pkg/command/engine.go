// Package command implements the command engine: parses/dispatches
// GET/SET/DELETE/INCR/DECR/APPEND/PREPEND/MGET/MSET against the storage
// engine, enforcing size caps, idempotency, and per-command deadlines.
// It uses constructor injection for the write clock (a Clock function
// rather than calling time.Now() directly) so tests can supply
// deterministic clocks.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/idempotency"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/storage"
	"github.com/meshkv/core/pkg/validate"
)

// Clock supplies the wall-clock milliseconds used to stamp local
// writes. Tests inject a fixed or stepped clock; production uses
// time.Now().UnixMilli.
type Clock func() int64

// Publisher hands a committed local write to the replication pipeline
// for outbound propagation. The engine depends on a callback here, not
// the adapter directly, to avoid a import cycle between the two.
type Publisher func(ctx context.Context, entry kvmodel.StorageEntry)

// Engine dispatches Command values against a storage.Engine, assigning
// each accepted local write the next (node_id, seq) from its own
// monotonic counter.
type Engine struct {
	store     *storage.Engine
	nodeID    string
	seq       uint64 // atomic; next value to assign is seq+1
	clock     Clock
	cache     *idempotency.Cache
	publish   Publisher
	commandMS func() int64
}

// Options configures an Engine beyond its required store/nodeID/clock.
type Options struct {
	IdempotencyCache *idempotency.Cache
	Publisher        Publisher
}

// New builds a command Engine bound to store, identified as nodeID,
// using clock for write timestamps.
func New(store *storage.Engine, nodeID string, clock Clock, opts Options) (*Engine, error) {
	if err := validate.NodeID(nodeID); err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, kverrors.New(kverrors.InvalidRequest, "clock is required")
	}
	cache := opts.IdempotencyCache
	if cache == nil {
		cache = idempotency.NewCache(0, 0)
	}
	publish := opts.Publisher
	if publish == nil {
		publish = func(context.Context, kvmodel.StorageEntry) {}
	}
	return &Engine{store: store, nodeID: nodeID, clock: clock, cache: cache, publish: publish}, nil
}

func (e *Engine) nextSeq() uint64 {
	return atomic.AddUint64(&e.seq, 1)
}

// Execute dispatches cmd, short-circuiting via the idempotency cache
// when cmd.ID is non-empty and already cached.
func (e *Engine) Execute(ctx context.Context, cmd kvmodel.Command) kvmodel.Response {
	if encoded, err := json.Marshal(cmd); err == nil {
		if err := validate.BulkPayload(encoded); err != nil {
			return errorResponse(cmd.ID, err)
		}
	}

	if cmd.ID != "" {
		if idKey, err := idempotency.BuildKey(e.nodeID, cmd.ID); err == nil {
			if cached, ok := e.cache.Get(idKey, nowTime(e.clock)); ok {
				return cached.(kvmodel.Response)
			}
		}
	}

	resp := e.dispatch(ctx, cmd)

	if cmd.ID != "" {
		if idKey, err := idempotency.BuildKey(e.nodeID, cmd.ID); err == nil {
			e.cache.Put(idKey, resp, nowTime(e.clock))
		}
	}
	return resp
}

func (e *Engine) dispatch(ctx context.Context, cmd kvmodel.Command) kvmodel.Response {
	select {
	case <-ctx.Done():
		return errorResponse(cmd.ID, kverrors.New(kverrors.Timeout, "deadline elapsed before dispatch"))
	default:
	}

	switch cmd.Op {
	case kvmodel.OpGet:
		return e.get(cmd)
	case kvmodel.OpSet:
		return e.set(ctx, cmd)
	case kvmodel.OpDelete:
		return e.delete(ctx, cmd)
	case kvmodel.OpIncr:
		return e.incrDecr(ctx, cmd, 1)
	case kvmodel.OpDecr:
		return e.incrDecr(ctx, cmd, -1)
	case kvmodel.OpAppend:
		return e.appendPrepend(ctx, cmd, true)
	case kvmodel.OpPrepend:
		return e.appendPrepend(ctx, cmd, false)
	case kvmodel.OpMGet:
		return e.mget(cmd)
	case kvmodel.OpMSet:
		return e.mset(ctx, cmd)
	default:
		return errorResponse(cmd.ID, kverrors.New(kverrors.InvalidRequest, "unknown op: "+string(cmd.Op)))
	}
}

func (e *Engine) get(cmd kvmodel.Command) kvmodel.Response {
	if err := validate.Key(cmd.Key); err != nil {
		return errorResponse(cmd.ID, err)
	}
	entry, ok := e.store.Get(cmd.Key)
	if !ok {
		return errorResponse(cmd.ID, kverrors.New(kverrors.NotFound, "key not found: "+cmd.Key))
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK, Value: *entry.Value}
}

func (e *Engine) applyLocal(ctx context.Context, key string, value *string, tombstone bool) (kvmodel.StorageEntry, error) {
	cand := kvmodel.StorageEntry{
		Key:         key,
		Value:       value,
		TimestampMS: e.clock(),
		NodeID:      e.nodeID,
		Seq:         e.nextSeq(),
		Tombstone:   tombstone,
	}
	if _, err := e.store.Put(cand); err != nil {
		return kvmodel.StorageEntry{}, err
	}
	e.publish(ctx, cand)
	return cand, nil
}

func (e *Engine) set(ctx context.Context, cmd kvmodel.Command) kvmodel.Response {
	if err := validate.Key(cmd.Key); err != nil {
		return errorResponse(cmd.ID, err)
	}
	if err := validate.Value(cmd.Value); err != nil {
		return errorResponse(cmd.ID, err)
	}
	v := cmd.Value
	if _, err := e.applyLocal(ctx, cmd.Key, &v, false); err != nil {
		return errorResponse(cmd.ID, err)
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK}
}

func (e *Engine) delete(ctx context.Context, cmd kvmodel.Command) kvmodel.Response {
	if err := validate.Key(cmd.Key); err != nil {
		return errorResponse(cmd.ID, err)
	}
	if _, err := e.applyLocal(ctx, cmd.Key, nil, true); err != nil {
		return errorResponse(cmd.ID, err)
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK}
}

func (e *Engine) incrDecr(ctx context.Context, cmd kvmodel.Command, sign int64) kvmodel.Response {
	if err := validate.Key(cmd.Key); err != nil {
		return errorResponse(cmd.ID, err)
	}
	amount := int64(1)
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	amount *= sign

	var current int64
	if entry, ok := e.store.Get(cmd.Key); ok {
		parsed, err := strconv.ParseInt(*entry.Value, 10, 64)
		if err != nil {
			return errorResponse(cmd.ID, kverrors.New(kverrors.InvalidType, "stored value is not an integer"))
		}
		current = parsed
	}

	next, overflow := addOverflow(current, amount)
	if overflow {
		return errorResponse(cmd.ID, kverrors.New(kverrors.RangeOverflow, "int64 range exceeded"))
	}

	nv := strconv.FormatInt(next, 10)
	if _, err := e.applyLocal(ctx, cmd.Key, &nv, false); err != nil {
		return errorResponse(cmd.ID, err)
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK, Value: nv}
}

func addOverflow(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, true
	}
	if sum == math.MinInt64 && a < 0 && b < 0 {
		return 0, true
	}
	return sum, false
}

func (e *Engine) appendPrepend(ctx context.Context, cmd kvmodel.Command, append_ bool) kvmodel.Response {
	if err := validate.Key(cmd.Key); err != nil {
		return errorResponse(cmd.ID, err)
	}
	var current string
	if entry, ok := e.store.Get(cmd.Key); ok {
		current = *entry.Value
	}
	var result string
	if append_ {
		result = current + cmd.Value
	} else {
		result = cmd.Value + current
	}
	if err := validate.Value(result); err != nil {
		return errorResponse(cmd.ID, err)
	}
	if _, err := e.applyLocal(ctx, cmd.Key, &result, false); err != nil {
		return errorResponse(cmd.ID, err)
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK}
}

func (e *Engine) mget(cmd kvmodel.Command) kvmodel.Response {
	if len(cmd.Keys) > kvmodel.MaxMGetKeys {
		return errorResponse(cmd.ID, kverrors.New(kverrors.PayloadTooLarge,
			fmt.Sprintf("mget key count %d exceeds maximum allowed (%d)", len(cmd.Keys), kvmodel.MaxMGetKeys)))
	}
	for _, k := range cmd.Keys {
		if err := validate.Key(k); err != nil {
			return errorResponse(cmd.ID, err)
		}
	}
	results := make(map[string]string, len(cmd.Keys))
	for _, k := range cmd.Keys {
		if entry, ok := e.store.Get(k); ok {
			results[k] = *entry.Value
		}
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK, Results: results}
}

func (e *Engine) mset(ctx context.Context, cmd kvmodel.Command) kvmodel.Response {
	if len(cmd.Pairs) > kvmodel.MaxMSetPairs {
		return errorResponse(cmd.ID, kverrors.New(kverrors.PayloadTooLarge,
			fmt.Sprintf("mset pair count %d exceeds maximum allowed (%d)", len(cmd.Pairs), kvmodel.MaxMSetPairs)))
	}
	for k, v := range cmd.Pairs {
		if err := validate.Key(k); err != nil {
			return errorResponse(cmd.ID, err)
		}
		if err := validate.Value(v); err != nil {
			return errorResponse(cmd.ID, err)
		}
	}
	// "atomic: all or none applied locally" — validation above already
	// guarantees every pair is acceptable, so the apply loop below can't
	// partially fail; no rollback path is needed.
	for k, v := range cmd.Pairs {
		vv := v
		if _, err := e.applyLocal(ctx, k, &vv, false); err != nil {
			return errorResponse(cmd.ID, err)
		}
	}
	return kvmodel.Response{ID: cmd.ID, Status: kvmodel.StatusOK}
}

func errorResponse(id string, err error) kvmodel.Response {
	code := kverrors.CodeOf(err)
	return kvmodel.Response{ID: id, Status: kvmodel.StatusError, Error: err.Error(), ErrorCode: string(code)}
}

func nowTime(clock Clock) time.Time {
	return time.UnixMilli(clock())
}
