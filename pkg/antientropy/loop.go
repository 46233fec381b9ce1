package antientropy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/meshkv/core/pkg/codec"
	"github.com/meshkv/core/pkg/replication"
	"github.com/meshkv/core/pkg/storage"
	"github.com/meshkv/core/pkg/telemetry"
)

const jitterPct = 20

// Publisher hands an encoded digest to the transport layer for
// publication on the shared replication topic, tagged as a digest frame.
type Publisher func(ctx context.Context, encoded []byte) error

// ConvergenceEvent reports one outcome of a digest round, for callers
// that want to observe convergence progress (the admin state stream).
type ConvergenceEvent struct {
	Outcome string // "published", "converged", "repaired", "error"
	Detail  string
	Keys    int // number of keys touched, for "repaired"
}

// Notifier receives ConvergenceEvent values as the loop produces them.
type Notifier func(ConvergenceEvent)

// Options configures the loop; zero values fall back to documented
// defaults (60s interval, ±20% jitter) and no-op observability.
type Options struct {
	Interval time.Duration
	NodeID   string
	Meter    telemetry.Meter
	Logger   *telemetry.Logger
	Notify   Notifier
}

// Loop is the periodic digest-exchange task.
// It owns no storage state beyond a tick counter: every round it
// recomputes the Merkle tree from the live storage engine, so a
// restart loses no convergence progress.
type Loop struct {
	store    *storage.Engine
	pipeline *replication.Pipeline
	publish  Publisher
	interval time.Duration
	nodeID   string
	meter    telemetry.Meter
	logger   *telemetry.Logger
	notify   Notifier

	tick uint64
}

// New builds a Loop over store, using pipeline to apply and re-emit
// repaired entries and publish to send the local digest.
func New(store *storage.Engine, pipeline *replication.Pipeline, publish Publisher, opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Loop{
		store:    store,
		pipeline: pipeline,
		publish:  publish,
		interval: interval,
		nodeID:   opts.NodeID,
		meter:    opts.Meter,
		logger:   opts.Logger,
		notify:   opts.Notify,
	}
}

func (l *Loop) emit(event ConvergenceEvent) {
	if l.notify != nil {
		l.notify(event)
	}
}

// Run blocks, publishing a digest every jittered interval until ctx is
// cancelled. Each round is independent: a failed publish or decode
// never poisons the next tick: the loop is idempotent and
// self-healing, so a partial failure leaves the replica at worst
// unchanged and the next interval retries.
func (l *Loop) Run(ctx context.Context) {
	for {
		n := atomic.AddUint64(&l.tick, 1)
		delay := deterministicJitter(l.interval, jitterPct, l.nodeID, n)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		l.runOnce(ctx)
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	root := BuildTree(l.store.ScanAll())
	encoded, err := EncodeDigest(root)
	if err != nil {
		l.count(ctx, "anti_entropy_errors_total", "encode")
		l.emit(ConvergenceEvent{Outcome: "error", Detail: err.Error()})
		return
	}
	if l.publish == nil {
		return
	}
	if err := l.publish(ctx, encoded); err != nil {
		l.count(ctx, "anti_entropy_errors_total", "publish")
		l.emit(ConvergenceEvent{Outcome: "error", Detail: err.Error()})
		return
	}
	l.count(ctx, "anti_entropy_digests_published_total", "")
	l.emit(ConvergenceEvent{Outcome: "published"})
}

// ReceiveDigest handles a peer's digest payload: it locates the
// divergent subtrees against the current local tree, merges in
// whichever side's entries win under LWW, and re-publishes the
// surviving entries so the rest of the mesh converges too.
func (l *Loop) ReceiveDigest(ctx context.Context, payload []byte) {
	peerTree, err := DecodeDigest(payload)
	if err != nil {
		l.count(ctx, "anti_entropy_errors_total", "decode")
		l.emit(ConvergenceEvent{Outcome: "error", Detail: err.Error()})
		return
	}

	localTree := BuildTree(l.store.ScanAll())
	if localTree.Hash == peerTree.Hash {
		l.count(ctx, "anti_entropy_converged_total", "")
		l.emit(ConvergenceEvent{Outcome: "converged"})
		return
	}

	divergent := Diverge(localTree, peerTree)
	touched := make(map[string]struct{}, len(divergent))
	for _, entry := range divergent {
		encoded, err := codec.Encode(entry.ToEvent())
		if err != nil {
			continue
		}
		l.pipeline.ApplyInbound(ctx, encoded)
		touched[entry.Key] = struct{}{}
	}

	for key := range touched {
		resident, ok := l.store.Lookup(key)
		if !ok {
			continue
		}
		_ = l.pipeline.EmitLocal(ctx, resident)
	}
	l.count(ctx, "anti_entropy_repairs_total", "")
	l.emit(ConvergenceEvent{Outcome: "repaired", Keys: len(touched)})
}

func (l *Loop) count(ctx context.Context, name string, outcome string) {
	if l.meter == nil {
		return
	}
	labels := telemetry.Labels{}
	if outcome != "" {
		labels["outcome"] = outcome
	}
	_ = l.meter.IncCounter(ctx, name, 1, labels)
}

