// Package replication implements the apply/emit pipeline that sits
// between the command engine / storage engine and the wire codec:
// outbound, it encodes local writes for publication; inbound, it
// decodes, dedups, and applies peer events. It uses callback injection
// so the MQTT adapter and the storage engine never import one another.
package replication

import (
	"context"

	"github.com/meshkv/core/pkg/codec"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/storage"
	"github.com/meshkv/core/pkg/telemetry"
)

// Publisher hands encoded wire bytes to the transport layer for
// publication on the replication topic.
type Publisher func(ctx context.Context, encoded []byte) error

// Pipeline wires the storage engine to the codec and a Publisher for
// outbound events, and exposes ApplyInbound for the transport layer to
// feed received bytes back in.
type Pipeline struct {
	store   *storage.Engine
	publish Publisher
	meter   telemetry.Meter
	logger  *telemetry.Logger
}

// Options configures optional collaborators; nil fields fall back to
// no-ops so Pipeline is usable without an observability stack wired up.
type Options struct {
	Meter  telemetry.Meter
	Logger *telemetry.Logger
}

// New builds a Pipeline over store, publishing outbound events via publish.
func New(store *storage.Engine, publish Publisher, opts Options) *Pipeline {
	return &Pipeline{store: store, publish: publish, meter: opts.Meter, logger: opts.Logger}
}

// EmitLocal encodes entry and publishes it on the replication topic.
// Called by the command engine's Publisher callback after every local
// write that alters state, exactly one ReplicationEvent per write.
func (p *Pipeline) EmitLocal(ctx context.Context, entry kvmodel.StorageEntry) error {
	encoded, err := codec.Encode(entry.ToEvent())
	if err != nil {
		p.observeFailure(ctx, "encode")
		return err
	}
	if err := p.publish(ctx, encoded); err != nil {
		p.observeFailure(ctx, "publish")
		return err
	}
	p.observeSuccess(ctx, "emit")
	return nil
}

// ApplyInbound decodes and applies a received wire payload: decoder
// faults are logged and the event dropped, never propagated as a fatal
// error, so a single malformed peer message can't kill the replication
// loop.
func (p *Pipeline) ApplyInbound(ctx context.Context, raw []byte) {
	event, err := codec.Decode(raw)
	if err != nil {
		p.logDrop(ctx, "decode_failed", err)
		p.observeFailure(ctx, "decode")
		return
	}

	entry := event.ToEntry()
	if p.store.Seen(entry.NodeID, entry.Seq) {
		p.observeSuccess(ctx, "dedup_drop")
		return
	}

	applied, err := p.store.Put(entry)
	if err != nil {
		p.logDrop(ctx, "apply_failed", err)
		p.observeFailure(ctx, "apply")
		return
	}
	if applied {
		p.observeSuccess(ctx, "applied")
	} else {
		p.observeSuccess(ctx, "lww_superseded")
	}
	// No outbound event in response: applying an inbound write never
	// re-emits, avoiding publish cycles.
}

func (p *Pipeline) observeSuccess(ctx context.Context, outcome string) {
	if p.meter != nil {
		_ = p.meter.IncCounter(ctx, "replication_events_total", 1, telemetry.Labels{"outcome": outcome})
	}
}

func (p *Pipeline) observeFailure(ctx context.Context, stage string) {
	if p.meter != nil {
		_ = p.meter.IncCounter(ctx, "replication_errors_total", 1, telemetry.Labels{"stage": stage})
	}
}

func (p *Pipeline) logDrop(ctx context.Context, reason string, err error) {
	if p.logger != nil {
		p.logger.Warn(ctx, "replication: dropping inbound event", map[string]any{"reason": reason, "error": err.Error()})
	}
}
