// Package client assembles the storage engine, command engine,
// replication pipeline, MQTT adapter and anti-entropy loop into one
// runnable node, and exposes an admin HTTP surface over it.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshkv/core/pkg/antientropy"
	"github.com/meshkv/core/pkg/command"
	"github.com/meshkv/core/pkg/config"
	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/idempotency"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/mqttadapter"
	"github.com/meshkv/core/pkg/replication"
	"github.com/meshkv/core/pkg/storage"
	"github.com/meshkv/core/pkg/storage/pqstore"
	"github.com/meshkv/core/pkg/storage/sqlitestore"
	"github.com/meshkv/core/pkg/telemetry"
	"github.com/meshkv/core/pkg/topics"
)

// snapshotSaveInterval bounds how often a persistence-enabled node
// flushes the full map to its backend; the command and replication
// paths hold the bare storage.Engine directly, so durability is
// achieved by periodic snapshot rather than per-write interception.
const snapshotSaveInterval = 10 * time.Second

// tombstoneGCInterval bounds how often a node sweeps tombstones older
// than cfg.TombstoneRetention(); independent of that retention window
// so a short retention still gets swept promptly.
const tombstoneGCInterval = time.Minute

// Options wires in collaborators the node doesn't construct itself.
// Nil fields take production defaults: a real clock, a Prometheus
// meter, and a plain stderr-ish logger.
type Options struct {
	Clock    command.Clock
	Meter    telemetry.Meter
	Logger   *telemetry.Logger
	Registry *prometheus.Registry
}

// Node is one running meshkv replica: storage, command dispatch,
// replication, MQTT transport and anti-entropy, wired together and
// observable through an admin HTTP server.
type Node struct {
	cfg    config.Config
	store  *storage.Engine
	backend storage.Backend

	commands *command.Engine
	pipeline *replication.Pipeline
	adapter  *mqttadapter.Adapter
	entropy  *antientropy.Loop
	authz    *topics.Authorizer

	meter  telemetry.Meter
	logger *telemetry.Logger
	events *broadcaster
	clock  command.Clock

	cancelSnapshot context.CancelFunc
	cancelGC       context.CancelFunc
}

// New builds a Node from cfg without dialing the broker or opening any
// backend connection; call Start to bring it up.
func New(cfg config.Config, opts Options) (*Node, error) {
	meter := opts.Meter
	if meter == nil {
		meter = telemetry.NewPromMeter(registryOrDefault(opts.Registry))
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewDefaultLogger(nil, "meshkvd")
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}

	store := storage.New()

	var backend storage.Backend
	if cfg.PersistenceEnabled {
		b, err := openBackend(cfg)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	own := topics.Canonical{Prefix: cfg.TopicRoot, ClientID: cfg.ClientID}
	events := newBroadcaster()

	n := &Node{cfg: cfg, store: store, backend: backend, meter: meter, logger: logger, events: events, clock: clock}

	n.pipeline = replication.New(store, n.publishReplicationEvent, replication.Options{Meter: meter, Logger: logger})

	cmdEngine, err := command.New(store, cfg.NodeID, clock, command.Options{
		IdempotencyCache: idempotency.NewCache(cfg.IdempotencyTTL(), 0),
		Publisher:        n.publishLocalWrite,
	})
	if err != nil {
		return nil, err
	}
	n.commands = cmdEngine

	n.authz = topics.New(own, topics.Permissions{
		CanPublishReplication:   cfg.ReplicationCanPublishEvents,
		CanSubscribeReplication: cfg.ReplicationCanSubscribeEvents,
	}, meter)

	n.entropy = antientropy.New(store, n.pipeline, n.publishDigest, antientropy.Options{
		Interval: cfg.AntiEntropyInterval(),
		NodeID:   cfg.NodeID,
		Meter:    meter,
		Logger:   logger,
		Notify:   n.events.publishConvergence,
	})

	adapter, err := mqttadapter.New(mqttadapter.Config{
		Host:            cfg.MQTTHost,
		Port:            cfg.MQTTPort,
		UseTLS:          cfg.UseTLS,
		ClientID:        cfg.ClientID,
		Username:        cfg.Username,
		Password:        cfg.Password,
		KeepAlive:       cfg.KeepAlive(),
		ConnectTimeout:  cfg.ConnectionTimeout(),
		Own:             own,
		PublishQueueCap: cfg.PublishQueueCapacity,
		CommandTimeout:  cfg.CommandTimeout(),
	}, mqttadapter.Options{
		Authorizer:    n.authz,
		Meter:         meter,
		Logger:        logger,
		OnCommand:     n.commands.Execute,
		OnReplication: n.pipeline.ApplyInbound,
		OnDigest:      n.entropy.ReceiveDigest,
	})
	if err != nil {
		return nil, err
	}
	n.adapter = adapter

	return n, nil
}

func registryOrDefault(reg *prometheus.Registry) *prometheus.Registry {
	if reg != nil {
		return reg
	}
	return prometheus.NewRegistry()
}

func openBackend(cfg config.Config) (storage.Backend, error) {
	switch cfg.StorageDriver {
	case "postgres":
		return pqstore.Open(cfg.StoragePath)
	case "sqlite3", "":
		return sqlitestore.Open(cfg.StoragePath)
	default:
		return nil, kverrors.New(kverrors.InvalidRequest, "unknown storage_driver: "+cfg.StorageDriver)
	}
}

// publishLocalWrite adapts replication.Pipeline.EmitLocal to the
// command.Publisher signature, which reports nothing back to the
// command engine: a local write is already durable in storage by the
// time this runs, so a propagation failure is logged and left to the
// anti-entropy loop to repair rather than failing the command.
func (n *Node) publishLocalWrite(ctx context.Context, entry kvmodel.StorageEntry) {
	if err := n.pipeline.EmitLocal(ctx, entry); err != nil {
		n.logger.Warn(ctx, "emitting local write for replication failed", map[string]any{"key": entry.Key, "error": err.Error()})
	}
}

func (n *Node) publishReplicationEvent(ctx context.Context, encoded []byte) error {
	return n.adapter.PublishReplicationEvent(ctx, encoded)
}

func (n *Node) publishDigest(ctx context.Context, encoded []byte) error {
	return n.adapter.PublishDigest(ctx, encoded)
}

// Start loads any persisted snapshot, dials the broker, and begins the
// anti-entropy loop, the tombstone garbage collector, and (when
// persistence is enabled) the periodic snapshot saver. It returns once
// the initial connection attempt completes; reconnection continues in
// the background until ctx is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if n.backend != nil {
		if err := n.loadSnapshot(ctx); err != nil {
			return err
		}
		snapCtx, cancel := context.WithCancel(ctx)
		n.cancelSnapshot = cancel
		go n.snapshotLoop(snapCtx)
	}

	gcCtx, cancelGC := context.WithCancel(ctx)
	n.cancelGC = cancelGC
	go n.gcLoop(gcCtx)

	go n.entropy.Run(ctx)
	go n.forwardAdapterState(ctx)

	return n.adapter.Start(ctx)
}

// Stop disconnects from the broker and halts background loops. It does
// not wait for in-flight goroutines started from ctx in Start; cancel
// that ctx for a clean shutdown.
func (n *Node) Stop() {
	n.adapter.Stop()
	if n.cancelSnapshot != nil {
		n.cancelSnapshot()
	}
	if n.cancelGC != nil {
		n.cancelGC()
	}
	if n.backend != nil {
		_ = n.backend.Close()
	}
}

func (n *Node) loadSnapshot(ctx context.Context) error {
	if err := n.backend.EnsureSchema(ctx); err != nil {
		return err
	}
	entries, err := n.backend.LoadAll(ctx)
	if err != nil {
		return err
	}
	n.store.LoadSnapshot(entries)
	return nil
}

func (n *Node) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.backend.SaveAll(ctx, n.store.ScanAll()); err != nil {
				n.logger.Warn(ctx, "periodic snapshot save failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (n *Node) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(tombstoneGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := n.store.GCTombstones(n.clock(), n.cfg.TombstoneRetention().Milliseconds())
			if removed > 0 {
				n.logger.Debug(ctx, "garbage collected tombstones", map[string]any{"removed": removed})
			}
		}
	}
}

func (n *Node) forwardAdapterState(ctx context.Context) {
	ch := n.adapter.Observe(16)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			n.events.publishState(t)
		}
	}
}

// Execute dispatches a command directly against this node's storage,
// bypassing the MQTT transport; used by co-located callers such as
// embedding programs.
func (n *Node) Execute(ctx context.Context, cmd kvmodel.Command) kvmodel.Response {
	return n.commands.Execute(ctx, cmd)
}

// Health reports a snapshot covering storage, the MQTT connection, and
// persistence when a backend is configured.
func (n *Node) Health() (telemetry.HealthSnapshot, error) {
	comps := []telemetry.ComponentStatus{
		{Name: "storage", Status: telemetry.StatusOK, Message: fmt.Sprintf("%d entries", n.store.Len())},
		{Name: "mqtt", Status: mqttHealthStatus(n.adapter.State())},
	}
	if n.backend != nil {
		comps = append(comps, telemetry.ComponentStatus{Name: "persistence", Status: telemetry.StatusOK})
	}
	return telemetry.NewHealthSnapshot(n.cfg.NodeID, comps, time.Time{})
}

func mqttHealthStatus(state mqttadapter.State) telemetry.Status {
	switch state {
	case mqttadapter.StateConnected:
		return telemetry.StatusOK
	case mqttadapter.StateConnecting, mqttadapter.StateReconnecting:
		return telemetry.StatusDegraded
	default:
		return telemetry.StatusFatal
	}
}
