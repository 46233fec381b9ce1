package mqttadapter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/queue"
	"github.com/meshkv/core/pkg/telemetry"
	"github.com/meshkv/core/pkg/topics"
)

const requiredQoS byte = 1

// Anti-entropy digests share the replication topic with ordinary
// replication events; this leading byte tells a subscriber which
// decoder to hand the remainder of the payload to.
const (
	replicationEventTag  byte = 0x01
	replicationDigestTag byte = 0x02
)

// CommandHandler processes a command received on the adapter's own
// command topic and returns the response to publish back.
type CommandHandler func(ctx context.Context, cmd kvmodel.Command) kvmodel.Response

// ReplicationHandler receives the decoded-frame payload of a
// replication event published on the replication topic; the adapter
// strips the framing tag but never inspects the payload itself.
type ReplicationHandler func(ctx context.Context, payload []byte)

// DigestHandler receives the decoded-frame payload of an anti-entropy
// digest published on the replication topic; the adapter strips the
// framing tag but never inspects the payload itself.
type DigestHandler func(ctx context.Context, payload []byte)

// Config holds everything needed to dial and authenticate a broker
// connection.
type Config struct {
	Host               string
	Port               int
	UseTLS             bool
	TLSConfig          *tls.Config
	ClientID           string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	Own                topics.Canonical
	PublishQueueCap    int
	CommandTimeout     time.Duration
}

// Options wires the adapter's optional collaborators.
type Options struct {
	Authorizer    *topics.Authorizer
	Meter         telemetry.Meter
	Logger        *telemetry.Logger
	OnCommand     CommandHandler
	OnReplication ReplicationHandler
	OnDigest      DigestHandler
}

// Adapter is the single owner of one MQTT session: publishes and
// subscribes funnel through it.
type Adapter struct {
	cfg  Config
	auth *topics.Authorizer
	meter telemetry.Meter
	logger *telemetry.Logger

	onCommand     CommandHandler
	onReplication ReplicationHandler
	onDigest      DigestHandler

	sm       *stateMachine
	outbound *queue.Queue

	mu      sync.Mutex
	client  mqtt.Client
	waiters map[string]chan kvmodel.Response
	attempt int
	stopped bool
}

// New validates cfg (credentials require TLS) and builds an Adapter.
// It does not dial; call Start for that.
func New(cfg Config, opts Options) (*Adapter, error) {
	if (cfg.Username != "" || cfg.Password != "") && !cfg.UseTLS {
		return nil, kverrors.New(kverrors.InvalidRequest, "credentials configured without TLS")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	qcap := cfg.PublishQueueCap
	if qcap <= 0 {
		qcap = 1024
	}
	return &Adapter{
		cfg:           cfg,
		auth:          opts.Authorizer,
		meter:         opts.Meter,
		logger:        opts.Logger,
		onCommand:     opts.OnCommand,
		onReplication: opts.OnReplication,
		onDigest:      opts.OnDigest,
		sm:            newStateMachine(),
		outbound:      queue.New(qcap),
		waiters:       make(map[string]chan kvmodel.Response),
	}, nil
}

// State reports the adapter's current connection state.
func (a *Adapter) State() State { return a.sm.Current() }

// Observe returns a channel of state transitions.
func (a *Adapter) Observe(buffer int) <-chan Transition { return a.sm.Observe(buffer) }

// Start dials the broker, subscribes to the canonical topics, and
// drains any queued publishes. On connection loss it reconnects with
// jittered exponential backoff until ctx is cancelled or Stop is called.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	go a.drainLoop(ctx)
	return nil
}

// Stop disconnects gracefully, suppressing the Last Will message: the
// MQTT session is cleaned up with LWT suppressed on a graceful
// disconnect.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.stopped = true
	client := a.client
	a.mu.Unlock()

	a.sm.transition(StateDisconnecting, "stop_requested")
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	a.outbound.Close()
	a.sm.transition(StateDisconnected, "stopped")
}

func (a *Adapter) brokerURL() string {
	scheme := "tcp"
	if a.cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, a.cfg.Host, a.cfg.Port)
}

func (a *Adapter) willTopic() string { return a.cfg.Own.Response() }

func (a *Adapter) willPayload() []byte {
	b, _ := json.Marshal(kvmodel.Response{ID: "", Status: kvmodel.StatusError, Error: "node offline", ErrorCode: string(kverrors.Disconnected)})
	return b
}

func (a *Adapter) connect(ctx context.Context) error {
	a.sm.transition(StateConnecting, "dial")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(a.brokerURL())
	opts.SetClientID(a.cfg.ClientID)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	opts.SetKeepAlive(a.cfg.KeepAlive)
	opts.SetConnectTimeout(a.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false) // the adapter drives its own backoff loop
	opts.SetWill(a.willTopic(), string(a.willPayload()), requiredQoS, false)
	if a.cfg.TLSConfig != nil {
		opts.SetTLSConfig(a.cfg.TLSConfig)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.handleConnectionLost(ctx, err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(a.cfg.ConnectTimeout) {
		a.sm.transition(StateDisconnected, "connect_timeout")
		return kverrors.New(kverrors.Timeout, "mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		a.sm.transition(StateDisconnected, "connect_failed")
		a.count(ctx, "mqtt_connect_total", telemetry.Labels{"outcome": "error"})
		return kverrors.Wrap(kverrors.Disconnected, "mqtt connect failed", err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	if err := a.subscribeAll(client); err != nil {
		client.Disconnect(0)
		a.sm.transition(StateDisconnected, "subscribe_failed")
		a.count(ctx, "mqtt_connect_total", telemetry.Labels{"outcome": "subscribe_failed"})
		return err
	}

	a.count(ctx, "mqtt_connect_total", telemetry.Labels{"outcome": "connected"})
	a.sm.transition(StateConnected, "connected")
	a.mu.Lock()
	a.attempt = 0
	a.mu.Unlock()
	a.drainQueueOnce(ctx)
	return nil
}

// subscribeAll subscribes to the own command, own response, and
// replication topics at QoS-1; any non-nil error aborts the session,
// since a downgraded subscription would silently drop traffic.
func (a *Adapter) subscribeAll(client mqtt.Client) error {
	for _, t := range []string{a.cfg.Own.Command(), a.cfg.Own.Response(), a.cfg.Own.Replication()} {
		if a.auth != nil {
			if err := a.auth.AuthorizeSubscribe(context.Background(), t); err != nil {
				return err
			}
		}
		topic := t
		token := client.Subscribe(topic, requiredQoS, func(_ mqtt.Client, msg mqtt.Message) {
			a.handleMessage(topic, msg.Payload())
		})
		if !token.WaitTimeout(a.cfg.ConnectTimeout) {
			return kverrors.New(kverrors.Timeout, "subscribe timed out: "+topic)
		}
		if err := token.Error(); err != nil {
			return kverrors.Wrap(kverrors.Disconnected, "subscribe failed: "+topic, err)
		}
	}
	return nil
}

func (a *Adapter) handleConnectionLost(ctx context.Context, err error) {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return
	}
	a.logWarn(ctx, "mqtt connection lost", map[string]any{"error": err.Error()})
	a.sm.transition(StateReconnecting, "connection_lost")
	go a.reconnectLoop(ctx)
}

func (a *Adapter) reconnectLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		stopped := a.stopped
		attempt := a.attempt
		a.attempt++
		a.mu.Unlock()
		if stopped {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay(attempt, a.cfg.ClientID)):
		}

		if err := a.connect(ctx); err != nil {
			a.logWarn(ctx, "mqtt reconnect attempt failed", map[string]any{"attempt": attempt, "error": err.Error()})
			a.sm.transition(StateReconnecting, "reconnect_failed")
			continue
		}
		return
	}
}

// drainLoop continuously moves queued outbound envelopes onto the wire
// whenever the adapter is connected.
func (a *Adapter) drainLoop(ctx context.Context) {
	for {
		env, err := a.outbound.Dequeue(ctx)
		if err != nil {
			return
		}
		a.mu.Lock()
		client := a.client
		a.mu.Unlock()
		if client == nil || !client.IsConnected() {
			// Not connected: drop back for the next drain pass rather
			// than spin; reconnect's drainQueueOnce will pick it up.
			_ = a.outbound.Enqueue(env)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		token := client.Publish(env.Topic, env.QoS, env.Retain, env.Payload)
		token.Wait()
		if err := token.Error(); err != nil {
			a.logWarn(ctx, "mqtt publish from queue failed", map[string]any{"topic": env.Topic, "error": err.Error()})
		}
	}
}

func (a *Adapter) drainQueueOnce(ctx context.Context) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	for a.outbound.Len() > 0 {
		env, err := a.outbound.Dequeue(ctx)
		if err != nil {
			return
		}
		token := client.Publish(env.Topic, env.QoS, env.Retain, env.Payload)
		token.Wait()
		if err := token.Error(); err != nil {
			a.logWarn(ctx, "mqtt queue drain publish failed", map[string]any{"topic": env.Topic, "error": err.Error()})
		}
	}
}

// Publish sends payload to topic at QoS-1, retain=false. If the
// connection is down, the publish is enqueued for later drain; a full
// queue fails the call with DISCONNECTED.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte) error {
	if a.auth != nil {
		if err := a.auth.AuthorizePublish(ctx, topic); err != nil {
			return err
		}
	}
	return a.rawPublish(ctx, topic, payload)
}

// PublishReplicationEvent publishes an encoded replication event on
// the shared replication topic, tagged so peers decode it as an event
// rather than a digest.
func (a *Adapter) PublishReplicationEvent(ctx context.Context, payload []byte) error {
	return a.Publish(ctx, a.cfg.Own.Replication(), append([]byte{replicationEventTag}, payload...))
}

// PublishDigest publishes an encoded anti-entropy digest on the same
// replication topic ordinary events use, tagged so peers decode it
// with the digest codec instead.
func (a *Adapter) PublishDigest(ctx context.Context, payload []byte) error {
	return a.Publish(ctx, a.cfg.Own.Replication(), append([]byte{replicationDigestTag}, payload...))
}

// rawPublish skips the topic authorizer. Command correlation is the
// one documented exception to the default-deny on another client's cmd
// topic: the initiating node is explicitly permitted to address a
// peer's command topic by id, so that check does not apply here.
func (a *Adapter) rawPublish(ctx context.Context, topic string, payload []byte) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil && client.IsConnected() {
		token := client.Publish(topic, requiredQoS, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			return kverrors.Wrap(kverrors.Disconnected, "publish failed", err)
		}
		return nil
	}
	env := queue.Envelope{Topic: topic, Payload: payload, QoS: requiredQoS, Retain: false}
	if err := a.outbound.Enqueue(env); err != nil {
		return kverrors.Wrap(kverrors.Disconnected, "publish queue unavailable", err)
	}
	return nil
}

// handleMessage routes an inbound payload by the topic it arrived on.
func (a *Adapter) handleMessage(topic string, payload []byte) {
	ctx := context.Background()
	switch topic {
	case a.cfg.Own.Command():
		a.handleCommand(ctx, payload)
	case a.cfg.Own.Response():
		a.handleResponse(payload)
	case a.cfg.Own.Replication():
		a.handleReplication(ctx, payload)
	}
}

// handleReplication demultiplexes the replication topic by its leading
// frame tag: ordinary events and anti-entropy digests both arrive
// here, since they share one topic.
func (a *Adapter) handleReplication(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		return
	}
	tag, body := payload[0], payload[1:]
	switch tag {
	case replicationEventTag:
		if a.onReplication != nil {
			a.onReplication(ctx, body)
		}
	case replicationDigestTag:
		if a.onDigest != nil {
			a.onDigest(ctx, body)
		}
	default:
		a.logWarn(ctx, "discarding replication message with unknown frame tag", map[string]any{"tag": tag})
	}
}

func (a *Adapter) handleCommand(ctx context.Context, payload []byte) {
	var cmd kvmodel.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		a.logWarn(ctx, "discarding malformed command payload", map[string]any{"error": err.Error()})
		return
	}
	if a.onCommand == nil {
		return
	}
	resp := a.onCommand(ctx, cmd)
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = a.Publish(ctx, a.cfg.Own.Response(), b)
}

func (a *Adapter) handleResponse(payload []byte) {
	var resp kvmodel.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.waiters[resp.ID]
	if ok {
		delete(a.waiters, resp.ID)
	}
	a.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// SendCommand publishes cmd to a peer's command topic and waits for a
// matching response on the adapter's own response topic, up to ctx's
// deadline.
func (a *Adapter) SendCommand(ctx context.Context, peerID string, cmd kvmodel.Command) (kvmodel.Response, error) {
	if cmd.ID == "" {
		return kvmodel.Response{}, kverrors.New(kverrors.InvalidRequest, "command id required for correlation")
	}
	ch := make(chan kvmodel.Response, 1)
	a.mu.Lock()
	a.waiters[cmd.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, cmd.ID)
		a.mu.Unlock()
	}()

	b, err := json.Marshal(cmd)
	if err != nil {
		return kvmodel.Response{}, kverrors.Wrap(kverrors.Internal, "encode command", err)
	}
	if err := a.rawPublish(ctx, a.cfg.Own.PeerCommand(peerID), b); err != nil {
		return kvmodel.Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return kvmodel.Response{}, kverrors.New(kverrors.Timeout, "command deadline elapsed")
	}
}

func (a *Adapter) logWarn(ctx context.Context, msg string, fields map[string]any) {
	if a.logger != nil {
		a.logger.Warn(ctx, msg, fields)
	}
}

func (a *Adapter) count(ctx context.Context, name string, labels telemetry.Labels) {
	if a.meter != nil {
		_ = a.meter.IncCounter(ctx, name, 1, labels)
	}
}
