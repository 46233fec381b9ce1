package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/meshkv/core/pkg/antientropy"
	"github.com/meshkv/core/pkg/mqttadapter"
)

// streamEvent is the JSON shape pushed to /debug/state-stream
// subscribers: either a connection state transition or an
// anti-entropy convergence event, never both.
type streamEvent struct {
	Kind      string `json:"kind"`
	At        int64  `json:"at_ms"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Detail    string `json:"detail,omitempty"`
	KeyCount  int    `json:"key_count,omitempty"`
}

// broadcaster fans a live event stream out to any number of websocket
// subscribers (no history is kept for late joiners), following the same
// drop-rather-than-block discipline as mqttadapter's state machine
// observers: a slow reader loses events, it never stalls the node.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan streamEvent]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan streamEvent]struct{})}
}

func (b *broadcaster) subscribe(buffer int) chan streamEvent {
	ch := make(chan streamEvent, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) unsubscribe(ch chan streamEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *broadcaster) publish(event streamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *broadcaster) publishState(t mqttadapter.Transition) {
	b.publish(streamEvent{
		Kind:   "connection",
		At:     time.Now().UnixMilli(),
		From:   string(t.From),
		To:     string(t.To),
		Reason: t.Reason,
	})
}

func (b *broadcaster) publishConvergence(e antientropy.ConvergenceEvent) {
	b.publish(streamEvent{
		Kind:     "anti_entropy",
		At:       time.Now().UnixMilli(),
		Outcome:  e.Outcome,
		Detail:   e.Detail,
		KeyCount: e.Keys,
	})
}

func (e streamEvent) marshal() ([]byte, error) {
	return json.Marshal(e)
}
