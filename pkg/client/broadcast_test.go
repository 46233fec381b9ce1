package client

import (
	"testing"
	"time"

	"github.com/meshkv/core/pkg/antientropy"
	"github.com/meshkv/core/pkg/mqttadapter"
)

func TestBroadcaster_PublishDeliversToSubscribers(t *testing.T) {
	b := newBroadcaster()
	ch := b.subscribe(4)
	defer b.unsubscribe(ch)

	b.publishState(mqttadapter.Transition{From: mqttadapter.StateConnecting, To: mqttadapter.StateConnected, Reason: "connack"})

	select {
	case event := <-ch:
		if event.Kind != "connection" || event.To != string(mqttadapter.StateConnected) {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event on the subscriber channel")
	}
}

func TestBroadcaster_PublishConvergenceCarriesDetail(t *testing.T) {
	b := newBroadcaster()
	ch := b.subscribe(4)
	defer b.unsubscribe(ch)

	b.publishConvergence(antientropy.ConvergenceEvent{Outcome: "repaired", Keys: 3})

	event := <-ch
	if event.Kind != "anti_entropy" || event.Outcome != "repaired" || event.KeyCount != 3 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestBroadcaster_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := newBroadcaster()
	ch := b.subscribe(1)
	defer b.unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.publishState(mqttadapter.Transition{From: mqttadapter.StateConnected, To: mqttadapter.StateReconnecting})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := newBroadcaster()
	ch := b.subscribe(1)
	b.unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBroadcaster_MultipleSubscribersEachReceive(t *testing.T) {
	b := newBroadcaster()
	ch1 := b.subscribe(4)
	ch2 := b.subscribe(4)
	defer b.unsubscribe(ch1)
	defer b.unsubscribe(ch2)

	b.publishState(mqttadapter.Transition{From: mqttadapter.StateDisconnected, To: mqttadapter.StateConnecting})

	for _, ch := range []chan streamEvent{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}

func TestStreamEvent_MarshalProducesJSON(t *testing.T) {
	event := streamEvent{Kind: "connection", At: 100, From: "disconnected", To: "connecting"}
	b, err := event.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
