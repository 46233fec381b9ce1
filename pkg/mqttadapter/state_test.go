package mqttadapter

import "testing"

func TestStateMachine_InitialStateDisconnected(t *testing.T) {
	sm := newStateMachine()
	if sm.Current() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %s", sm.Current())
	}
}

func TestStateMachine_TransitionNotifiesObservers(t *testing.T) {
	sm := newStateMachine()
	ch := sm.Observe(4)

	sm.transition(StateConnecting, "dial")
	sm.transition(StateConnected, "connected")

	first := <-ch
	if first.From != StateDisconnected || first.To != StateConnecting {
		t.Fatalf("unexpected first transition: %+v", first)
	}
	second := <-ch
	if second.From != StateConnecting || second.To != StateConnected {
		t.Fatalf("unexpected second transition: %+v", second)
	}
	if sm.Current() != StateConnected {
		t.Fatalf("expected current state connected, got %s", sm.Current())
	}
}

func TestStateMachine_FullObserverChannelDropsRatherThanBlocks(t *testing.T) {
	sm := newStateMachine()
	ch := sm.Observe(1)
	sm.transition(StateConnecting, "1")
	sm.transition(StateConnected, "2") // channel full now, must not block
	sm.transition(StateDisconnected, "3")
	<-ch // drain exactly one; the rest were dropped, not queued
}
