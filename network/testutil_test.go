package network

import (
	"testing"
	"time"
)

func waitForEvent(t *testing.T, factory Factory, kind EventKind, timeout time.Duration) Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-factory.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func nextEvent(t *testing.T, factory Factory, timeout time.Duration) Event {
	t.Helper()

	select {
	case ev := <-factory.Events():
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for next event")
		return Event{}
	}
}

func startFactory(t *testing.T, factory Factory) string {
	t.Helper()

	if err := factory.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ev := nextEvent(t, factory, 5*time.Second)
	if ev.Kind != EventReady {
		t.Fatalf("expected ready event, got %s (%v)", ev.Kind, ev.Err)
	}
	if ev.PeerID == "" {
		t.Fatalf("ready event carried an empty peer id")
	}
	return ev.PeerID
}
