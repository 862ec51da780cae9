package network

import (
	"testing"
	"time"
)

func TestWebRTCFactoryLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback negotiation in short mode")
	}

	signaler := NewMemorySignaler()
	options := WebRTCOptions{Signaler: signaler, SignalPollInterval: 50 * time.Millisecond}
	alice := NewWebRTCFactory(options)
	bob := NewWebRTCFactory(options)
	defer alice.Close()
	defer bob.Close()

	startFactory(t, alice)
	bobID := startFactory(t, bob)

	dialed, err := alice.Dial(bobID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if ev := waitForEvent(t, alice, EventOpen, 20*time.Second); ev.Channel != dialed {
		t.Fatalf("open event for wrong channel")
	}
	inbound := waitForEvent(t, bob, EventOpen, 20*time.Second).Channel
	if inbound.RemotePeerID() == "" || inbound.RemotePeerID() == bobID {
		t.Fatalf("unexpected inbound remote id %q", inbound.RemotePeerID())
	}

	if err := dialed.Send([]byte(`{"type":"chat","content":"hi"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev := waitForEvent(t, bob, EventData, 10*time.Second)
	if string(ev.Payload) != `{"type":"chat","content":"hi"}` {
		t.Fatalf("unexpected payload %q", ev.Payload)
	}

	_ = dialed.Close()
	if ev := waitForEvent(t, bob, EventClose, 30*time.Second); ev.Channel != inbound {
		t.Fatalf("close event for wrong channel")
	}
}

func TestWebRTCFactoryRequiresSignaler(t *testing.T) {
	factory := NewWebRTCFactory(WebRTCOptions{})
	defer factory.Close()

	if err := factory.Start(t.Context()); err == nil {
		t.Fatalf("expected Start to fail without a signaler")
	}
	if _, err := factory.Dial("peer"); err == nil {
		t.Fatalf("expected Dial to fail before ready")
	}
}

func TestICEConfigFromURLs(t *testing.T) {
	config := ICEConfigFromURLs([]string{" stun:a:1 ", "", "stun:b:2"})
	if len(config.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(config.Servers))
	}
	if config.Servers[0].URLs[0] != "stun:a:1" {
		t.Fatalf("unexpected first url %q", config.Servers[0].URLs[0])
	}
}
