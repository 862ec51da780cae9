package network

import (
	"context"
	"errors"
)

var (
	// ErrUnknownPeer indicates the dialed peer is not reachable through this factory.
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrFactoryClosed indicates the factory has been closed.
	ErrFactoryClosed = errors.New("network: factory closed")
	// ErrFactoryNotReady indicates the local peer ID has not been assigned yet.
	ErrFactoryNotReady = errors.New("network: factory not ready")
	// ErrChannelClosed indicates a send on a channel that is not open.
	ErrChannelClosed = errors.New("network: channel not open")
)

// EventKind identifies a factory event.
type EventKind int

const (
	// EventReady reports the local peer ID assigned by the factory.
	EventReady EventKind = iota + 1
	// EventIncoming reports a channel dialed by a remote peer.
	EventIncoming
	// EventOpen reports a channel that can now carry payloads.
	EventOpen
	// EventData carries one inbound payload.
	EventData
	// EventClose reports a channel that has been torn down.
	EventClose
	// EventError reports a fault. Channel is nil for factory-level faults.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventIncoming:
		return "incoming"
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification emitted by a Factory.
type Event struct {
	Kind    EventKind
	PeerID  string
	Channel Channel
	Payload []byte
	Err     error
}

// Channel is a raw bidirectional peer-to-peer channel.
type Channel interface {
	// RemotePeerID returns the transport-level ID of the other side.
	RemotePeerID() string
	// Open reports whether payloads can currently be sent.
	Open() bool
	// Send transmits one payload. Payloads on a channel arrive in send order.
	Send(payload []byte) error
	// Close tears the channel down. A close event follows on both sides.
	Close() error
}

// Factory assigns the local peer ID, dials remote peers and reports every
// channel's lifecycle through a single ordered event stream.
type Factory interface {
	// Start begins peer ID assignment without blocking. The outcome is
	// delivered as an EventReady or a factory-level EventError.
	Start(ctx context.Context) error
	// Events returns the factory's event stream.
	Events() <-chan Event
	// Dial requests a channel to remotePeerID. The returned channel is
	// connecting; its open, error or close events arrive on Events.
	Dial(remotePeerID string) (Channel, error)
	// Close destroys the factory and every channel it owns.
	Close() error
}
