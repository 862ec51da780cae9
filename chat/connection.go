package chat

import "peerchat/network"

// State is the lifecycle position of one raw channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateIdentified
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// connection tracks one channel from dial or accept until close.
type connection struct {
	channel network.Channel
	state   State
	inbound bool
	// opened records whether the channel ever reached Open, and therefore
	// owns a table record that its close must remove.
	opened bool
}

func newConnection(ch network.Channel, inbound bool) *connection {
	return &connection{channel: ch, state: StateConnecting, inbound: inbound}
}

func (c *connection) remoteID() string {
	return c.channel.RemotePeerID()
}

// open moves Connecting to Open.
func (c *connection) open() bool {
	if c.state != StateConnecting {
		return false
	}
	c.state = StateOpen
	c.opened = true
	return true
}

// identify moves Open to Identified. Repeated info payloads are accepted.
func (c *connection) identify() bool {
	if !c.acceptsData() {
		return false
	}
	c.state = StateIdentified
	return true
}

func (c *connection) acceptsData() bool {
	return c.state == StateOpen || c.state == StateIdentified
}

// fail moves any live state to the terminal Errored state.
func (c *connection) fail() bool {
	switch c.state {
	case StateConnecting, StateOpen, StateIdentified:
		c.state = StateErrored
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.state = StateClosed
}
