package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	_ Factory = (*MemoryFactory)(nil)
	_ Channel = (*memoryChannel)(nil)
)

// MemoryNetwork connects MemoryFactory instances inside one process. Payloads
// are delivered in send order per channel.
type MemoryNetwork struct {
	mu        sync.Mutex
	factories map[string]*MemoryFactory
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{factories: make(map[string]*MemoryFactory)}
}

// NewFactory creates a factory attached to the network. Its peer ID is
// assigned when Start is called.
func (n *MemoryNetwork) NewFactory() *MemoryFactory {
	return &MemoryFactory{
		network:  n,
		mailbox:  newMailbox(),
		channels: make(map[*memoryChannel]struct{}),
		closed:   make(chan struct{}),
	}
}

func (n *MemoryNetwork) lookup(peerID string) (*MemoryFactory, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	factory, ok := n.factories[peerID]
	return factory, ok
}

func (n *MemoryNetwork) attach(factory *MemoryFactory) {
	n.mu.Lock()
	n.factories[factory.id] = factory
	n.mu.Unlock()
}

func (n *MemoryNetwork) detach(peerID string) {
	n.mu.Lock()
	delete(n.factories, peerID)
	n.mu.Unlock()
}

// MemoryFactory is an in-process Factory.
type MemoryFactory struct {
	network *MemoryNetwork
	mailbox *mailbox

	mu       sync.Mutex
	id       string
	started  bool
	channels map[*memoryChannel]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// Start assigns a random peer ID and emits EventReady.
func (f *MemoryFactory) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isClosed() {
		return ErrFactoryClosed
	}
	if f.started {
		return fmt.Errorf("memory factory already started as %q", f.id)
	}

	f.started = true
	f.id = uuid.NewString()
	f.network.attach(f)
	f.mailbox.push(Event{Kind: EventReady, PeerID: f.id})
	return nil
}

// Events returns the factory's event stream.
func (f *MemoryFactory) Events() <-chan Event {
	return f.mailbox.out
}

// ID returns the assigned peer ID, empty before Start.
func (f *MemoryFactory) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

// Dial connects to another factory on the same network. Unknown peers
// produce an error event followed by a close event on the returned channel.
func (f *MemoryFactory) Dial(remotePeerID string) (Channel, error) {
	f.mu.Lock()
	if f.isClosed() {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	if !f.started {
		f.mu.Unlock()
		return nil, ErrFactoryNotReady
	}
	local := &memoryChannel{owner: f, remoteID: remotePeerID}
	f.channels[local] = struct{}{}
	localID := f.id
	f.mu.Unlock()

	remoteFactory, ok := f.network.lookup(remotePeerID)
	if !ok || remoteFactory == f {
		local.markClosed()
		f.mailbox.push(Event{Kind: EventError, Channel: local, Err: fmt.Errorf("%w: %s", ErrUnknownPeer, remotePeerID)})
		f.finish(local)
		return local, nil
	}

	remote := &memoryChannel{owner: remoteFactory, remoteID: localID, peer: local}
	local.peer = remote
	if !remoteFactory.adopt(remote) {
		local.peer = nil
		local.markClosed()
		f.mailbox.push(Event{Kind: EventError, Channel: local, Err: fmt.Errorf("%w: %s", ErrUnknownPeer, remotePeerID)})
		f.finish(local)
		return local, nil
	}

	local.setOpen()
	remote.setOpen()

	f.mailbox.push(Event{Kind: EventOpen, Channel: local})
	remoteFactory.mailbox.push(Event{Kind: EventIncoming, Channel: remote})
	remoteFactory.mailbox.push(Event{Kind: EventOpen, Channel: remote})
	return local, nil
}

// Close closes every channel, detaches from the network and stops events.
func (f *MemoryFactory) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.closed)
		channels := make([]*memoryChannel, 0, len(f.channels))
		for ch := range f.channels {
			channels = append(channels, ch)
		}
		id := f.id
		f.mu.Unlock()

		if id != "" {
			f.network.detach(id)
		}
		for _, ch := range channels {
			_ = ch.Close()
		}
		f.mailbox.stop()
	})
	return nil
}

func (f *MemoryFactory) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *MemoryFactory) adopt(ch *memoryChannel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return false
	}
	f.channels[ch] = struct{}{}
	return true
}

// finish emits the close event for ch and forgets it.
func (f *MemoryFactory) finish(ch *memoryChannel) {
	f.mu.Lock()
	delete(f.channels, ch)
	f.mu.Unlock()
	f.mailbox.push(Event{Kind: EventClose, Channel: ch})
}

type memoryChannel struct {
	owner    *MemoryFactory
	remoteID string
	peer     *memoryChannel

	mu     sync.Mutex
	open   bool
	closed bool
}

func (c *memoryChannel) RemotePeerID() string {
	return c.remoteID
}

func (c *memoryChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *memoryChannel) Send(payload []byte) error {
	if !c.Open() {
		return ErrChannelClosed
	}
	data := append([]byte(nil), payload...)
	c.peer.owner.mailbox.push(Event{Kind: EventData, Channel: c.peer, Payload: data})
	return nil
}

func (c *memoryChannel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.owner.finish(c)

	if peer := c.peer; peer != nil && peer.markClosed() {
		peer.owner.finish(peer)
	}
	return nil
}

func (c *memoryChannel) setOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.open = true
	}
}

// markClosed reports whether this call performed the transition.
func (c *memoryChannel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.open = false
	return true
}
