package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"peerchat/models"
	"peerchat/network"
	"peerchat/registry"
)

const fakeSelfID = "self-id"

type fakeChannel struct {
	remote string

	mu      sync.Mutex
	open    bool
	closed  bool
	sent    [][]byte
	sendErr error
}

func newFakeChannel(remote string) *fakeChannel {
	return &fakeChannel{remote: remote}
}

func (c *fakeChannel) RemotePeerID() string { return c.remote }

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if !c.open {
		return network.ErrChannelClosed
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closed = true
	return nil
}

func (c *fakeChannel) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

func (c *fakeChannel) sentPayloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, payload := range c.sent {
		out = append(out, string(payload))
	}
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory is a scripted network.Factory. Events are delivered on an
// unbuffered channel so a delivery returns only once the session loop has
// taken the event.
type fakeFactory struct {
	events chan network.Event

	startErr error
	readyErr error
	silent   bool

	mu      sync.Mutex
	dials   []*fakeChannel
	dialErr error
	closed  bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{events: make(chan network.Event)}
}

func (f *fakeFactory) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.silent {
		return nil
	}
	ev := network.Event{Kind: network.EventReady, PeerID: fakeSelfID}
	if f.readyErr != nil {
		ev = network.Event{Kind: network.EventError, Err: f.readyErr}
	}
	go func() { f.events <- ev }()
	return nil
}

func (f *fakeFactory) Events() <-chan network.Event { return f.events }

func (f *fakeFactory) Dial(remotePeerID string) (network.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	ch := newFakeChannel(remotePeerID)
	f.dials = append(f.dials, ch)
	return ch, nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFactory) dialed() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChannel(nil), f.dials...)
}

func (f *fakeFactory) dialedIDs() []string {
	ids := []string{}
	for _, ch := range f.dialed() {
		ids = append(ids, ch.remote)
	}
	return ids
}

func (f *fakeFactory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type harness struct {
	t        *testing.T
	session  *Session
	factory  *fakeFactory
	clock    *clock.Mock
	store    *registry.MemoryStore
	registry *registry.Registry

	mu       sync.Mutex
	received []models.Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := registry.NewMemoryStore()
	h := &harness{
		t:        t,
		factory:  newFakeFactory(),
		clock:    mock,
		store:    store,
		registry: registry.New(store, registry.WithClock(mock)),
	}
	h.session = NewSession(Options{
		NewTransport: func() (network.Factory, error) { return h.factory, nil },
		Directory:    h.registry,
		Clock:        mock,
		OnMessage: func(message models.Message) {
			h.mu.Lock()
			h.received = append(h.received, message)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() {
		_ = h.session.Disconnect()
	})
	return h
}

func (h *harness) initialize(username string) {
	h.t.Helper()
	require.NoError(h.t, h.session.Initialize(h.t.Context(), username))
}

// deliver hands ev to the session loop and waits until it is handled.
func (h *harness) deliver(ev network.Event) {
	h.t.Helper()

	select {
	case h.factory.events <- ev:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session loop did not take %s event", ev.Kind)
	}
	h.barrier()
}

func (h *harness) barrier() {
	h.t.Helper()
	require.NoError(h.t, h.session.submit(h.t.Context(), func(*loop) {}))
}

// openOutbound dials remote and completes the transport open.
func (h *harness) openOutbound(remote string) *fakeChannel {
	h.t.Helper()

	require.NoError(h.t, h.session.ConnectToPeer(h.t.Context(), remote))
	dials := h.factory.dialed()
	require.NotEmpty(h.t, dials)
	ch := dials[len(dials)-1]
	require.Equal(h.t, remote, ch.remote)

	ch.setOpen(true)
	h.deliver(network.Event{Kind: network.EventOpen, Channel: ch})
	return ch
}

// openInbound announces an inbound channel from remote and opens it.
func (h *harness) openInbound(remote string) *fakeChannel {
	h.t.Helper()

	ch := newFakeChannel(remote)
	h.deliver(network.Event{Kind: network.EventIncoming, Channel: ch})
	ch.setOpen(true)
	h.deliver(network.Event{Kind: network.EventOpen, Channel: ch})
	return ch
}

func (h *harness) data(ch network.Channel, payload string) {
	h.t.Helper()
	h.deliver(network.Event{Kind: network.EventData, Channel: ch, Payload: []byte(payload)})
}

func (h *harness) selfRegistered() bool {
	raw, err := h.store.GetAll(context.Background())
	require.NoError(h.t, err)
	_, ok := raw[fakeSelfID]
	return ok
}

var errBoom = errors.New("boom")
