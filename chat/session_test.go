package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerchat/models"
	"peerchat/network"
)

func TestInitializeRequiresUsername(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	for _, name := range []string{"", "   ", "\t\n"} {
		err := h.session.Initialize(t.Context(), name)
		req.ErrorIs(err, ErrUsernameRequired)
	}
	req.False(h.session.Running())
	req.False(h.factory.isClosed())
}

func TestInitializeRegistersAndStartsTimers(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	// When the transport assigns an ID
	h.initialize("  Alice  ")

	// Then the session is running under that ID and advertised
	req.True(h.session.Running())
	req.Equal(fakeSelfID, h.session.SelfID())
	req.Equal("Alice", h.session.Username())
	req.True(h.selfRegistered())

	// And a second Initialize is rejected
	req.ErrorIs(h.session.Initialize(t.Context(), "Alice"), ErrAlreadyInitialized)
}

func TestInitializeFailsWhenTransportErrorsBeforeReady(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.factory.readyErr = errors.New("server unreachable")

	// When the transport reports a failure instead of an ID
	err := h.session.Initialize(t.Context(), "Alice")

	// Then initialization aborts with the transport's message
	req.ErrorIs(err, ErrInitialization)
	req.Contains(err.Error(), "server unreachable")
	req.False(h.session.Running())
	req.True(h.factory.isClosed())
	req.Empty(h.session.SelfID())

	// And no timers run afterwards
	h.clock.Add(30 * time.Second)
	req.Empty(h.factory.dialed())
	req.False(h.selfRegistered())
}

func TestInitializeFailsOnStartError(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.factory.startErr = errBoom

	err := h.session.Initialize(t.Context(), "Alice")
	req.ErrorIs(err, ErrInitialization)
	req.True(h.factory.isClosed())
	req.False(h.session.Running())
}

func TestInitializeFailsWithoutTransport(t *testing.T) {
	req := require.New(t)

	s := NewSession(Options{})
	req.ErrorIs(s.Initialize(t.Context(), "Alice"), ErrInitialization)

	s = NewSession(Options{NewTransport: func() (network.Factory, error) { return nil, errBoom }})
	req.ErrorIs(s.Initialize(t.Context(), "Alice"), ErrInitialization)
}

func TestInitializeHonorsContext(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.factory.silent = true

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := h.session.Initialize(ctx, "Alice")
	req.ErrorIs(err, ErrInitialization)
	req.ErrorIs(err, context.DeadlineExceeded)
	req.True(h.factory.isClosed())
	req.False(h.session.Running())
}

func TestOperationsRequireInitialization(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.ErrorIs(h.session.SendMessage(t.Context(), "hi"), ErrNotInitialized)
	req.ErrorIs(h.session.ConnectToPeer(t.Context(), "p1"), ErrNotInitialized)
	req.ErrorIs(h.session.ConnectToPeer(t.Context(), " "), ErrPeerIDRequired)
	req.NoError(h.session.Disconnect())
}

func TestOutboundOpenInsertsUnknownRecordAndSendsInfo(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	// When a dial to p2 opens
	ch := h.openOutbound("p2")

	// Then a record with the placeholder name exists
	req.Equal([]models.PeerInfo{{PeerID: "p2", Username: UnknownName}}, h.session.Peers())

	// And our identity went out on the channel
	req.Equal([]string{`{"type":"info","username":"Alice","peerId":"self-id"}`}, ch.sentPayloads())
}

func TestConnectToPeerIsIdempotent(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	// Given a dial in progress
	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	req.Equal([]string{"p2"}, h.factory.dialedIDs())

	// When it opens, further attempts are still no-ops
	ch := h.factory.dialed()[0]
	ch.setOpen(true)
	h.deliver(network.Event{Kind: network.EventOpen, Channel: ch})
	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	req.Equal([]string{"p2"}, h.factory.dialedIDs())

	// And dialing ourselves is rejected
	req.ErrorIs(h.session.ConnectToPeer(t.Context(), fakeSelfID), ErrSelfConnect)
}

func TestConnectToPeerSurfacesDialFailure(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	h.factory.dialErr = network.ErrFactoryClosed

	err := h.session.ConnectToPeer(t.Context(), "p2")
	req.ErrorIs(err, ErrTransport)
	req.Contains(err.Error(), network.ErrFactoryClosed.Error())
}

func TestChatAttributionFollowsIdentification(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Bob")
	ch := h.openInbound("p1")

	// When chat arrives before any info
	h.data(ch, `{"type":"chat","content":"yo"}`)

	// Then it is attributed to the placeholder name
	messages := h.session.Messages()
	req.Len(messages, 1)
	req.Equal("Unknown", messages[0].From)
	req.Equal("yo", messages[0].Content)

	// When the peer identifies and chats again
	h.data(ch, `{"type":"info","username":"Alice","peerId":"p1"}`)
	h.data(ch, `{"type":"chat","content":"hello"}`)

	// Then the new message carries the announced name
	messages = h.session.Messages()
	req.Len(messages, 2)
	req.Equal("Alice", messages[1].From)
	req.Equal("hello", messages[1].Content)
	req.Equal([]models.PeerInfo{{PeerID: "p1", Username: "Alice"}}, h.session.Peers())

	h.mu.Lock()
	req.Len(h.received, 2)
	h.mu.Unlock()
}

func TestInfoUpdatesRecordInPlace(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Bob")
	ch := h.openInbound("transport-id")

	h.data(ch, `{"type":"info","username":"Alice","peerId":"claimed-id"}`)

	record, ok := h.session.table.Get("transport-id")
	req.True(ok)
	req.Equal("Alice", record.DisplayName)
	req.Equal("claimed-id", record.PeerID)
	req.Same(ch, record.Channel.(*fakeChannel))
	req.Equal(1, h.session.table.Len())
}

func TestMalformedPayloadsHaveNoSideEffects(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Bob")
	ch := h.openInbound("p1")
	before := h.session.Peers()

	for _, payload := range []string{
		`{"type":"ping"}`,
		`{"content":"x"}`,
		`{"type":"chat","content":7}`,
		`{"type":"info","username":"Mallory"}`,
		`{"type":"info","username":"Mallory","peerId":null}`,
		`not json`,
		`[]`,
	} {
		h.data(ch, payload)
	}

	req.Empty(h.session.Messages())
	req.Equal(before, h.session.Peers())
}

func TestSendMessageIgnoresBlankContent(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	ch := h.openOutbound("p2")
	sentBefore := len(ch.sentPayloads())

	req.NoError(h.session.SendMessage(t.Context(), ""))
	req.NoError(h.session.SendMessage(t.Context(), "   "))

	req.Empty(h.session.Messages())
	req.Len(ch.sentPayloads(), sentBefore)
}

func TestSendMessageBroadcastsToOpenChannelsOnly(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	// Given two open connections and one whose channel has closed
	first := h.openOutbound("p1")
	second := h.openInbound("p2")
	closed := h.openOutbound("p3")
	closed.setOpen(false)

	// When sending
	req.NoError(h.session.SendMessage(t.Context(), "  hi  "))

	// Then exactly the two open channels carry the payload
	chat := `{"type":"chat","content":"hi"}`
	req.Contains(first.sentPayloads(), chat)
	req.Contains(second.sentPayloads(), chat)
	req.NotContains(closed.sentPayloads(), chat)

	// And one local echo is appended
	messages := h.session.Messages()
	req.Len(messages, 1)
	req.Equal("hi", messages[0].Content)
	req.True(strings.HasSuffix(messages[0].From, " (me)"))
	req.Equal("Alice (me)", messages[0].From)
	req.Equal("2024-05-01T12:00:00.000Z", messages[0].Timestamp)
}

func TestSendFailureIsReportedButEchoStillAppended(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	ch := h.openOutbound("p2")
	ch.mu.Lock()
	ch.sendErr = errBoom
	ch.mu.Unlock()

	req.NoError(h.session.SendMessage(t.Context(), "hi"))

	req.Len(h.session.Messages(), 1)
	select {
	case err := <-h.session.Errors():
		req.ErrorIs(err, ErrTransport)
	default:
		t.Fatalf("expected a transport error")
	}
}

func TestCloseRemovesRecord(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	ch := h.openOutbound("p2")

	ch.setOpen(false)
	h.deliver(network.Event{Kind: network.EventClose, Channel: ch})

	req.Empty(h.session.Peers())

	// A later dial to the same peer is allowed again
	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	req.Equal([]string{"p2", "p2"}, h.factory.dialedIDs())
}

func TestCloseOfEitherDuplicateChannelRemovesRecord(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	original := h.openOutbound("p2")
	h.data(original, `{"type":"info","username":"Bob","peerId":"p2"}`)

	// When a second channel from the same peer arrives and opens
	duplicate := h.openInbound("p2")

	// Then it owns the record and announces itself
	record, ok := h.session.table.Get("p2")
	req.True(ok)
	req.Same(duplicate, record.Channel.(*fakeChannel))
	req.Len(duplicate.sentPayloads(), 1)
	req.Equal(1, h.session.table.Len())

	// And payloads on either channel are dispatched
	h.data(duplicate, `{"type":"info","username":"Bob","peerId":"p2"}`)
	h.data(original, `{"type":"chat","content":"one"}`)
	h.data(duplicate, `{"type":"chat","content":"two"}`)
	req.Len(h.session.Messages(), 2)
	req.Equal("Bob", h.session.Messages()[0].From)

	// When the channel the record does not point at closes
	original.setOpen(false)
	h.deliver(network.Event{Kind: network.EventClose, Channel: original})

	// Then the record for that peer is gone regardless
	_, ok = h.session.table.Get("p2")
	req.False(ok)
	req.Empty(h.session.Peers())

	// And the later close of the duplicate is harmless
	duplicate.setOpen(false)
	h.deliver(network.Event{Kind: network.EventClose, Channel: duplicate})
	req.Empty(h.session.Peers())
}

func TestCloseBeforeOpenLeavesTableAlone(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	pending := h.factory.dialed()[0]
	h.deliver(network.Event{Kind: network.EventClose, Channel: pending})

	req.Empty(h.session.Peers())
	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	req.Len(h.factory.dialed(), 2)
}

func TestChannelErrorIsReportedAndCloseCleansUp(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	ch := h.openOutbound("p2")

	// When the channel faults
	h.deliver(network.Event{Kind: network.EventError, Channel: ch, Err: errBoom})

	// Then the fault is surfaced and the record survives until close
	select {
	case err := <-h.session.Errors():
		req.ErrorIs(err, ErrTransport)
		req.ErrorContains(err, "p2")
	default:
		t.Fatalf("expected transport error")
	}
	req.Equal(1, h.session.table.Len())

	// And the errored channel no longer dispatches payloads
	h.data(ch, `{"type":"chat","content":"late"}`)
	req.Empty(h.session.Messages())

	// When close follows
	h.deliver(network.Event{Kind: network.EventClose, Channel: ch})
	req.Empty(h.session.Peers())
}

func TestErrorWhileConnectingNeverOpens(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	ch := h.factory.dialed()[0]
	h.deliver(network.Event{Kind: network.EventError, Channel: ch, Err: network.ErrUnknownPeer})
	ch.setOpen(true)
	h.deliver(network.Event{Kind: network.EventOpen, Channel: ch})

	req.Empty(h.session.Peers())
	req.Empty(ch.sentPayloads())
}

func TestFactoryErrorAfterReadyIsReported(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	h.deliver(network.Event{Kind: network.EventError, Err: errors.New("lost signaling server")})

	select {
	case err := <-h.session.Errors():
		req.ErrorIs(err, ErrTransport)
	default:
		t.Fatalf("expected transport error")
	}
	req.True(h.session.Running())
}

func TestSimultaneousDialTracksBothChannels(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	// Given our dial to p2 is pending when p2's dial to us arrives
	req.NoError(h.session.ConnectToPeer(t.Context(), "p2"))
	outbound := h.factory.dialed()[0]
	inbound := newFakeChannel("p2")
	h.deliver(network.Event{Kind: network.EventIncoming, Channel: inbound})

	// When both open
	outbound.setOpen(true)
	h.deliver(network.Event{Kind: network.EventOpen, Channel: outbound})
	inbound.setOpen(true)
	h.deliver(network.Event{Kind: network.EventOpen, Channel: inbound})

	// Then both sent their info and one record exists for the peer
	req.Len(outbound.sentPayloads(), 1)
	req.Len(inbound.sentPayloads(), 1)
	req.Equal(1, h.session.table.Len())

	// And chat on either channel is dispatched
	h.data(outbound, `{"type":"chat","content":"a"}`)
	h.data(inbound, `{"type":"chat","content":"b"}`)
	req.Len(h.session.Messages(), 2)
}

func TestDiscoveryTickDialsLivePeers(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := t.Context()

	// Given peers in the registry, one of them about to go stale
	h.registry.Register(ctx, "stale", "Old")
	h.clock.Add(6 * time.Second)
	h.registry.Register(ctx, "p1", "Carol")
	h.registry.Register(ctx, "p2", "Dave")
	h.initialize("Alice")
	h.openOutbound("p2")

	// When the discovery timer fires past the stale record's TTL
	h.clock.Add(5 * time.Second)

	// Then only the new live peer is dialed
	req.Eventually(func() bool {
		ids := h.factory.dialedIDs()
		return len(ids) == 2 && ids[1] == "p1"
	}, time.Second, 5*time.Millisecond)
	h.barrier()
	req.NotContains(h.factory.dialedIDs(), "stale")
	req.NotContains(h.factory.dialedIDs(), fakeSelfID)

	// And the pending dial is not repeated on the next tick
	h.clock.Add(5 * time.Second)
	h.barrier()
	req.Equal([]string{"p2", "p1"}, h.factory.dialedIDs())
}

func TestLivenessTickKeepsSelfRegistered(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")

	// When well past the TTL with timers running
	for range 6 {
		h.clock.Add(5 * time.Second)
		h.barrier()
	}

	// Then the local record is refreshed to the latest tick
	req.Eventually(func() bool {
		raw, err := h.store.GetAll(context.Background())
		if err != nil {
			return false
		}
		var entry struct {
			Username string `json:"username"`
			LastSeen int64  `json:"lastSeen"`
		}
		if err := json.Unmarshal([]byte(raw[fakeSelfID]), &entry); err != nil {
			return false
		}
		return entry.Username == "Alice" && entry.LastSeen == h.clock.Now().UnixMilli()
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectClearsEverything(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	ch := h.openOutbound("p2")
	h.data(ch, `{"type":"chat","content":"hi"}`)
	req.NoError(h.session.SendMessage(t.Context(), "back"))

	// When disconnecting
	req.NoError(h.session.Disconnect())

	// Then registry, table and log are empty and the transport is gone
	req.False(h.selfRegistered())
	req.Empty(h.session.Peers())
	req.Empty(h.session.Messages())
	req.True(h.factory.isClosed())
	req.True(ch.isClosed())
	req.False(h.session.Running())
	req.Empty(h.session.SelfID())

	// And no late timer resurrects state
	h.registry.Register(t.Context(), "p9", "Zed")
	h.clock.Add(15 * time.Second)
	req.False(h.selfRegistered())
	req.Equal([]string{"p2"}, h.factory.dialedIDs())
	req.ErrorIs(h.session.SendMessage(t.Context(), "hi"), ErrNotInitialized)
}

func TestSessionCanReinitializeAfterDisconnect(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.initialize("Alice")
	req.NoError(h.session.Disconnect())

	h.factory = newFakeFactory()
	h.initialize("Alice again")

	req.True(h.session.Running())
	req.Equal("Alice again", h.session.Username())
	req.True(h.selfRegistered())
}
