package chat

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"peerchat/network"
)

// loop owns one initialized transport. Every field below is touched only
// by the run goroutine.
type loop struct {
	session  *Session
	factory  network.Factory
	username string
	selfID   string

	conns     map[network.Channel]*connection
	liveness  *clock.Ticker
	discovery *clock.Ticker

	ready    chan error
	requests chan func()
	stopReq  chan chan error
	done     chan struct{}
}

func newLoop(s *Session, factory network.Factory, username string) *loop {
	return &loop{
		session:  s,
		factory:  factory,
		username: username,
		conns:    make(map[network.Channel]*connection),
		ready:    make(chan error, 1),
		requests: make(chan func()),
		stopReq:  make(chan chan error),
		done:     make(chan struct{}),
	}
}

func (l *loop) run() {
	defer close(l.done)

	events := l.factory.Events()
	for {
		var livenessC, discoveryC <-chan time.Time
		if l.liveness != nil {
			livenessC = l.liveness.C
		}
		if l.discovery != nil {
			discoveryC = l.discovery.C
		}

		select {
		case ev := <-events:
			l.handleEvent(ev)
		case <-livenessC:
			l.onLivenessTick()
		case <-discoveryC:
			l.onDiscoveryTick()
		case req := <-l.requests:
			req()
		case reply := <-l.stopReq:
			reply <- l.teardown()
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (l *loop) do(ctx context.Context, fn func(*loop)) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn(l)
	}

	select {
	case l.requests <- req:
	case <-l.done:
		return ErrNotInitialized
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// stop tears the loop down and waits for it to exit.
func (l *loop) stop() error {
	reply := make(chan error, 1)
	select {
	case l.stopReq <- reply:
	case <-l.done:
		return nil
	}
	err := <-reply
	<-l.done
	return err
}

func (l *loop) handleEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventReady:
		l.onReady(ev.PeerID)
	case network.EventIncoming:
		l.onIncoming(ev.Channel)
	case network.EventOpen:
		l.onOpen(ev.Channel)
	case network.EventData:
		l.onData(ev.Channel, ev.Payload)
	case network.EventClose:
		l.onClose(ev.Channel)
	case network.EventError:
		l.onError(ev.Channel, ev.Err)
	}
}

func (l *loop) onReady(peerID string) {
	if l.selfID != "" || peerID == "" {
		return
	}
	l.selfID = peerID
	l.session.setIdentity(peerID, l.username)

	ctx, cancel := l.session.registryContext()
	l.session.opts.Directory.Register(ctx, peerID, l.username)
	cancel()

	l.startTimers()
	select {
	case l.ready <- nil:
	default:
	}
}

func (l *loop) onIncoming(ch network.Channel) {
	if ch == nil {
		return
	}
	l.conns[ch] = newConnection(ch, true)
	l.session.logger.Debug("inbound channel", "peer", ch.RemotePeerID())
}

func (l *loop) onOpen(ch network.Channel) {
	conn, ok := l.conns[ch]
	if !ok || !conn.open() {
		return
	}

	remote := conn.remoteID()
	l.session.table.Put(remote, ConnectionRecord{PeerID: remote, DisplayName: UnknownName, Channel: ch})
	l.session.logger.Info("channel open", "peer", remote, "inbound", conn.inbound)
	l.session.notifyPeers()

	l.sendTo(ch, network.InfoMessage{Username: l.username, PeerID: l.selfID})
}

func (l *loop) onClose(ch network.Channel) {
	conn, ok := l.conns[ch]
	if !ok {
		return
	}
	delete(l.conns, ch)
	conn.close()

	if !conn.opened {
		return
	}
	remote := conn.remoteID()
	l.session.table.Delete(remote)
	l.session.logger.Info("channel closed", "peer", remote)
	l.session.notifyPeers()
}

func (l *loop) onError(ch network.Channel, err error) {
	if err == nil {
		err = errors.New("unspecified transport failure")
	}

	if ch == nil {
		if l.selfID == "" {
			select {
			case l.ready <- err:
			default:
			}
			return
		}
		l.session.logger.Warn("transport error", "error", err)
		l.session.report(transportError("", err))
		return
	}

	conn, ok := l.conns[ch]
	if !ok {
		return
	}
	if conn.fail() {
		l.session.logger.Warn("channel error", "peer", conn.remoteID(), "error", err)
		l.session.report(transportError(conn.remoteID(), err))
	}
}

// pending reports whether a tracked channel to peerID is still connecting.
func (l *loop) pending(peerID string) bool {
	for _, conn := range l.conns {
		if conn.state == StateConnecting && conn.remoteID() == peerID {
			return true
		}
	}
	return false
}

func (l *loop) connect(peerID string) error {
	if l.selfID == "" {
		return ErrNotInitialized
	}
	if peerID == l.selfID {
		return ErrSelfConnect
	}
	if l.session.table.Has(peerID) || l.pending(peerID) {
		return nil
	}

	ch, err := l.factory.Dial(peerID)
	if err != nil {
		return transportError(peerID, err)
	}
	l.conns[ch] = newConnection(ch, false)
	l.session.logger.Debug("dialing peer", "peer", peerID)
	return nil
}

func (l *loop) startTimers() {
	c := l.session.opts.Clock
	l.liveness = c.Ticker(l.session.opts.LivenessInterval)
	l.discovery = c.Ticker(l.session.opts.DiscoveryInterval)
}

func (l *loop) stopTimers() {
	if l.liveness != nil {
		l.liveness.Stop()
		l.liveness = nil
	}
	if l.discovery != nil {
		l.discovery.Stop()
		l.discovery = nil
	}
}

func (l *loop) teardown() error {
	l.stopTimers()

	var err error
	for ch := range l.conns {
		if closeErr := ch.Close(); closeErr != nil {
			err = multierr.Append(err, transportError(ch.RemotePeerID(), closeErr))
		}
	}
	clear(l.conns)
	if closeErr := l.factory.Close(); closeErr != nil {
		err = multierr.Append(err, transportError("", closeErr))
	}

	if l.selfID != "" {
		ctx, cancel := l.session.registryContext()
		l.session.opts.Directory.Unregister(ctx, l.selfID)
		cancel()
	}

	l.session.reset()
	return err
}
