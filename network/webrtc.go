package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	_ Factory = (*WebRTCFactory)(nil)
	_ Channel = (*webrtcChannel)(nil)
)

const (
	// ChatChannelLabel is the label of the single data channel per connection.
	ChatChannelLabel = "chat"

	defaultSignalPollInterval = 500 * time.Millisecond
	defaultAnswerTimeout      = 30 * time.Second
	defaultICEGatherTimeout   = 10 * time.Second
)

// WebRTCOptions configures a WebRTCFactory.
type WebRTCOptions struct {
	Signaler Signaler
	ICE      ICEConfig
	Logger   *slog.Logger

	SignalPollInterval time.Duration
	AnswerTimeout      time.Duration
	ICEGatherTimeout   time.Duration
}

func (o WebRTCOptions) withDefaults() WebRTCOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SignalPollInterval <= 0 {
		o.SignalPollInterval = defaultSignalPollInterval
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = defaultAnswerTimeout
	}
	if o.ICEGatherTimeout <= 0 {
		o.ICEGatherTimeout = defaultICEGatherTimeout
	}
	return o
}

// WebRTCFactory is a Factory backed by pion PeerConnections. Every channel
// owns one PeerConnection carrying one ordered data channel labelled "chat".
type WebRTCFactory struct {
	options WebRTCOptions
	logger  *slog.Logger
	mailbox *mailbox

	mu       sync.Mutex
	id       string
	started  bool
	channels map[*webrtcChannel]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebRTCFactory creates a factory exchanging SDP through options.Signaler.
func NewWebRTCFactory(options WebRTCOptions) *WebRTCFactory {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCFactory{
		options:  opts,
		logger:   opts.Logger,
		mailbox:  newMailbox(),
		channels: make(map[*webrtcChannel]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

// Start assigns a random peer ID once a PeerConnection can be built with
// the configured ICE servers, then begins polling for inbound offers.
func (f *WebRTCFactory) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isClosed() {
		return ErrFactoryClosed
	}
	if f.started {
		return fmt.Errorf("webrtc factory already started")
	}
	if f.options.Signaler == nil {
		return errors.New("webrtc factory requires a signaler")
	}
	f.started = true

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		probe, err := f.newPeerConnection()
		if err != nil {
			f.mailbox.push(Event{Kind: EventError, Err: fmt.Errorf("create peer connection: %w", err)})
			return
		}
		_ = probe.Close()

		id := uuid.NewString()
		f.mu.Lock()
		f.id = id
		f.mu.Unlock()

		f.logger.Info("webrtc factory ready", "peer", id)
		f.mailbox.push(Event{Kind: EventReady, PeerID: id})

		f.signalingPoller(id)
	}()
	return nil
}

// Events returns the factory's event stream.
func (f *WebRTCFactory) Events() <-chan Event {
	return f.mailbox.out
}

// Dial starts an outbound connection. Negotiation runs in the background;
// failures surface as an error event followed by a close event.
func (f *WebRTCFactory) Dial(remotePeerID string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isClosed() {
		return nil, ErrFactoryClosed
	}
	if f.id == "" {
		return nil, ErrFactoryNotReady
	}

	ch := &webrtcChannel{factory: f, remoteID: remotePeerID, announced: true}
	f.channels[ch] = struct{}{}

	localID := f.id
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.establishOutbound(localID, ch); err != nil {
			f.logger.Warn("webrtc dial failed", "peer", remotePeerID, "error", err)
			f.mailbox.push(Event{Kind: EventError, Channel: ch, Err: err})
			ch.shutdown()
		}
	}()
	return ch, nil
}

// Close tears down every PeerConnection and stops signaling.
func (f *WebRTCFactory) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.closed)
		channels := make([]*webrtcChannel, 0, len(f.channels))
		for ch := range f.channels {
			channels = append(channels, ch)
		}
		f.mu.Unlock()

		f.cancel()
		for _, ch := range channels {
			_ = ch.Close()
		}
		f.wg.Wait()
		f.mailbox.stop()
	})
	return nil
}

func (f *WebRTCFactory) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *WebRTCFactory) establishOutbound(localID string, ch *webrtcChannel) error {
	pc, err := f.newPeerConnection()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	ch.attach(pc)

	ordered := true
	dc, err := pc.CreateDataChannel(ChatChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	f.bindDataChannel(ch, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := f.waitGather(gatherComplete); err != nil {
		return err
	}

	if err := f.options.Signaler.PublishOffer(f.ctx, localID, ch.remoteID, pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("publish SDP offer: %w", err)
	}
	f.logger.Debug("webrtc offer published", "peer", ch.remoteID)

	answerSDP, err := f.waitForAnswer(localID, ch.remoteID)
	if err != nil {
		return fmt.Errorf("wait for SDP answer from %s: %w", ch.remoteID, err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (f *WebRTCFactory) waitForAnswer(localID, remoteID string) (string, error) {
	deadline := time.NewTimer(f.options.AnswerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.options.SignalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return "", fmt.Errorf("%w: no answer within %s", ErrUnknownPeer, f.options.AnswerTimeout)
		case <-f.ctx.Done():
			return "", ErrFactoryClosed
		case <-ticker.C:
			answer, ok, err := f.options.Signaler.TakeAnswer(f.ctx, localID, remoteID)
			if err != nil {
				f.logger.Warn("polling for SDP answer failed", "peer", remoteID, "error", err)
				continue
			}
			if ok {
				return answer.SDP, nil
			}
		}
	}
}

func (f *WebRTCFactory) signalingPoller(localID string) {
	ticker := time.NewTicker(f.options.SignalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			offers, err := f.options.Signaler.TakeOffers(f.ctx, localID)
			if err != nil {
				f.logger.Warn("polling for SDP offers failed", "error", err)
				continue
			}
			for _, offer := range offers {
				f.wg.Add(1)
				go func(offer SignalMessage) {
					defer f.wg.Done()
					if err := f.answerOffer(localID, offer); err != nil {
						f.logger.Warn("answering webrtc offer failed", "peer", offer.PeerID, "error", err)
					}
				}(offer)
			}
		}
	}
}

func (f *WebRTCFactory) answerOffer(localID string, offer SignalMessage) error {
	f.mu.Lock()
	if f.isClosed() {
		f.mu.Unlock()
		return ErrFactoryClosed
	}
	ch := &webrtcChannel{factory: f, remoteID: offer.PeerID}
	f.channels[ch] = struct{}{}
	f.mu.Unlock()

	pc, err := f.newPeerConnection()
	if err != nil {
		ch.shutdown()
		return fmt.Errorf("create peer connection: %w", err)
	}
	ch.attach(pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChatChannelLabel {
			f.logger.Debug("ignoring unexpected data channel", "label", dc.Label(), "peer", offer.PeerID)
			return
		}
		if !ch.announce() {
			return
		}
		f.mailbox.push(Event{Kind: EventIncoming, Channel: ch})
		f.bindDataChannel(ch, dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		ch.shutdown()
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		ch.shutdown()
		return fmt.Errorf("create SDP answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		ch.shutdown()
		return fmt.Errorf("set local description: %w", err)
	}
	if err := f.waitGather(gatherComplete); err != nil {
		ch.shutdown()
		return err
	}

	if err := f.options.Signaler.PublishAnswer(f.ctx, offer.PeerID, localID, pc.LocalDescription().SDP); err != nil {
		ch.shutdown()
		return fmt.Errorf("publish SDP answer: %w", err)
	}
	f.logger.Debug("webrtc offer answered", "peer", offer.PeerID)
	return nil
}

func (f *WebRTCFactory) bindDataChannel(ch *webrtcChannel, dc *webrtc.DataChannel) {
	ch.mu.Lock()
	ch.dc = dc
	ch.mu.Unlock()

	dc.OnOpen(func() {
		if ch.setOpen() {
			f.mailbox.push(Event{Kind: EventOpen, Channel: ch})
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		payload := append([]byte(nil), msg.Data...)
		f.mailbox.push(Event{Kind: EventData, Channel: ch, Payload: payload})
	})
	dc.OnError(func(err error) {
		f.mailbox.push(Event{Kind: EventError, Channel: ch, Err: err})
	})
	dc.OnClose(func() {
		ch.shutdown()
	})
}

func (f *WebRTCFactory) waitGather(gatherComplete <-chan struct{}) error {
	timer := time.NewTimer(f.options.ICEGatherTimeout)
	defer timer.Stop()

	select {
	case <-gatherComplete:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", f.options.ICEGatherTimeout)
	case <-f.ctx.Done():
		return ErrFactoryClosed
	}
}

func (f *WebRTCFactory) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: f.options.ICE.Servers})
}

func (f *WebRTCFactory) forget(ch *webrtcChannel) {
	f.mu.Lock()
	delete(f.channels, ch)
	f.mu.Unlock()
}

type webrtcChannel struct {
	factory  *WebRTCFactory
	remoteID string

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	announced bool
	open      bool
	closed    bool
}

func (c *webrtcChannel) RemotePeerID() string {
	return c.remoteID
}

func (c *webrtcChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *webrtcChannel) Send(payload []byte) error {
	c.mu.Lock()
	dc, open := c.dc, c.open
	c.mu.Unlock()

	if !open || dc == nil {
		return ErrChannelClosed
	}
	if err := dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("send on data channel to %s: %w", c.remoteID, err)
	}
	return nil
}

func (c *webrtcChannel) Close() error {
	c.shutdown()
	return nil
}

func (c *webrtcChannel) attach(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	c.pc = pc
	closed := c.closed
	c.mu.Unlock()

	if closed {
		go pc.Close()
		return
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.factory.logger.Debug("peer connection ended", "peer", c.remoteID, "state", state.String())
			c.shutdown()
		}
	})
}

func (c *webrtcChannel) announce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.announced {
		return false
	}
	c.announced = true
	return true
}

func (c *webrtcChannel) setOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.open {
		return false
	}
	c.open = true
	return true
}

// shutdown closes the channel once, emitting a close event if the channel
// was ever handed to the consumer. Pion resources are released off the
// calling goroutine since shutdown may run inside a pion callback.
func (c *webrtcChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	announced := c.announced
	pc, dc := c.pc, c.dc
	c.mu.Unlock()

	c.factory.forget(c)
	if announced {
		c.factory.mailbox.push(Event{Kind: EventClose, Channel: c})
	}

	go func() {
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	}()
}
