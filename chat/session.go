// Package chat ties peer discovery, connection lifecycle and message
// dispatch into a Session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"peerchat/models"
	"peerchat/network"
	"peerchat/registry"
)

const (
	// DefaultLivenessInterval is how often the local registry record is refreshed.
	DefaultLivenessInterval = 5 * time.Second
	// DefaultDiscoveryInterval is how often the registry is swept for new peers.
	DefaultDiscoveryInterval = 5 * time.Second
	// DefaultRegistryTimeout bounds each registry round trip.
	DefaultRegistryTimeout = 5 * time.Second

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
	errorBufferSize = 64
)

// Directory is the presence registry a Session advertises in and discovers
// peers from. *registry.Registry implements it.
type Directory interface {
	Register(ctx context.Context, peerID, displayName string)
	Touch(ctx context.Context, peerID string)
	SweepAndList(ctx context.Context, excludePeerID string) []models.PeerRecord
	Unregister(ctx context.Context, peerID string)
}

// Options configures a Session.
type Options struct {
	// NewTransport builds a fresh Factory for every Initialize.
	NewTransport func() (network.Factory, error)
	Directory    Directory
	Clock        clock.Clock
	Logger       *slog.Logger

	LivenessInterval  time.Duration
	DiscoveryInterval time.Duration
	RegistryTimeout   time.Duration

	// OnMessage and OnPeersChanged run on the session goroutine and must
	// not call back into the Session synchronously.
	OnMessage      func(models.Message)
	OnPeersChanged func([]models.PeerInfo)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Directory == nil {
		o.Directory = registry.New(registry.NewMemoryStore(), registry.WithLogger(o.Logger), registry.WithClock(o.Clock))
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = DefaultLivenessInterval
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if o.RegistryTimeout <= 0 {
		o.RegistryTimeout = DefaultRegistryTimeout
	}
	return o
}

// Session is one local chat participant. All state transitions happen on a
// single goroutine started by Initialize and stopped by Disconnect.
type Session struct {
	opts   Options
	logger *slog.Logger

	table    *Table
	messages *MessageLog
	errs     chan error

	mu      sync.Mutex
	current *loop

	identityMu sync.RWMutex
	selfID     string
	username   string
}

// NewSession creates an uninitialized Session.
func NewSession(options Options) *Session {
	opts := options.withDefaults()
	return &Session{
		opts:     opts,
		logger:   opts.Logger,
		table:    NewTable(),
		messages: NewMessageLog(),
		errs:     make(chan error, errorBufferSize),
	}
}

// Initialize creates the transport and waits until it assigns a local peer
// ID. On success the session is registered in the directory and both
// periodic timers run. On failure nothing keeps running.
func (s *Session) Initialize(ctx context.Context, username string) error {
	name := strings.TrimSpace(username)
	if name == "" {
		return ErrUsernameRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrAlreadyInitialized
	}
	if s.opts.NewTransport == nil {
		return fmt.Errorf("%w: no transport configured", ErrInitialization)
	}

	factory, err := s.opts.NewTransport()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	l := newLoop(s, factory, name)
	if err := factory.Start(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	go l.run()

	select {
	case err := <-l.ready:
		if err == nil {
			s.current = l
			s.logger.Info("session initialized", "peer", s.SelfID(), "username", name)
			return nil
		}
		_ = l.stop()
		s.logger.Warn("session initialization failed", "error", err)
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	case <-ctx.Done():
		_ = l.stop()
		return fmt.Errorf("%w: %w", ErrInitialization, ctx.Err())
	}
}

// ConnectToPeer dials peerID unless a connection to it exists or is in
// progress.
func (s *Session) ConnectToPeer(ctx context.Context, peerID string) error {
	target := strings.TrimSpace(peerID)
	if target == "" {
		return ErrPeerIDRequired
	}

	var err error
	if doErr := s.submit(ctx, func(l *loop) { err = l.connect(target) }); doErr != nil {
		return doErr
	}
	return err
}

// SendMessage broadcasts content to every open channel and appends a local
// echo. Empty or whitespace-only content is ignored.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	return s.submit(ctx, func(l *loop) { l.broadcast(trimmed) })
}

// Disconnect stops both timers, destroys the transport, removes the local
// registry record and clears the table and message log before returning.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.current
	s.current = nil
	if l == nil {
		s.reset()
		return nil
	}

	err := l.stop()
	s.logger.Info("session disconnected")
	return err
}

// Errors returns asynchronous transport faults. The channel is never closed.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Peers returns the currently connected peers ordered by transport ID.
func (s *Session) Peers() []models.PeerInfo {
	return s.table.Peers()
}

// Messages returns the chat history in arrival order.
func (s *Session) Messages() []models.Message {
	return s.messages.Snapshot()
}

// SelfID returns the local peer ID, empty before initialization.
func (s *Session) SelfID() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.selfID
}

// Username returns the local display name, empty before initialization.
func (s *Session) Username() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.username
}

// Running reports whether the session is initialized.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Session) submit(ctx context.Context, fn func(*loop)) error {
	s.mu.Lock()
	l := s.current
	s.mu.Unlock()

	if l == nil {
		return ErrNotInitialized
	}
	return l.do(ctx, fn)
}

func (s *Session) setIdentity(selfID, username string) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	s.selfID = selfID
	s.username = username
}

// reset returns the session to its pre-initialization state.
func (s *Session) reset() {
	s.table.Clear()
	s.messages.Clear()
	s.setIdentity("", "")
	s.notifyPeers()
}

func (s *Session) report(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("error channel full, dropping error", "error", err)
	}
}

func (s *Session) notifyPeers() {
	if s.opts.OnPeersChanged != nil {
		s.opts.OnPeersChanged(s.table.Peers())
	}
}

func (s *Session) notifyMessage(message models.Message) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(message)
	}
}

func (s *Session) registryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.RegistryTimeout)
}

func (s *Session) timestamp() string {
	return s.opts.Clock.Now().UTC().Format(timestampLayout)
}

func transportError(peerID string, err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	if peerID == "" {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("%w: peer %s: %v", ErrTransport, peerID, err)
}
