package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"sync"
	"time"
)

const defaultRelaySignalRetention = 2 * time.Minute

// RelayOptions configures a RelayServer.
type RelayOptions struct {
	Logger          *slog.Logger
	RequestTimeout  time.Duration
	SignalRetention time.Duration
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultFrameReadTimeout
	}
	if o.SignalRetention <= 0 {
		o.SignalRetention = defaultRelaySignalRetention
	}
	return o
}

// RelayServer holds a shared registry directory and pending WebRTC signals
// for peers on a LAN. Each TCP connection carries exactly one request frame
// and one response frame.
type RelayServer struct {
	listener net.Listener
	options  RelayOptions
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]string
	signals *MemorySignaler

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenRelay starts a TCP listener and request accept loop.
func ListenRelay(address string, options RelayOptions) (*RelayServer, error) {
	opts := options.withDefaults()
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &RelayServer{
		listener: listener,
		options:  opts,
		logger:   opts.Logger,
		entries:  make(map[string]string),
		signals:  NewMemorySignaler(),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(2)
	go server.acceptLoop()
	go server.pruneLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *RelayServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *RelayServer) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, waits for in-flight requests and closes Errors.
func (s *RelayServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *RelayServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *RelayServer) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.SignalRetention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.options.SignalRetention).UnixMilli()
			if removed := s.signals.Prune(cutoff); removed > 0 {
				s.logger.Debug("relay pruned stale signals", "removed", removed)
			}
		}
	}
}

func (s *RelayServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.RequestTimeout)); err != nil {
		s.reportError(fmt.Errorf("set request deadline: %w", err))
		return
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read relay request: %w", err))
		return
	}

	var response RelayResponse
	request, err := decodeRelayRequest(payload)
	if err != nil {
		response = relayError("invalid_request", err.Error())
	} else {
		response = s.dispatch(request)
	}

	encoded, err := EncodeJSON(response)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, encoded); err != nil {
		s.reportError(fmt.Errorf("write relay response: %w", err))
	}
}

func (s *RelayServer) dispatch(request RelayRequest) RelayResponse {
	ctx := context.Background()

	switch request.Type {
	case TypeGetAll:
		s.mu.Lock()
		entries := maps.Clone(s.entries)
		s.mu.Unlock()
		return RelayResponse{Type: TypeSnapshot, Entries: entries}

	case TypeSetAll:
		entries := maps.Clone(request.Entries)
		if entries == nil {
			entries = make(map[string]string)
		}
		s.mu.Lock()
		s.entries = entries
		s.mu.Unlock()
		return RelayResponse{Type: TypeAck}

	case TypePublishOffer, TypePublishAnswer:
		if request.OffererID == "" || request.AnswererID == "" || request.SDP == "" {
			return relayError("invalid_signal", "offerer_id, answerer_id and sdp are required")
		}
		publish := s.signals.PublishOffer
		if request.Type == TypePublishAnswer {
			publish = s.signals.PublishAnswer
		}
		if err := publish(ctx, request.OffererID, request.AnswererID, request.SDP); err != nil {
			return relayError("signal_failed", err.Error())
		}
		return RelayResponse{Type: TypeAck}

	case TypeTakeOffers:
		if request.AnswererID == "" {
			return relayError("invalid_signal", "answerer_id is required")
		}
		offers, err := s.signals.TakeOffers(ctx, request.AnswererID)
		if err != nil {
			return relayError("signal_failed", err.Error())
		}
		return RelayResponse{Type: TypeSignals, Signals: offers}

	case TypeTakeAnswer:
		if request.OffererID == "" || request.AnswererID == "" {
			return relayError("invalid_signal", "offerer_id and answerer_id are required")
		}
		answer, ok, err := s.signals.TakeAnswer(ctx, request.OffererID, request.AnswererID)
		if err != nil {
			return relayError("signal_failed", err.Error())
		}
		if !ok {
			return RelayResponse{Type: TypeSignals}
		}
		return RelayResponse{Type: TypeSignals, Signals: []SignalMessage{answer}}

	default:
		return relayError("unknown_type", fmt.Sprintf("unsupported request type %q", request.Type))
	}
}

func (s *RelayServer) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	s.logger.Debug("relay request failed", "error", err)
	select {
	case s.errs <- err:
	default:
	}
}
