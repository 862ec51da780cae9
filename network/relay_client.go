package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

var _ Signaler = (*RelayClient)(nil)

// RelayClient talks to a RelayServer. It serves as both the registry blob
// store and the WebRTC signaler for peers sharing a LAN relay.
type RelayClient struct {
	address string
	timeout time.Duration
}

// NewRelayClient creates a client for the relay at address. A non-positive
// timeout selects DefaultConnectionTimeout.
func NewRelayClient(address string, timeout time.Duration) *RelayClient {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	return &RelayClient{address: address, timeout: timeout}
}

// Address returns the relay address.
func (c *RelayClient) Address() string {
	return c.address
}

// GetAll returns the relay's directory snapshot.
func (c *RelayClient) GetAll(ctx context.Context) (map[string]string, error) {
	response, err := c.roundTrip(ctx, RelayRequest{Type: TypeGetAll})
	if err != nil {
		return nil, err
	}
	if response.Entries == nil {
		return map[string]string{}, nil
	}
	return response.Entries, nil
}

// SetAll replaces the relay's directory.
func (c *RelayClient) SetAll(ctx context.Context, entries map[string]string) error {
	_, err := c.roundTrip(ctx, RelayRequest{Type: TypeSetAll, Entries: entries})
	return err
}

func (c *RelayClient) PublishOffer(ctx context.Context, offererID, answererID, sdp string) error {
	_, err := c.roundTrip(ctx, RelayRequest{Type: TypePublishOffer, OffererID: offererID, AnswererID: answererID, SDP: sdp})
	return err
}

func (c *RelayClient) PublishAnswer(ctx context.Context, offererID, answererID, sdp string) error {
	_, err := c.roundTrip(ctx, RelayRequest{Type: TypePublishAnswer, OffererID: offererID, AnswererID: answererID, SDP: sdp})
	return err
}

func (c *RelayClient) TakeOffers(ctx context.Context, answererID string) ([]SignalMessage, error) {
	response, err := c.roundTrip(ctx, RelayRequest{Type: TypeTakeOffers, AnswererID: answererID})
	if err != nil {
		return nil, err
	}
	return response.Signals, nil
}

func (c *RelayClient) TakeAnswer(ctx context.Context, offererID, answererID string) (SignalMessage, bool, error) {
	response, err := c.roundTrip(ctx, RelayRequest{Type: TypeTakeAnswer, OffererID: offererID, AnswererID: answererID})
	if err != nil {
		return SignalMessage{}, false, err
	}
	if len(response.Signals) == 0 {
		return SignalMessage{}, false, nil
	}
	return response.Signals[0], true, nil
}

func (c *RelayClient) roundTrip(ctx context.Context, request RelayRequest) (RelayResponse, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return RelayResponse{}, fmt.Errorf("dial relay %s: %w", c.address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return RelayResponse{}, fmt.Errorf("set relay deadline: %w", err)
	}

	payload, err := EncodeJSON(request)
	if err != nil {
		return RelayResponse{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return RelayResponse{}, fmt.Errorf("write %s request: %w", request.Type, err)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		return RelayResponse{}, fmt.Errorf("read %s response: %w", request.Type, err)
	}
	return decodeRelayResponse(reply)
}
