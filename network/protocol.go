package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted relay frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds relay dial and request duration.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultFrameReadTimeout bounds each relay frame read.
	DefaultFrameReadTimeout = 10 * time.Second
)

const (
	TypeInfo = "info"
	TypeChat = "chat"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidPayload indicates a peer payload matched neither the info nor the chat shape.
	ErrInvalidPayload = errors.New("network: invalid peer payload")
	// ErrInvalidMessageType indicates the relay message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// PeerMessage is a payload exchanged directly between two peers over a
// channel. It is either an InfoMessage or a ChatMessage.
type PeerMessage interface {
	// Type returns the wire discriminator.
	Type() string
	peerMessage()
}

// InfoMessage announces the sender's display name and peer ID.
type InfoMessage struct {
	Username string
	PeerID   string
}

// ChatMessage carries one line of chat text.
type ChatMessage struct {
	Content string
}

func (InfoMessage) Type() string { return TypeInfo }
func (ChatMessage) Type() string { return TypeChat }

func (InfoMessage) peerMessage() {}
func (ChatMessage) peerMessage() {}

type infoWire struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	PeerID   string `json:"peerId"`
}

type chatWire struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MarshalJSON encodes the info wire shape.
func (m InfoMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(infoWire{Type: TypeInfo, Username: m.Username, PeerID: m.PeerID})
}

// MarshalJSON encodes the chat wire shape.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(chatWire{Type: TypeChat, Content: m.Content})
}

// EncodePeerMessage marshals a peer payload to its wire form.
func EncodePeerMessage(message PeerMessage) ([]byte, error) {
	if message == nil {
		return nil, ErrInvalidPayload
	}
	return EncodeJSON(message)
}

// ParsePeerMessage validates payload and returns the recognized variant.
// Any payload that is not a JSON object with a string "type" of "info"
// (string username and peerId) or "chat" (string content) is rejected
// with ErrInvalidPayload. Unknown extra fields are ignored.
func ParsePeerMessage(payload []byte) (PeerMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	msgType, ok := stringField(fields, "type")
	if !ok {
		return nil, fmt.Errorf("%w: missing or non-string type", ErrInvalidPayload)
	}

	switch msgType {
	case TypeChat:
		content, ok := stringField(fields, "content")
		if !ok {
			return nil, fmt.Errorf("%w: chat content must be a string", ErrInvalidPayload)
		}
		return ChatMessage{Content: content}, nil
	case TypeInfo:
		username, okName := stringField(fields, "username")
		peerID, okID := stringField(fields, "peerId")
		if !okName || !okID {
			return nil, fmt.Errorf("%w: info username and peerId must be strings", ErrInvalidPayload)
		}
		return InfoMessage{Username: username, PeerID: peerID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, msgType)
	}
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}

	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// Envelope identifies the relay message type.
type Envelope struct {
	Type string `json:"type"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a relay payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
