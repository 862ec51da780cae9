package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SignalKindOffer marks an SDP offer waiting for its target.
	SignalKindOffer = "offer"
	// SignalKindAnswer marks an SDP answer waiting for its offerer.
	SignalKindAnswer = "answer"
)

// Signal is the SQLite representation of one pending signaling message.
type Signal struct {
	Kind       string
	OffererID  string
	AnswererID string
	SDP        string
	CreatedAt  int64
}

func validateSignalKind(kind string) error {
	switch kind {
	case SignalKindOffer, SignalKindAnswer:
		return nil
	default:
		return fmt.Errorf("invalid signal kind %q", kind)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
