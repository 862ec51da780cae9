package network

import (
	"context"
	"time"
)

// Signaler exchanges complete SDP descriptions between WebRTC factories.
// Signaling is vanilla ICE: every candidate is gathered before the SDP is
// published, so one offer and one answer establish a connection.
// Take operations consume what they return.
type Signaler interface {
	// PublishOffer stores an offer from offererID for answererID.
	PublishOffer(ctx context.Context, offererID, answererID, sdp string) error
	// PublishAnswer stores the answer to offererID's offer.
	PublishAnswer(ctx context.Context, offererID, answererID, sdp string) error
	// TakeOffers returns and removes every offer addressed to answererID.
	TakeOffers(ctx context.Context, answererID string) ([]SignalMessage, error)
	// TakeAnswer returns and removes the answer for one offer, if present.
	TakeAnswer(ctx context.Context, offererID, answererID string) (SignalMessage, bool, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// PeerID is the other party: the offerer for offers, the answerer for answers.
	PeerID    string `json:"peer_id"`
	SDP       string `json:"sdp"`
	CreatedAt int64  `json:"created_at"`
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
