package network

import (
	"context"
	"sort"
	"sync"
)

var _ Signaler = (*MemorySignaler)(nil)

const signalingSeparator = "|"

// MemorySignaler is an in-process Signaler. Factories sharing one instance
// can establish WebRTC connections without any external signaling service.
type MemorySignaler struct {
	mu      sync.Mutex
	offers  map[string]SignalMessage // key: "offerer|answerer"
	answers map[string]SignalMessage // key: "offerer|answerer"
	targets map[string]string        // offer key -> answerer
}

// NewMemorySignaler creates a new in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:  make(map[string]SignalMessage),
		answers: make(map[string]SignalMessage),
		targets: make(map[string]string),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, offererID, answererID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offererID + signalingSeparator + answererID
	s.offers[key] = SignalMessage{PeerID: offererID, SDP: sdp, CreatedAt: nowUnixMilli()}
	s.targets[key] = answererID
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offererID, answererID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offererID + signalingSeparator + answererID
	s.answers[key] = SignalMessage{PeerID: answererID, SDP: sdp, CreatedAt: nowUnixMilli()}
	return nil
}

func (s *MemorySignaler) TakeOffers(_ context.Context, answererID string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var offers []SignalMessage
	for key, target := range s.targets {
		if target != answererID {
			continue
		}
		offers = append(offers, s.offers[key])
		delete(s.offers, key)
		delete(s.targets, key)
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].CreatedAt != offers[j].CreatedAt {
			return offers[i].CreatedAt < offers[j].CreatedAt
		}
		return offers[i].PeerID < offers[j].PeerID
	})
	return offers, nil
}

func (s *MemorySignaler) TakeAnswer(_ context.Context, offererID, answererID string) (SignalMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offererID + signalingSeparator + answererID
	answer, ok := s.answers[key]
	if ok {
		delete(s.answers, key)
	}
	return answer, ok, nil
}

// Prune drops unclaimed offers and answers created before cutoff (unix ms)
// and reports how many were removed.
func (s *MemorySignaler) Prune(cutoff int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, offer := range s.offers {
		if offer.CreatedAt < cutoff {
			delete(s.offers, key)
			delete(s.targets, key)
			removed++
		}
	}
	for key, answer := range s.answers {
		if answer.CreatedAt < cutoff {
			delete(s.answers, key)
			removed++
		}
	}
	return removed
}
