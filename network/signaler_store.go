package network

import (
	"context"
	"errors"

	"peerchat/storage"
)

var _ Signaler = (*StoreSignaler)(nil)

// StoreSignaler exchanges signals through the shared SQLite store so that
// processes on the same machine can reach each other.
type StoreSignaler struct {
	store *storage.Store
}

// NewStoreSignaler wraps store.
func NewStoreSignaler(store *storage.Store) *StoreSignaler {
	return &StoreSignaler{store: store}
}

func (s *StoreSignaler) PublishOffer(ctx context.Context, offererID, answererID, sdp string) error {
	return s.store.PutSignal(ctx, storage.Signal{
		Kind:       storage.SignalKindOffer,
		OffererID:  offererID,
		AnswererID: answererID,
		SDP:        sdp,
	})
}

func (s *StoreSignaler) PublishAnswer(ctx context.Context, offererID, answererID, sdp string) error {
	return s.store.PutSignal(ctx, storage.Signal{
		Kind:       storage.SignalKindAnswer,
		OffererID:  offererID,
		AnswererID: answererID,
		SDP:        sdp,
	})
}

func (s *StoreSignaler) TakeOffers(ctx context.Context, answererID string) ([]SignalMessage, error) {
	rows, err := s.store.TakeOffers(ctx, answererID)
	if err != nil {
		return nil, err
	}

	offers := make([]SignalMessage, 0, len(rows))
	for _, row := range rows {
		offers = append(offers, SignalMessage{PeerID: row.OffererID, SDP: row.SDP, CreatedAt: row.CreatedAt})
	}
	return offers, nil
}

func (s *StoreSignaler) TakeAnswer(ctx context.Context, offererID, answererID string) (SignalMessage, bool, error) {
	row, err := s.store.TakeAnswer(ctx, offererID, answererID)
	if errors.Is(err, storage.ErrNotFound) {
		return SignalMessage{}, false, nil
	}
	if err != nil {
		return SignalMessage{}, false, err
	}
	return SignalMessage{PeerID: row.AnswererID, SDP: row.SDP, CreatedAt: row.CreatedAt}, true, nil
}
