package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutSignal stores an offer or answer, replacing any unclaimed signal for the same pair.
func (s *Store) PutSignal(ctx context.Context, signal Signal) error {
	if err := validateSignalKind(signal.Kind); err != nil {
		return err
	}
	if signal.OffererID == "" || signal.AnswererID == "" {
		return errors.New("offerer_id and answerer_id are required")
	}
	if signal.SDP == "" {
		return errors.New("sdp is required")
	}
	if signal.CreatedAt == 0 {
		signal.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (kind, offerer_id, answerer_id, sdp, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, offerer_id, answerer_id) DO UPDATE SET
			sdp = excluded.sdp,
			created_at = excluded.created_at`,
		signal.Kind,
		signal.OffererID,
		signal.AnswererID,
		signal.SDP,
		signal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put %s signal %s|%s: %w", signal.Kind, signal.OffererID, signal.AnswererID, err)
	}
	return nil
}

// TakeOffers removes and returns every pending offer addressed to answererID.
func (s *Store) TakeOffers(ctx context.Context, answererID string) ([]Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin signal transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT kind, offerer_id, answerer_id, sdp, created_at
		FROM signals
		WHERE kind = ? AND answerer_id = ?
		ORDER BY created_at, offerer_id`,
		SignalKindOffer,
		answererID,
	)
	if err != nil {
		return nil, fmt.Errorf("list offers for %q: %w", answererID, err)
	}

	offers := make([]Signal, 0)
	for rows.Next() {
		var signal Signal
		if err := rows.Scan(&signal.Kind, &signal.OffererID, &signal.AnswererID, &signal.SDP, &signal.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan offer row: %w", err)
		}
		offers = append(offers, signal)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate offer rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM signals WHERE kind = ? AND answerer_id = ?`,
		SignalKindOffer,
		answererID,
	); err != nil {
		return nil, fmt.Errorf("delete offers for %q: %w", answererID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit signal transaction: %w", err)
	}
	return offers, nil
}

// TakeAnswer removes and returns the answer for one offerer/answerer pair.
func (s *Store) TakeAnswer(ctx context.Context, offererID, answererID string) (*Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin signal transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var signal Signal
	err = tx.QueryRowContext(ctx,
		`SELECT kind, offerer_id, answerer_id, sdp, created_at
		FROM signals
		WHERE kind = ? AND offerer_id = ? AND answerer_id = ?`,
		SignalKindAnswer,
		offererID,
		answererID,
	).Scan(&signal.Kind, &signal.OffererID, &signal.AnswererID, &signal.SDP, &signal.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get answer %s|%s: %w", offererID, answererID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM signals WHERE kind = ? AND offerer_id = ? AND answerer_id = ?`,
		SignalKindAnswer,
		offererID,
		answererID,
	); err != nil {
		return nil, fmt.Errorf("delete answer %s|%s: %w", offererID, answererID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit signal transaction: %w", err)
	}
	return &signal, nil
}

// PruneSignals removes signals created before cutoffTimestamp.
func (s *Store) PruneSignals(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM signals WHERE created_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune signals: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for signal prune: %w", err)
	}

	return rowsAffected, nil
}
