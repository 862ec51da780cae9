package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "peerchat.db"
	// DefaultCheckpointInterval controls periodic WAL truncation.
	DefaultCheckpointInterval = time.Hour
	// DefaultSignalRetention bounds how long an unclaimed offer or answer is kept.
	DefaultSignalRetention = 2 * time.Minute
)

// schema is applied in order; PRAGMA user_version records how many steps
// a database file has seen.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS registry_entries (
		entry_key   TEXT PRIMARY KEY,
		entry_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		kind        TEXT NOT NULL CHECK(kind IN ('offer','answer')),
		offerer_id  TEXT NOT NULL,
		answerer_id TEXT NOT NULL,
		sdp         TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (kind, offerer_id, answerer_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_answerer
		ON signals (kind, answerer_id, created_at)`,
}

// Option customizes a Store.
type Option func(*Store)

// WithCheckpointInterval overrides how often the WAL is truncated.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.checkpointInterval = interval
		}
	}
}

// WithSignalRetention overrides how long unclaimed signals survive. Expired
// signals are swept every half retention period.
func WithSignalRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.signalRetention = retention
		}
	}
}

// WithLogger overrides the logger used by background maintenance.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a SQLite database shared by every process on the machine that
// opens the same file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	checkpointInterval time.Duration
	signalRetention    time.Duration

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) peerchat.db under dataDir. It returns the store
// and the database path.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, brings its schema up to date and
// starts background maintenance.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := "file:" + filepath.ToSlash(dbPath) + "?_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:                 db,
		logger:             slog.Default(),
		checkpointInterval: DefaultCheckpointInterval,
		signalRetention:    DefaultSignalRetention,
	}
	for _, opt := range opts {
		opt(s)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"ping", db.Ping},
		{"enable WAL mode", s.useWAL},
		{"migrate schema", s.migrate},
		{"wal checkpoint", s.checkpoint},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.every(ctx, s.checkpointInterval, s.checkpointTick)
	go s.every(ctx, s.signalRetention/2, s.pruneTick)

	return s, nil
}

// Close stops background maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return err
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("unexpected journal mode %q", mode)
	}
	return nil
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for step := applied; step < len(schema); step++ {
		if _, err := tx.Exec(schema[step]); err != nil {
			return fmt.Errorf("schema step %d: %w", step+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(schema))); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) checkpointTick() {
	if err := s.checkpoint(); err != nil {
		s.logger.Warn("wal checkpoint failed", "error", err)
	}
}

func (s *Store) pruneTick() {
	cutoff := nowUnixMilli() - s.signalRetention.Milliseconds()
	removed, err := s.PruneSignals(cutoff)
	if err != nil {
		s.logger.Warn("signal prune failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("expired signals pruned", "removed", removed)
	}
}

// every runs fn each interval until ctx ends.
func (s *Store) every(ctx context.Context, interval time.Duration, fn func()) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
