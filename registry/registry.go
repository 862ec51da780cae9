// Package registry maintains the shared presence directory peers use to find
// each other. Every operation round-trips through a Store so concurrent
// processes observe each other's writes; conflicts resolve last-writer-wins.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"peerchat/models"
)

// Timeout is how long a record survives without a refresh.
const Timeout = 10 * time.Second

// ErrStorageAccess wraps failures reading or writing the backing Store.
var ErrStorageAccess = errors.New("registry: storage access failed")

// Store is the shared string-keyed blob store backing the directory.
type Store interface {
	GetAll(ctx context.Context) (map[string]string, error)
	SetAll(ctx context.Context, entries map[string]string) error
}

// entry is the serialized value stored under each peer ID.
type entry struct {
	Username string `json:"username"`
	LastSeen int64  `json:"lastSeen"`
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTimeout overrides the staleness window.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// Registry implements register/touch/sweep/unregister over a Store.
// Methods never return errors; storage failures are logged and degrade
// to no-ops or empty results.
type Registry struct {
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Registry backed by store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		clock:   clock.New(),
		logger:  slog.Default(),
		timeout: Timeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts peerID with lastSeen = now.
func (r *Registry) Register(ctx context.Context, peerID, displayName string) {
	if peerID == "" {
		return
	}

	directory, _, err := r.load(ctx)
	if err != nil {
		r.logger.Warn("registry register failed", "peer", peerID, "error", err)
		return
	}

	directory[peerID] = entry{Username: displayName, LastSeen: r.nowMillis()}
	if err := r.save(ctx, directory); err != nil {
		r.logger.Warn("registry register failed", "peer", peerID, "error", err)
	}
}

// Touch refreshes lastSeen for peerID if its record is still present.
// It never recreates a deleted record.
func (r *Registry) Touch(ctx context.Context, peerID string) {
	if peerID == "" {
		return
	}

	directory, _, err := r.load(ctx)
	if err != nil {
		r.logger.Warn("registry touch failed", "peer", peerID, "error", err)
		return
	}

	current, ok := directory[peerID]
	if !ok {
		r.logger.Debug("registry touch skipped, record absent", "peer", peerID)
		return
	}

	current.LastSeen = r.nowMillis()
	directory[peerID] = current
	if err := r.save(ctx, directory); err != nil {
		r.logger.Warn("registry touch failed", "peer", peerID, "error", err)
	}
}

// SweepAndList deletes every stale record, persists the result, and returns
// the live records other than excludePeerID ordered by peer ID.
func (r *Registry) SweepAndList(ctx context.Context, excludePeerID string) []models.PeerRecord {
	directory, dropped, err := r.load(ctx)
	if err != nil {
		r.logger.Warn("registry sweep failed", "error", err)
		return []models.PeerRecord{}
	}

	now := r.nowMillis()
	limit := r.timeout.Milliseconds()
	live := lo.PickBy(directory, func(_ string, value entry) bool {
		return now-value.LastSeen <= limit
	})

	if removed := len(directory) - len(live) + dropped; removed > 0 {
		r.logger.Debug("registry pruned stale peers", "removed", removed)
		if err := r.save(ctx, live); err != nil {
			r.logger.Warn("registry sweep persist failed", "error", err)
		}
	}

	peers := lo.FilterMap(lo.Entries(live), func(item lo.Entry[string, entry], _ int) (models.PeerRecord, bool) {
		return models.PeerRecord{
			PeerID:      item.Key,
			DisplayName: item.Value.Username,
			LastSeen:    item.Value.LastSeen,
		}, item.Key != excludePeerID
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

// Unregister removes peerID. Absent records are ignored.
func (r *Registry) Unregister(ctx context.Context, peerID string) {
	if peerID == "" {
		return
	}

	directory, _, err := r.load(ctx)
	if err != nil {
		r.logger.Warn("registry unregister failed", "peer", peerID, "error", err)
		return
	}
	if _, ok := directory[peerID]; !ok {
		return
	}

	delete(directory, peerID)
	if err := r.save(ctx, directory); err != nil {
		r.logger.Warn("registry unregister failed", "peer", peerID, "error", err)
	}
}

// load decodes the stored directory. Entries that do not decode carry no
// usable lastSeen, so they count as dead: they are left out of the result
// and disappear from the store on the next write.
func (r *Registry) load(ctx context.Context) (map[string]entry, int, error) {
	if r.store == nil {
		return nil, 0, fmt.Errorf("%w: no store configured", ErrStorageAccess)
	}

	raw, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read directory: %v", ErrStorageAccess, err)
	}

	directory := make(map[string]entry, len(raw))
	dropped := 0
	for key, value := range raw {
		var decoded entry
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			r.logger.Debug("registry dropping undecodable entry", "peer", key, "error", err)
			dropped++
			continue
		}
		directory[key] = decoded
	}
	return directory, dropped, nil
}

func (r *Registry) save(ctx context.Context, directory map[string]entry) error {
	raw := make(map[string]string, len(directory))
	for key, value := range directory {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: encode %q: %v", ErrStorageAccess, key, err)
		}
		raw[key] = string(encoded)
	}

	if err := r.store.SetAll(ctx, raw); err != nil {
		return fmt.Errorf("%w: write directory: %v", ErrStorageAccess, err)
	}
	return nil
}

func (r *Registry) nowMillis() int64 {
	return r.clock.Now().UnixMilli()
}
