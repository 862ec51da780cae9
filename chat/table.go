package chat

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"peerchat/models"
	"peerchat/network"
)

// UnknownName is the display name of a peer that has not identified yet.
const UnknownName = "Unknown"

// ConnectionRecord is the logical connection to one remote peer.
type ConnectionRecord struct {
	PeerID      string
	DisplayName string
	Channel     network.Channel
}

// Table maps a remote transport peer ID to its ConnectionRecord. Writes
// come from the session loop; reads may come from any goroutine.
type Table struct {
	mu      sync.RWMutex
	records map[string]ConnectionRecord
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{records: make(map[string]ConnectionRecord)}
}

// Put inserts or replaces the record under key.
func (t *Table) Put(key string, record ConnectionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key] = record
}

// Get returns the record under key.
func (t *Table) Get(key string) (ConnectionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.records[key]
	return record, ok
}

// Has reports whether a record exists under key.
func (t *Table) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Identify updates the display name and peer ID of an existing record.
func (t *Table) Identify(key, displayName, peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[key]
	if !ok {
		return false
	}
	record.DisplayName = displayName
	record.PeerID = peerID
	t.records[key] = record
	return true
}

// DisplayName returns the name on record for key, or UnknownName.
func (t *Table) DisplayName(key string) string {
	record, ok := t.Get(key)
	if !ok || record.DisplayName == "" {
		return UnknownName
	}
	return record.DisplayName
}

// Delete removes the record under key.
func (t *Table) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[key]; !ok {
		return false
	}
	delete(t.records, key)
	return true
}

// Records returns every record ordered by key.
func (t *Table) Records() []ConnectionRecord {
	t.mu.RLock()
	keys := lo.Keys(t.records)
	sort.Strings(keys)
	records := lo.Map(keys, func(key string, _ int) ConnectionRecord {
		return t.records[key]
	})
	t.mu.RUnlock()
	return records
}

// Peers projects the table onto the online peers view.
func (t *Table) Peers() []models.PeerInfo {
	return lo.Map(t.Records(), func(record ConnectionRecord, _ int) models.PeerInfo {
		return models.PeerInfo{PeerID: record.PeerID, Username: record.DisplayName}
	})
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Clear removes every record.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.records)
}
