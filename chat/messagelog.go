package chat

import (
	"slices"
	"sync"

	"peerchat/models"
)

// MessageLog is the append-only, arrival-ordered chat history.
type MessageLog struct {
	mu       sync.RWMutex
	messages []models.Message
}

// NewMessageLog returns an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append adds message at the end.
func (l *MessageLog) Append(message models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, message)
}

// Snapshot returns a copy of every message in arrival order.
func (l *MessageLog) Snapshot() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := slices.Clone(l.messages)
	if out == nil {
		out = []models.Message{}
	}
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Clear drops every message.
func (l *MessageLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}
