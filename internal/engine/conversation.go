package engine

import (
	"sync"

	"github.com/scrypster/sage/pkg/types"
)

// DefaultConversationCap bounds the conversation log. Old entries fall off
// the front; retrieval carries long-term recall, the log only keeps the
// recent turn-taking coherent.
const DefaultConversationCap = 20

// ConversationLog is a bounded, thread-safe record of the dialogue.
type ConversationLog struct {
	mu      sync.Mutex
	entries []types.Message
	cap     int
}

// NewConversationLog creates a log bounded to the default capacity.
func NewConversationLog() *ConversationLog {
	return NewConversationLogWithCap(DefaultConversationCap)
}

// NewConversationLogWithCap creates a log bounded to the given capacity.
// Capacities below 1 fall back to the default.
func NewConversationLogWithCap(capacity int) *ConversationLog {
	if capacity < 1 {
		capacity = DefaultConversationCap
	}
	return &ConversationLog{cap: capacity}
}

// Append records one entry, evicting the oldest when over capacity.
func (l *ConversationLog) Append(role types.Role, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, types.Message{Role: role, Text: text})
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// Entries returns a copy of the current log, oldest first.
func (l *ConversationLog) Entries() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries currently held.
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all entries.
func (l *ConversationLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
