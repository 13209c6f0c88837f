// Package history records the conversation: user transcripts, typed text
// and completed agent replies.
//
// Stores are written off the call loop through a Recorder.
package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Speakers used in Entry.Person for the local side of the call. Agent
// replies use the agent name.
const (
	PersonUser   = "User"
	PersonSystem = "System"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("history: store closed")

// Entry is one line of conversation.
type Entry struct {
	Time   time.Time `json:"time"`
	CallID string    `json:"call_id,omitempty"`
	Agent  string    `json:"agent,omitempty"`
	Person string    `json:"person"`
	Text   string    `json:"text"`
}

// Store persists entries.
type Store interface {
	// Append writes one entry.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to n of the latest entries, oldest first.
	Recent(ctx context.Context, n int) ([]Entry, error)

	Close() error
}

// Multi writes to every store and reads from the first.
type Multi []Store

// Append implements Store.
func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recent implements Store.
func (m Multi) Recent(ctx context.Context, n int) ([]Entry, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].Recent(ctx, n)
}

// Close implements Store.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryStore keeps the latest entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
	closed  bool
}

// NewMemoryStore creates a store holding at most limit entries (default 500).
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryStore{limit: limit}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.limit; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
	return nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(_ context.Context, n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.entries, n), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func tail(entries []Entry, n int) []Entry {
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	return append([]Entry(nil), entries[len(entries)-n:]...)
}
