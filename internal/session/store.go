// Package session persists browser cookie state between scraping runs, so
// a session that already passed the registry's entry check can be reused
// instead of solving a fresh CAPTCHA every time.
package session

import (
	"context"
	"sync"
)

// Store saves and restores an opaque cookie blob. Both operations are
// best-effort for callers: a run proceeds without a restored session and
// tolerates a failed save.
type Store interface {
	// Load returns the stored blob, or nil when no session exists.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

// MemoryStore keeps the session blob in process memory. Used in tests and
// when no database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	blob []byte
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored blob, or nil when none has been saved.
func (s *MemoryStore) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob == nil {
		return nil, nil
	}
	return append([]byte(nil), s.blob...), nil
}

// Save replaces the stored blob.
func (s *MemoryStore) Save(_ context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = append([]byte(nil), blob...)
	return nil
}
