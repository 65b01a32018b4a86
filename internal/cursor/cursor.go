// Package cursor keeps the per-channel read cursor: the sequence key up to which a channel has
// been seen. Cursors live in the session store and are gone after a restart.
package cursor

import (
	"fmt"
	"sync"

	"github.com/deepforums/internal/localstore"
)

const prefix = "cursor:"

type Store struct {
	mu sync.Mutex
	kv localstore.KV
}

func New(kv localstore.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Get(channel string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Get(prefix + channel)
}

// Set overwrites the cursor and persists it before returning.
func (s *Store) Set(channel, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(prefix+channel, key); err != nil {
		return fmt.Errorf("cursor.Set %s: %w", channel, err)
	}
	return nil
}

// Advance moves the cursor to key unless it already points at or past it.
// It reports whether the cursor moved.
func (s *Store) Advance(channel, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.kv.Get(prefix + channel); ok && cur >= key {
		return false, nil
	}
	if err := s.kv.Set(prefix+channel, key); err != nil {
		return false, fmt.Errorf("cursor.Advance %s: %w", channel, err)
	}
	return true, nil
}
