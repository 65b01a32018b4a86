// Package localstore holds device-local state outside the replicated store: a durable file
// (stable id, profile cache) and a session map that lives as long as the process.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KV is a string key/value store. Set persists before returning.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// Session forgets everything when the process exits.
type Session struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewSession() *Session {
	return &Session{m: make(map[string]string)}
}

func (s *Session) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *Session) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Session) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// File keeps a JSON object on disk and rewrites it atomically on every change.
type File struct {
	mu   sync.RWMutex
	path string
	m    map[string]string
}

// OpenFile loads path, creating its directory. A missing file starts empty.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("localstore.OpenFile: %w", err)
	}
	f := &File{path: path, m: make(map[string]string)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("localstore.OpenFile: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.m); err != nil {
			return nil, fmt.Errorf("localstore.OpenFile %s: %w", path, err)
		}
	}
	return f, nil
}

func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.m[key]
	return v, ok
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.m[key]
	f.m[key] = value
	if err := f.flushLocked(); err != nil {
		if had {
			f.m[key] = prev
		} else {
			delete(f.m, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.m[key]
	if !had {
		return nil
	}
	delete(f.m, key)
	if err := f.flushLocked(); err != nil {
		f.m[key] = prev
		return err
	}
	return nil
}

func (f *File) flushLocked() error {
	data, err := json.MarshalIndent(f.m, "", "  ")
	if err != nil {
		return fmt.Errorf("localstore.flush: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("localstore.flush: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("localstore.flush: %w", err)
	}
	return nil
}
