// Package realtime defines the replicated path-addressable store the client state layer is
// built on: plain writes, ordered appends, value and child-added subscriptions, one-shot reads.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrInvalidPath = errors.New("realtime: invalid path")
	ErrClosed      = errors.New("realtime: store closed")
	// ErrTransient marks a failed round-trip to the store. Writes that fail with it were not applied
	// by this client and may be retried.
	ErrTransient = errors.New("realtime: transient network error")
)

// ServerTimestamp is replaced by the server's Unix milliseconds when written.
var ServerTimestamp = map[string]string{".sv": "timestamp"}

// Unsubscribe stops a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Snapshot is the value found at a path. Value is nil when nothing is stored there.
type Snapshot struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (s Snapshot) Exists() bool {
	return len(s.Value) > 0 && string(s.Value) != "null"
}

// Decode unmarshals the value into v. A missing value leaves v untouched.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return nil
	}
	return json.Unmarshal(s.Value, v)
}

// Query narrows a child listing. Children are always ordered by key.
type Query struct {
	// LimitToLast keeps only the last N existing children (0 = all).
	LimitToLast int `json:"limit_to_last,omitempty"`
	// StartAfter skips children whose key sorts at or before it.
	StartAfter string `json:"start_after,omitempty"`
}

// Store is the external collaborator every component reads from and writes to.
type Store interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push appends value under path and returns its key. Keys sort in append order.
	Push(ctx context.Context, path string, value any) (string, error)
	Get(ctx context.Context, path string) (Snapshot, error)
	Children(ctx context.Context, path string, q Query) ([]Snapshot, error)
	Remove(ctx context.Context, path string) error
	// OnValue calls fn with the current value and again after every change at or below path.
	OnValue(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error)
	// OnChildAdded calls fn for the existing children matching q, then once per new child.
	OnChildAdded(ctx context.Context, path string, q Query, fn func(Snapshot)) (Unsubscribe, error)
	Close() error
}
