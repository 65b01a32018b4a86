package storage

import (
	"context"
	"encoding/json"
	"time"
)

type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// Op is one applied store mutation. Value is already normalized (server timestamps resolved),
// so replaying the journal in order rebuilds the same tree.
type Op struct {
	Seq   int64           `json:"seq"`
	Kind  OpKind          `json:"kind"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	At    time.Time       `json:"at"`
}

// Journal is the write-ahead log behind the realtime store.
// Implementations: redis.Client (stream), postgres.Client (table), memory.Client (tests, -backend=memory).
type Journal interface {
	Append(ctx context.Context, op Op) error
	Replay(ctx context.Context, fn func(Op) error) error
	Close() error
}
