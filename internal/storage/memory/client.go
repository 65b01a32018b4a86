package memory

import (
	"context"
	"sync"

	"github.com/deepforums/internal/storage"
)

// Client keeps the journal in process memory; nothing survives a restart.
type Client struct {
	mu  sync.RWMutex
	ops []storage.Op
}

func New() *Client {
	return &Client{}
}

func (c *Client) Close() error { return nil }

func (c *Client) Append(ctx context.Context, op storage.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op.Seq = int64(len(c.ops) + 1)
	c.ops = append(c.ops, op)
	return nil
}

func (c *Client) Replay(ctx context.Context, fn func(storage.Op) error) error {
	c.mu.RLock()
	ops := make([]storage.Op, len(c.ops))
	copy(ops, c.ops)
	c.mu.RUnlock()
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of journaled ops.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ops)
}
