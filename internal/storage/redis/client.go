package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepforums/internal/storage"
)

const (
	// JournalStream holds one entry per store mutation.
	JournalStream = "realtime:journal"
	replayBatch   = 500
)

type Client struct {
	cli    *redis.Client
	stream string
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, stream: JournalStream}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Append adds op to the stream; the stream entry id orders replay.
func (c *Client) Append(ctx context.Context, op storage.Op) error {
	values := map[string]any{
		"kind": string(op.Kind),
		"path": op.Path,
		"at":   op.At.UnixMilli(),
	}
	if len(op.Value) > 0 {
		values["value"] = string(op.Value)
	}
	if err := c.cli.XAdd(ctx, &redis.XAddArgs{Stream: c.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("redis.Append: %w", err)
	}
	return nil
}

// Replay walks the stream from the beginning in batches.
func (c *Client) Replay(ctx context.Context, fn func(storage.Op) error) error {
	start := "-"
	var seq int64
	for {
		msgs, err := c.cli.XRangeN(ctx, c.stream, start, "+", replayBatch).Result()
		if err != nil {
			return fmt.Errorf("redis.Replay: %w", err)
		}
		for _, m := range msgs {
			seq++
			op := decodeEntry(m.Values)
			op.Seq = seq
			if err := fn(op); err != nil {
				return err
			}
		}
		if len(msgs) < replayBatch {
			return nil
		}
		// exclusive range start
		start = "(" + msgs[len(msgs)-1].ID
	}
}

func decodeEntry(values map[string]any) storage.Op {
	op := storage.Op{}
	if v, ok := values["kind"].(string); ok {
		op.Kind = storage.OpKind(v)
	}
	if v, ok := values["path"].(string); ok {
		op.Path = v
	}
	if v, ok := values["value"].(string); ok && v != "" {
		op.Value = json.RawMessage(v)
	}
	if v, ok := values["at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			op.At = time.UnixMilli(ms).UTC()
		}
	}
	return op
}

// FlushJournal drops the whole journal (tests, manual resets).
func (c *Client) FlushJournal(ctx context.Context) error {
	return c.cli.Del(ctx, c.stream).Err()
}
