package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/storage"
)

const replayBatch = 1000

type Client struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

// Close leaves the pool open; its owner closes it.
func (c *Client) Close() error { return nil }

func (c *Client) Append(ctx context.Context, op storage.Op) error {
	defer logger.DeferLogDuration("journal.Append", time.Now())()
	var value any
	if len(op.Value) > 0 {
		value = string(op.Value)
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO realtime_journal (kind, path, value, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		string(op.Kind), op.Path, value, op.At,
	)
	if err != nil {
		return fmt.Errorf("journal.Append: %w", err)
	}
	return nil
}

func (c *Client) Replay(ctx context.Context, fn func(storage.Op) error) error {
	defer logger.DeferLogDuration("journal.Replay", time.Now())()
	var after int64
	for {
		rows, err := c.pool.Query(ctx,
			`SELECT seq, kind, path, COALESCE(value::text, ''), created_at
			 FROM realtime_journal WHERE seq > $1 ORDER BY seq LIMIT $2`,
			after, replayBatch,
		)
		if err != nil {
			return fmt.Errorf("journal.Replay query: %w", err)
		}
		batch := make([]storage.Op, 0, replayBatch)
		for rows.Next() {
			var op storage.Op
			var kind, value string
			if err := rows.Scan(&op.Seq, &kind, &op.Path, &value, &op.At); err != nil {
				rows.Close()
				return fmt.Errorf("journal.Replay scan: %w", err)
			}
			op.Kind = storage.OpKind(kind)
			if value != "" {
				op.Value = []byte(value)
			}
			batch = append(batch, op)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("journal.Replay rows: %w", err)
		}
		for _, op := range batch {
			if err := fn(op); err != nil {
				return err
			}
			after = op.Seq
		}
		if len(batch) < replayBatch {
			return nil
		}
	}
}
