package memory

import (
	"context"
	"testing"

	"github.com/deepforums/internal/storage"
)

func TestReplayInAppendOrder(t *testing.T) {
	ctx := context.Background()
	c := New()
	_ = c.Append(ctx, storage.Op{Kind: storage.OpSet, Path: "a"})
	_ = c.Append(ctx, storage.Op{Kind: storage.OpRemove, Path: "b"})
	var got []storage.Op
	if err := c.Replay(ctx, func(op storage.Op) error {
		got = append(got, op)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Path != "b" {
		t.Fatalf("replayed %+v", got)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
}
