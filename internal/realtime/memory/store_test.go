package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepforums/internal/realtime"
	storagememory "github.com/deepforums/internal/storage/memory"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestSetGetServerTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock(1234)))
	if err := s.Set(ctx, "presence/u1", map[string]any{"online": true, "last": realtime.ServerTimestamp}); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Get(ctx, "presence/u1")
	if err != nil {
		t.Fatal(err)
	}
	var rec struct {
		Online bool  `json:"online"`
		Last   int64 `json:"last"`
	}
	if err := snap.Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if !rec.Online || rec.Last != 1234 {
		t.Fatalf("got %+v", rec)
	}
}

func TestInvalidPath(t *testing.T) {
	s := New()
	if err := s.Set(context.Background(), "profiles/a.b", "x"); !errors.Is(err, realtime.ErrInvalidPath) {
		t.Fatalf("err = %v, want ErrInvalidPath", err)
	}
}

func TestOnChildAddedDeliversExistingThenNew(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 3; i++ {
		if _, err := s.Push(ctx, "channels/global", map[string]any{"text": "m"}); err != nil {
			t.Fatal(err)
		}
	}
	var keys []string
	unsub, err := s.OnChildAdded(ctx, "channels/global", realtime.Query{LimitToLast: 2}, func(snap realtime.Snapshot) {
		keys = append(keys, snap.Key)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("initial delivery = %d, want 2", len(keys))
	}
	if _, err := s.Push(ctx, "channels/global", map[string]any{"text": "new"}); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 || !(keys[1] < keys[2]) {
		t.Fatalf("keys = %v", keys)
	}
	unsub()
	unsub()
	if _, err := s.Push(ctx, "channels/global", map[string]any{"text": "after"}); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatal("callback fired after unsubscribe")
	}
}

func TestOnValueFiresOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	s := New()
	calls := 0
	unsub, err := s.OnValue(ctx, "identities", func(realtime.Snapshot) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	_ = s.Set(ctx, "identities/u1", "alice")
	_ = s.Set(ctx, "identities/u1", "alice")
	_ = s.Set(ctx, "profiles/alice", map[string]any{"username": "alice"})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (initial + one change)", calls)
	}
}

func TestCallbackMayWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	var order []string
	_, err := s.OnChildAdded(ctx, "a", realtime.Query{}, func(snap realtime.Snapshot) {
		order = append(order, "a/"+snap.Key)
		if snap.Key == "x" {
			if err := s.Set(ctx, "b/y", 1); err != nil {
				t.Error(err)
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.OnChildAdded(ctx, "b", realtime.Query{}, func(snap realtime.Snapshot) {
		order = append(order, "b/"+snap.Key)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "a/x", 1); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "a/x" || order[1] != "b/y" {
		t.Fatalf("order = %v", order)
	}
}

func TestUpdateMultiPath(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Update(ctx, "", map[string]any{
		"identities/u1":  "bob",
		"profiles/bob":   map[string]any{"username": "bob", "userId": "u1"},
		"profiles/alice": nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Get(ctx, "profiles/bob")
	if !snap.Exists() {
		t.Fatal("profiles/bob missing")
	}
}

func TestRestoreFromJournal(t *testing.T) {
	ctx := context.Background()
	j := storagememory.New()
	s := New(WithJournal(j))
	key, err := s.Push(ctx, "channels/global", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Set(ctx, "identities/u1", "alice")
	_ = s.Remove(ctx, "identities/u1")
	_ = s.Update(ctx, "profiles", map[string]any{"alice": map[string]any{"username": "alice"}})

	r := New(WithJournal(j))
	if err := r.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	msgs, _ := r.Children(ctx, "channels/global", realtime.Query{})
	if len(msgs) != 1 || msgs[0].Key != key {
		t.Fatalf("restored messages = %+v", msgs)
	}
	if snap, _ := r.Get(ctx, "identities/u1"); snap.Exists() {
		t.Fatal("removed entry came back")
	}
	if snap, _ := r.Get(ctx, "profiles/alice"); !snap.Exists() {
		t.Fatal("updated entry missing")
	}
	next, err := r.Push(ctx, "channels/global", map[string]any{"text": "later"})
	if err != nil {
		t.Fatal(err)
	}
	if next <= key {
		t.Fatalf("key %s issued after restore sorts before %s", next, key)
	}
}

func TestClosed(t *testing.T) {
	s := New()
	_ = s.Close()
	if err := s.Set(context.Background(), "a", 1); !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
