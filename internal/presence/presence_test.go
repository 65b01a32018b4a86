package presence

import (
	"context"
	"testing"
	"time"

	"github.com/deepforums/internal/directory"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*memory.Store, *directory.Directory, *clock) {
	t.Helper()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	store := memory.New(memory.WithClock(c.now))
	dir := directory.New(store)
	if err := dir.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dir.Close)
	return store, dir, c
}

func TestHeartbeatMakesDeviceOnline(t *testing.T) {
	ctx := context.Background()
	store, dir, c := setup(t)
	_ = store.Set(ctx, model.IdentityPath("u1"), "alice")

	tr := New(store, "u1", dir, 30*time.Second, time.Minute, WithClock(c.now))
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	var last []string
	tr.Subscribe(func(online []string) { last = online })

	if err := tr.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0] != "alice" {
		t.Fatalf("online = %v", last)
	}
}

func TestStaleRecordsAreFiltered(t *testing.T) {
	ctx := context.Background()
	store, dir, c := setup(t)
	tr := New(store, "u1", dir, 30*time.Second, time.Minute, WithClock(c.now))
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	// a device that crashed without marking itself offline
	_ = store.Set(ctx, model.PresenceOf("u2"), model.PresenceRecord{Online: true, Last: c.t.Add(-2 * time.Minute).UnixMilli()})
	_ = store.Set(ctx, model.PresenceOf("u3"), model.PresenceRecord{Online: false, Last: c.t.UnixMilli()})
	_ = store.Set(ctx, model.PresenceOf("u4"), model.PresenceRecord{Online: true, Last: c.t.Add(-10 * time.Second).UnixMilli()})

	online := tr.Online()
	if len(online) != 1 || online[0] != "u4" {
		t.Fatalf("online = %v, want [u4] (unnamed ids fall back to the id)", online)
	}

	c.t = c.t.Add(time.Minute)
	if online := tr.Online(); len(online) != 0 {
		t.Fatalf("online after window = %v", online)
	}
}

func TestRosterFollowsRename(t *testing.T) {
	ctx := context.Background()
	store, dir, c := setup(t)
	_ = store.Set(ctx, model.IdentityPath("u1"), "alice")
	tr := New(store, "u1", dir, 30*time.Second, time.Minute, WithClock(c.now))
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if err := tr.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	var last []string
	tr.Subscribe(func(online []string) { last = online })

	_ = store.Set(ctx, model.IdentityPath("u1"), "alicia")
	if len(last) != 1 || last[0] != "alicia" {
		t.Fatalf("online = %v", last)
	}
}

func TestRunMarksOfflineOnExit(t *testing.T) {
	store, dir, c := setup(t)
	tr := New(store, "u1", dir, time.Hour, 2*time.Hour, WithClock(c.now))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := store.Get(context.Background(), model.PresenceOf("u1"))
		if snap.Exists() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	snap, _ := store.Get(context.Background(), model.PresenceOf("u1"))
	var rec model.PresenceRecord
	if err := snap.Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Online {
		t.Fatal("still online after Run returned")
	}
}
