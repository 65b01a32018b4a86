package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepforums/internal/handler"
	"github.com/deepforums/internal/realtime"
	"github.com/deepforums/internal/realtime/memory"
	"github.com/deepforums/internal/ws"
)

func startServer(t *testing.T) string {
	t.Helper()
	hub := ws.NewHub(memory.New(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(handler.NewWSHandler(hub, "*", 0).ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestWritesReachOtherClients(t *testing.T) {
	url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	ctx := context.Background()

	names := make(chan string, 8)
	unsub, err := b.OnValue(ctx, "identities/u1", func(snap realtime.Snapshot) {
		var name string
		_ = snap.Decode(&name)
		names <- name
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	if got := wait(t, names); got != "" {
		t.Fatalf("initial value = %q, want empty", got)
	}
	if err := a.Set(ctx, "identities/u1", "alice"); err != nil {
		t.Fatal(err)
	}
	if got := wait(t, names); got != "alice" {
		t.Fatalf("value = %q, want alice", got)
	}

	snap, err := b.Get(ctx, "identities/u1")
	if err != nil || !snap.Exists() {
		t.Fatalf("Get = %+v, %v", snap, err)
	}
}

func TestPushAndChildren(t *testing.T) {
	url := startServer(t)
	s := dial(t, url)
	ctx := context.Background()

	added := make(chan string, 8)
	unsub, err := s.OnChildAdded(ctx, "channels/global", realtime.Query{}, func(snap realtime.Snapshot) {
		added <- snap.Key
	})
	if err != nil {
		t.Fatal(err)
	}
	k1, err := s.Push(ctx, "channels/global", map[string]any{"text": "one"})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := s.Push(ctx, "channels/global", map[string]any{"text": "two"})
	if err != nil {
		t.Fatal(err)
	}
	if got := wait(t, added); got != k1 {
		t.Fatalf("first event %s, want %s", got, k1)
	}
	if got := wait(t, added); got != k2 {
		t.Fatalf("second event %s, want %s", got, k2)
	}
	unsub()

	last, err := s.Children(ctx, "channels/global", realtime.Query{LimitToLast: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0].Key != k2 {
		t.Fatalf("Children = %+v", last)
	}
}

func TestCallbackMayCallStore(t *testing.T) {
	url := startServer(t)
	s := dial(t, url)
	ctx := context.Background()

	done := make(chan error, 1)
	_, err := s.OnChildAdded(ctx, "a", realtime.Query{}, func(snap realtime.Snapshot) {
		_, err := s.Get(ctx, "a/"+snap.Key)
		done <- err
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "a/x", 1); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestErrors(t *testing.T) {
	url := startServer(t)
	s := dial(t, url)
	ctx := context.Background()

	if err := s.Set(ctx, "profiles/a.b", "x"); !errors.Is(err, realtime.ErrInvalidPath) {
		t.Fatalf("err = %v, want ErrInvalidPath", err)
	}
	s.Close()
	if err := s.Set(ctx, "identities/u1", "x"); !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestDialFailureIsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws")
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
