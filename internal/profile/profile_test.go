package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime/memory"
)

type fakeID struct{ id model.DeviceIdentity }

func (f fakeID) Current() model.DeviceIdentity { return f.id }

type names map[string]string

func (n names) Lookup(id string) (string, bool) {
	name, ok := n[id]
	return name, ok
}

type threads struct{ calls []string }

func (t *threads) ThreadsBy(_ context.Context, stableID, name string) ([]model.Thread, error) {
	t.calls = append(t.calls, stableID+"/"+name)
	return []model.Thread{{ID: "t1", Title: "by " + name}}, nil
}

func TestLoadOtherUser(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.Set(ctx, model.ProfilePath("bob"), model.Profile{Username: "bob", Bio: "builder", UserID: "u_b"})
	th := &threads{}
	s := New(store, fakeID{id: model.DeviceIdentity{StableID: "u_a", DisplayName: "alice"}}, names{"u_b": "bob"}, th)

	v, err := s.Load(ctx, "u_b")
	if err != nil {
		t.Fatal(err)
	}
	if v.Self || v.Profile.Bio != "builder" || len(v.Threads) != 1 {
		t.Fatalf("view = %+v", v)
	}
	if th.calls[0] != "u_b/bob" {
		t.Fatalf("threads looked up as %q", th.calls[0])
	}
}

func TestLoadSelfUsesLocalState(t *testing.T) {
	store := memory.New()
	s := New(store, fakeID{id: model.DeviceIdentity{StableID: "u_a", DisplayName: "alice", Bio: "local bio"}}, names{}, &threads{})
	v, err := s.Load(context.Background(), "u_a")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Self || v.Profile.Bio != "local bio" || v.Profile.Username != "alice" {
		t.Fatalf("view = %+v", v)
	}
}

func TestLoadUnknownUser(t *testing.T) {
	s := New(memory.New(), fakeID{}, names{}, &threads{})
	if _, err := s.Load(context.Background(), "u_x"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetDefaultsAndCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	s := New(store, fakeID{}, names{}, &threads{})

	p, err := s.Get(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != "carol" || p.Bio != model.DefaultBio {
		t.Fatalf("default profile = %+v", p)
	}

	_ = store.Set(ctx, model.ProfilePath("carol"), model.Profile{Username: "carol", Bio: "new"})
	if p, _ := s.Get(ctx, "carol"); p.Bio != model.DefaultBio {
		t.Fatalf("expected cached document, got %+v", p)
	}
	s.Invalidate("carol")
	if p, _ := s.Get(ctx, "carol"); p.Bio != "new" {
		t.Fatalf("after invalidate = %+v", p)
	}
}
