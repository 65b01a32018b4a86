package directory

import (
	"context"
	"testing"

	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime/memory"
)

func TestDirectoryFollowsRenames(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.Set(ctx, model.IdentityPath("u1"), "alice")

	d := New(store)
	var seen []map[string]string
	d.Subscribe(func(m map[string]string) { seen = append(seen, m) })
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if !d.Synced() {
		t.Fatal("not synced after Start")
	}
	if name, _ := d.Lookup("u1"); name != "alice" {
		t.Fatalf("Lookup = %q", name)
	}
	_ = store.Set(ctx, model.IdentityPath("u1"), "alicia")
	if name, _ := d.Lookup("u1"); name != "alicia" {
		t.Fatalf("Lookup after rename = %q", name)
	}
	if len(seen) != 2 || seen[1]["u1"] != "alicia" {
		t.Fatalf("listener saw %v", seen)
	}

	// late subscribers get the current mapping right away
	var late map[string]string
	d.Subscribe(func(m map[string]string) { late = m })
	if late["u1"] != "alicia" {
		t.Fatalf("late subscriber got %v", late)
	}
}

func TestDirectoryKeepsRemovedEntries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.Set(ctx, model.IdentityPath("u1"), "alice")
	_ = store.Set(ctx, model.IdentityPath("u2"), "bob")
	d := New(store)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	_ = store.Remove(ctx, model.IdentityPath("u1"))
	if name, ok := d.Lookup("u1"); !ok || name != "alice" {
		t.Fatalf("Lookup = %q, %v; want last known name", name, ok)
	}
}

func TestOwnerPicksSmallestClaimant(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.Set(ctx, model.IdentityPath("u9"), "carol")
	_ = store.Set(ctx, model.IdentityPath("u3"), "carol")
	d := New(store)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if id, ok := d.Owner("carol"); !ok || id != "u3" {
		t.Fatalf("Owner = %q, %v", id, ok)
	}
	if _, ok := d.Owner("nobody"); ok {
		t.Fatal("Owner of unknown name")
	}
}

func TestAuthorName(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.Set(ctx, model.IdentityPath("u1"), "alicia")
	d := New(store)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := d.AuthorName(model.Message{UserID: "u1", Author: "alice"}); got != "alicia" {
		t.Fatalf("known author = %q", got)
	}
	if got := d.AuthorName(model.Message{Author: "legacy"}); got != "legacy" {
		t.Fatalf("legacy author = %q", got)
	}
	if got := d.AuthorName(model.Message{UserID: "u404", Author: "ghost"}); got != "ghost" {
		t.Fatalf("unknown author = %q", got)
	}
}
