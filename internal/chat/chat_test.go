package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
	"github.com/deepforums/internal/realtime/memory"
)

type fakeID struct{ id model.DeviceIdentity }

func (f *fakeID) Current() model.DeviceIdentity { return f.id }

type names map[string]string

func (n names) Lookup(id string) (string, bool) {
	name, ok := n[id]
	return name, ok
}

func newService(store realtime.Store, self, name string, dir names) *Service {
	return New(store, self, &fakeID{id: model.DeviceIdentity{StableID: self, DisplayName: name}}, dir)
}

func TestSendGlobal(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.WithClock(func() time.Time { return time.UnixMilli(5000) }))
	s := newService(store, "u_a", "alice", names{})

	key, err := s.SendGlobal(ctx, Draft{Text: "  hello  "})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := s.History(ctx, model.GlobalKey, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("history = %+v", msgs)
	}
	m := msgs[0]
	if m.Key != key || m.UserID != "u_a" || m.Author != "alice" || m.Text != "hello" || m.Timestamp != 5000 {
		t.Fatalf("message = %+v", m)
	}
}

func TestSendRejects(t *testing.T) {
	ctx := context.Background()
	s := newService(memory.New(), "u_a", "alice", names{})
	if _, err := s.SendGlobal(ctx, Draft{Text: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty: %v", err)
	}
	if _, err := s.SendDirect(ctx, "u_a", Draft{Text: "me"}); !errors.Is(err, ErrSelfDM) {
		t.Fatalf("self dm: %v", err)
	}
	if _, err := s.SendDirect(ctx, "", Draft{Text: "x"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("no target: %v", err)
	}
	if _, err := s.Send(ctx, model.PairKey("u_b", "u_c"), Draft{Text: "x"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("foreign room: %v", err)
	}
}

func TestMediaOnlyMessage(t *testing.T) {
	ctx := context.Background()
	s := newService(memory.New(), "u_a", "alice", names{})
	if _, err := s.SendGlobal(ctx, Draft{MediaURL: "https://img.example/cat.png", MediaType: "image/png"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.History(ctx, model.GlobalKey, 1)
	if msgs[0].MediaKind() != "image" || msgs[0].Preview(PreviewLength) != "[media]" {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestDirectRoomIsShared(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newService(store, "u_a", "alice", names{"u_b": "bob"})
	b := newService(store, "u_b", "bob", names{"u_a": "alice"})
	if _, err := a.SendDirect(ctx, "u_b", Draft{Text: "hi bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SendDirect(ctx, "u_a", Draft{Text: "hi alice"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := a.History(ctx, model.PairKey("u_a", "u_b"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text != "hi bob" || msgs[1].Text != "hi alice" {
		t.Fatalf("room = %+v", msgs)
	}
}

func TestWatchConversations(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newService(store, "u_a", "alice", names{"u_b": "bob"})
	b := newService(store, "u_b", "bob", names{})
	c := newService(store, "u_c", "carol", names{})

	var got []Conversation
	unsub, err := a.WatchConversations(ctx, func(cs []Conversation) { got = cs })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	if len(got) != 0 {
		t.Fatalf("initial inbox = %+v", got)
	}

	_, _ = b.SendDirect(ctx, "u_a", Draft{Text: "from bob"})
	_, _ = c.SendDirect(ctx, "u_a", Draft{Text: "from carol, which is a rather long message that needs trimming"})
	_, _ = b.SendDirect(ctx, "u_c", Draft{Text: "not alice's business"})

	if len(got) != 2 {
		t.Fatalf("inbox = %+v", got)
	}
	if got[0].OtherID != "u_c" || got[0].OtherName != "u_c" {
		t.Fatalf("newest first with id fallback, got %+v", got[0])
	}
	if len([]rune(got[0].Preview)) != PreviewLength {
		t.Fatalf("preview = %q", got[0].Preview)
	}
	if got[1].OtherName != "bob" || got[1].Preview != "from bob" {
		t.Fatalf("second = %+v", got[1])
	}
}
