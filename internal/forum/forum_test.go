package forum

import (
	"context"
	"errors"
	"testing"

	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime/memory"
)

type fakeID struct{ id model.DeviceIdentity }

func (f *fakeID) Current() model.DeviceIdentity { return f.id }

func newService(t *testing.T) (*Service, *fakeID, *memory.Store) {
	t.Helper()
	store := memory.New()
	id := &fakeID{id: model.DeviceIdentity{StableID: "u_a", DisplayName: "alice"}}
	return New(store, id), id, store
}

func TestEmbedURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "https://www.youtube.com/embed/dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "https://www.youtube.com/embed/dQw4w9WgXcQ"},
		{"https://m.youtube.com/shorts/abc_DEF-12/", "https://www.youtube.com/embed/abc_DEF-12"},
		{"http://www.youtube.com/watch?v=dQw4w9WgXcQ", ""},
		{"https://vimeo.com/12345678", ""},
		{"https://notyoutube.com/watch?v=dQw4w9WgXcQ", ""},
		{"https://www.youtube.com/watch?v=<script>", ""},
		{"not a url", ""},
	}
	for _, c := range cases {
		got, err := EmbedURL(c.in)
		if c.want == "" {
			if !errors.Is(err, ErrUnsupportedVideo) {
				t.Errorf("EmbedURL(%q) = %q, %v; want ErrUnsupportedVideo", c.in, got, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("EmbedURL(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}

func TestCreateThreadValidation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)
	if _, err := s.CreateThread(ctx, "nope", Draft{Title: "t", Content: "c"}); !errors.Is(err, ErrUnknownForum) {
		t.Fatalf("unknown forum: %v", err)
	}
	if _, err := s.CreateThread(ctx, "general", Draft{Title: " ", Content: "c"}); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("no title: %v", err)
	}
	if _, err := s.CreateThread(ctx, "general", Draft{Title: "t", Content: "c", VideoURL: "https://vimeo.com/1"}); !errors.Is(err, ErrUnsupportedVideo) {
		t.Fatalf("bad video: %v", err)
	}
}

func TestThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)

	var counts []Count
	stopCounts, err := s.WatchCounts(ctx, func(c []Count) { counts = c })
	if err != nil {
		t.Fatal(err)
	}
	defer stopCounts()

	id, err := s.CreateThread(ctx, "tech", Draft{Title: "Go", Content: "generics?", VideoURL: "https://youtu.be/dQw4w9WgXcQ"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range counts {
		want := 0
		if c.Forum.ID == "tech" {
			want = 1
		}
		if c.Threads != want {
			t.Fatalf("count %s = %d, want %d", c.Forum.ID, c.Threads, want)
		}
	}

	var seen model.Thread
	stop, err := s.WatchThread(ctx, "tech", id, func(th model.Thread, ok bool) {
		if ok {
			seen = th
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if _, err := s.AddComment(ctx, "tech", id, "  yes  "); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddComment(ctx, "tech", id, " "); !errors.Is(err, ErrEmptyComment) {
		t.Fatalf("empty comment: %v", err)
	}
	if seen.Title != "Go" || seen.Video != "https://www.youtube.com/embed/dQw4w9WgXcQ" || seen.AuthorID != "u_a" {
		t.Fatalf("thread = %+v", seen)
	}
	comments := seen.SortedComments()
	if len(comments) != 1 || comments[0].Text != "yes" || comments[0].Author != "alice" {
		t.Fatalf("comments = %+v", comments)
	}
}

func TestThreadsBy(t *testing.T) {
	ctx := context.Background()
	s, id, store := newService(t)
	if _, err := s.CreateThread(ctx, "general", Draft{Title: "one", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateThread(ctx, "random", Draft{Title: "two", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	// legacy thread without an author id, matched by name
	if _, err := store.Push(ctx, model.ForumThreadsPath("tech"), map[string]any{"title": "three", "content": "x", "author": "alice"}); err != nil {
		t.Fatal(err)
	}
	id.id = model.DeviceIdentity{StableID: "u_b", DisplayName: "bob"}
	if _, err := s.CreateThread(ctx, "general", Draft{Title: "bob's", Content: "x"}); err != nil {
		t.Fatal(err)
	}

	mine, err := s.ThreadsBy(ctx, "u_a", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 3 {
		t.Fatalf("threads = %+v", mine)
	}
	for _, th := range mine {
		if th.Title == "bob's" {
			t.Fatal("included another author's thread")
		}
	}
}

func TestWatchThreadsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)
	_, _ = s.CreateThread(ctx, "general", Draft{Title: "first", Content: "x"})
	_, _ = s.CreateThread(ctx, "general", Draft{Title: "second", Content: "x"})
	var got []model.Thread
	stop, err := s.WatchThreads(ctx, "general", func(ts []model.Thread) { got = ts })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if len(got) != 2 || got[0].Title != "second" {
		t.Fatalf("threads = %+v", got)
	}
}
