package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/deepforums/internal/chat"
	"github.com/deepforums/internal/forum"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/profile"
	"github.com/deepforums/internal/view"
)

// lineRenderer prints every update as plain lines. Terminals cannot redraw old lines, so renames
// and badges are printed as notices.
type lineRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

func newLineRenderer(out io.Writer) *lineRenderer {
	return &lineRenderer{out: out}
}

func (r *lineRenderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func stamp(ms int64) string {
	if ms == 0 {
		return "--:--"
	}
	return time.UnixMilli(ms).Format("15:04")
}

func (r *lineRenderer) ShowView(v view.View) {
	r.printf("== %s ==", v)
}

func (r *lineRenderer) ShowForums(counts []forum.Count) {
	var b strings.Builder
	for _, c := range counts {
		fmt.Fprintf(&b, "  %-8s %3d threads  %s\n", c.Forum.ID, c.Threads, c.Forum.Desc)
	}
	r.printf("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *lineRenderer) ShowThreads(f model.Forum, threads []model.Thread) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %d threads", f.Name, len(threads))
	for _, t := range threads {
		fmt.Fprintf(&b, "\n  [%s] %s by %s (%d comments)", t.ID, t.Title, t.Author, len(t.Comments))
	}
	r.printf("%s", b.String())
}

func (r *lineRenderer) ShowThread(t model.Thread, comments []model.Comment) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n  by %s at %s\n  %s", t.Title, t.Author, stamp(t.Timestamp), t.Content)
	if t.ImageURL != "" {
		fmt.Fprintf(&b, "\n  image: %s", t.ImageURL)
	}
	if t.Video != "" {
		fmt.Fprintf(&b, "\n  video: %s", t.Video)
	}
	for _, c := range comments {
		fmt.Fprintf(&b, "\n  > %s %s: %s", stamp(c.Timestamp), c.Author, c.Text)
	}
	r.printf("%s", b.String())
}

func (r *lineRenderer) ShowMessage(channel string, m model.Message, author string) {
	body := m.Text
	if m.MediaURL != "" {
		body = strings.TrimSpace(body + " [" + m.MediaKind() + " " + m.MediaURL + "]")
	}
	r.printf("%s <%s> %s", stamp(m.Timestamp), author, body)
}

func (r *lineRenderer) RenameAuthor(stableID, name string) {
	r.printf("* %s is now known as %s", stableID, name)
}

func (r *lineRenderer) ShowOnline(names []string) {
	r.printf("* online (%d): %s", len(names), strings.Join(names, ", "))
}

func (r *lineRenderer) ShowBadge(class model.ChannelClass, count int) {
	if count == 0 {
		return
	}
	r.printf("* %d unread in %s", count, class)
}

func (r *lineRenderer) ShowConversations(convos []chat.Conversation) {
	if len(convos) == 0 {
		r.printf("  no conversations yet")
		return
	}
	var b strings.Builder
	for i, c := range convos {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  %s (%s) %s: %s", c.OtherName, c.OtherID, stamp(c.Last.Timestamp), c.Preview)
		if c.Unread > 0 {
			fmt.Fprintf(&b, " [%d new]", c.Unread)
		}
	}
	r.printf("%s", b.String())
}

func (r *lineRenderer) ShowProfile(p profile.View) {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s (%s)\n  %s", p.Profile.Username, p.StableID, p.Profile.Bio)
	if p.Profile.Avatar != "" {
		fmt.Fprintf(&b, "\n  avatar: %s", p.Profile.Avatar)
	}
	if p.Self {
		b.WriteString("\n  (this is you)")
	}
	fmt.Fprintf(&b, "\n  %d threads", len(p.Threads))
	for _, t := range p.Threads {
		fmt.Fprintf(&b, "\n  [%s/%s] %s", t.ForumID, t.ID, t.Title)
	}
	r.printf("%s", b.String())
}

func (r *lineRenderer) ShowError(err error) {
	r.printf("! %v", err)
}

var _ view.Renderer = (*lineRenderer)(nil)
