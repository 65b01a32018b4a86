package view

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepforums/internal/chat"
	"github.com/deepforums/internal/forum"
	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/profile"
	"github.com/deepforums/internal/realtime"
)

// Notifier is the unread bookkeeping the controller drives on focus changes.
type Notifier interface {
	SetFocus(key string)
	MarkChannelRead(ctx context.Context, key string)
	UnreadCount(key string) int
}

type Names interface {
	AuthorName(m model.Message) string
	Subscribe(fn func(map[string]string)) func()
}

type Roster interface {
	Subscribe(fn func(online []string)) func()
}

type Deps struct {
	Store        realtime.Store
	Self         string
	Names        Names
	Roster       Roster
	Notifier     Notifier
	Chat         *chat.Service
	Forums       *forum.Service
	Profiles     *profile.Service
	Renderer     Renderer
	HistoryLimit int
}

// State is the whole mutable navigation state. Generation increases on every navigation;
// callbacks remember the generation they were created in and drop their output once it is stale.
type State struct {
	Current    View
	Focus      string
	Generation uint64

	stream string
	subs   []func()
}

type Controller struct {
	d Deps

	mu     sync.Mutex
	state  State
	global []func()
	names  map[string]string
	closed bool
}

func New(d Deps) *Controller {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 100
	}
	return &Controller{d: d, names: make(map[string]string)}
}

// Start wires the app-wide subscriptions: name changes redraw authors, roster changes redraw the
// online list. They outlive every view.
func (c *Controller) Start() {
	stopNames := c.d.Names.Subscribe(c.renameAuthors)
	stopRoster := c.d.Roster.Subscribe(c.d.Renderer.ShowOnline)
	c.mu.Lock()
	c.global = append(c.global, stopNames, stopRoster)
	c.mu.Unlock()
}

func (c *Controller) renameAuthors(mapping map[string]string) {
	c.mu.Lock()
	var changed []string
	for id, name := range mapping {
		if c.names[id] != name {
			c.names[id] = name
			changed = append(changed, id)
		}
	}
	c.mu.Unlock()
	for _, id := range changed {
		c.d.Renderer.RenameAuthor(id, mapping[id])
	}
}

// State returns a copy of the navigation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Current: c.state.Current, Focus: c.state.Focus, Generation: c.state.Generation}
}

func (c *Controller) Current() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current
}

// ActiveSubscriptions is the number of live view-scoped subscriptions.
func (c *Controller) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.subs)
}

func (c *Controller) validate(v View) (View, error) {
	switch v.Kind {
	case ForumThreads, Thread:
		if _, ok := model.FindForum(v.ForumID); !ok {
			return v, fmt.Errorf("view %s: %w", v, forum.ErrUnknownForum)
		}
		if v.Kind == Thread && !realtime.ValidSegment(v.ThreadID) {
			return v, fmt.Errorf("view %s: %w", v, realtime.ErrInvalidPath)
		}
	case DMConvo:
		if v.OtherID == "" {
			return v, chat.ErrNoChannel
		}
		if v.OtherID == c.d.Self {
			return v, chat.ErrSelfDM
		}
	case Profile:
		if v.UserID == "" {
			v.UserID = c.d.Self
		}
	case ForumList, GlobalChat, DMList:
	default:
		return v, fmt.Errorf("view: unknown kind %d", int(v.Kind))
	}
	return v, nil
}

// Navigate tears down the current view and activates v. Invalid targets are rejected before
// anything changes.
func (c *Controller) Navigate(ctx context.Context, v View) error {
	v, err := c.validate(v)
	if err != nil {
		return err
	}
	c.CloseAllChannels()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrClosed
	}
	c.state.Generation++
	c.state.Current = v
	gen := c.state.Generation
	c.mu.Unlock()

	logger.Debugf("view: navigate %s (gen %d)", v, gen)
	c.d.Renderer.ShowView(v)

	switch v.Kind {
	case ForumList:
		return c.watch(gen, func() (realtime.Unsubscribe, error) {
			return c.d.Forums.WatchCounts(ctx, func(counts []forum.Count) {
				if c.active(gen) {
					c.d.Renderer.ShowForums(counts)
				}
			})
		})
	case ForumThreads:
		f, _ := model.FindForum(v.ForumID)
		return c.watch(gen, func() (realtime.Unsubscribe, error) {
			return c.d.Forums.WatchThreads(ctx, v.ForumID, func(threads []model.Thread) {
				if c.active(gen) {
					c.d.Renderer.ShowThreads(f, threads)
				}
			})
		})
	case Thread:
		return c.watch(gen, func() (realtime.Unsubscribe, error) {
			return c.d.Forums.WatchThread(ctx, v.ForumID, v.ThreadID, func(t model.Thread, ok bool) {
				if !c.active(gen) {
					return
				}
				if !ok {
					c.d.Renderer.ShowError(fmt.Errorf("thread %s no longer exists", v.ThreadID))
					return
				}
				c.d.Renderer.ShowThread(t, t.SortedComments())
			})
		})
	case GlobalChat:
		return c.OpenChannel(ctx, model.GlobalKey)
	case DMList:
		return c.watch(gen, func() (realtime.Unsubscribe, error) {
			return c.d.Chat.WatchConversations(ctx, func(convos []chat.Conversation) {
				if !c.active(gen) {
					return
				}
				for i := range convos {
					convos[i].Unread = c.d.Notifier.UnreadCount(convos[i].Key)
				}
				c.d.Renderer.ShowConversations(convos)
			})
		})
	case DMConvo:
		return c.OpenChannel(ctx, model.PairKey(c.d.Self, v.OtherID))
	case Profile:
		pv, err := c.d.Profiles.Load(ctx, v.UserID)
		if err != nil {
			return err
		}
		// the load is not cancelable; a result for a view we already left is dropped
		if c.active(gen) {
			c.d.Renderer.ShowProfile(pv)
		}
	}
	return nil
}

// OpenChannel focuses a channel, marks it read, and streams its last messages to the renderer.
// Opening the channel that is already streaming only marks it read again.
func (c *Controller) OpenChannel(ctx context.Context, key string) error {
	path, err := model.ChannelPath(key)
	if err != nil {
		return fmt.Errorf("view.OpenChannel: %w", err)
	}
	c.mu.Lock()
	gen := c.state.Generation
	reuse := c.state.stream == key
	c.state.Focus = key
	c.mu.Unlock()

	c.d.Notifier.SetFocus(key)
	c.d.Notifier.MarkChannelRead(ctx, key)
	if reuse {
		return nil
	}

	err = c.watch(gen, func() (realtime.Unsubscribe, error) {
		return c.d.Store.OnChildAdded(ctx, path, realtime.Query{LimitToLast: c.d.HistoryLimit}, func(snap realtime.Snapshot) {
			if !c.active(gen) {
				return
			}
			m, err := chat.Decode(snap)
			if err != nil {
				logger.Errorf("view: decode %s/%s: %v", key, snap.Key, err)
				return
			}
			c.d.Renderer.ShowMessage(key, m, c.d.Names.AuthorName(m))
		})
	})
	if err != nil {
		return fmt.Errorf("view.OpenChannel %s: %w", key, err)
	}
	c.mu.Lock()
	if c.state.Generation == gen {
		c.state.stream = key
	}
	c.mu.Unlock()
	return nil
}

// CloseAllChannels drops every view-scoped subscription and the channel focus.
func (c *Controller) CloseAllChannels() {
	c.mu.Lock()
	subs := c.state.subs
	c.state.subs = nil
	c.state.Focus = ""
	c.state.stream = ""
	c.mu.Unlock()

	c.d.Notifier.SetFocus("")
	for _, stop := range subs {
		stop()
	}
}

// Send posts to the open channel. On error nothing was sent and the caller keeps its input.
func (c *Controller) Send(ctx context.Context, d chat.Draft) (string, error) {
	v := c.Current()
	switch v.Kind {
	case GlobalChat:
		return c.d.Chat.SendGlobal(ctx, d)
	case DMConvo:
		return c.d.Chat.SendDirect(ctx, v.OtherID, d)
	}
	return "", chat.ErrNoChannel
}

// Comment adds a comment to the open thread.
func (c *Controller) Comment(ctx context.Context, text string) (string, error) {
	v := c.Current()
	if v.Kind != Thread {
		return "", fmt.Errorf("view.Comment: no thread open: %w", chat.ErrNoChannel)
	}
	return c.d.Forums.AddComment(ctx, v.ForumID, v.ThreadID, text)
}

// CreateThread starts a thread in the open forum.
func (c *Controller) CreateThread(ctx context.Context, d forum.Draft) (string, error) {
	v := c.Current()
	if v.Kind != ForumThreads {
		return "", fmt.Errorf("view.CreateThread: no forum open: %w", forum.ErrUnknownForum)
	}
	return c.d.Forums.CreateThread(ctx, v.ForumID, d)
}

// Close tears down the view and the app-wide subscriptions.
func (c *Controller) Close() {
	c.CloseAllChannels()
	c.mu.Lock()
	c.closed = true
	global := c.global
	c.global = nil
	c.mu.Unlock()
	for _, stop := range global {
		stop()
	}
}

func (c *Controller) active(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.state.Generation == gen
}

// watch opens a subscription scoped to generation gen. If the view changed while it was being
// opened, it is closed right away.
func (c *Controller) watch(gen uint64, open func() (realtime.Unsubscribe, error)) error {
	unsub, err := open()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed || c.state.Generation != gen {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.state.subs = append(c.state.subs, unsub)
	c.mu.Unlock()
	return nil
}
