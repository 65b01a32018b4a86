// Package notify counts genuinely unread messages per channel and mirrors the per-class totals
// into badges.
//
// Tracking for a channel starts with a watermark: the read cursor when one exists, otherwise the
// newest key at the time tracking started. Nothing at or before the watermark is ever counted.
// Direct-message rooms that first appear after startup have no history to skip and start from
// the beginning. Every later message goes through the same chain: own message, already read,
// channel open (read implicitly, cursor advanced), otherwise unread.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepforums/internal/cursor"
	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

// BadgeSink renders the per-class unread totals.
type BadgeSink interface {
	ShowBadge(class model.ChannelClass, count int)
}

// Identity supplies the current display name for records that carry no author id.
type Identity interface {
	Current() model.DeviceIdentity
}

// Classification is the outcome of the decision chain for one message.
type Classification int

const (
	Ignored Classification = iota
	Own
	AlreadyRead
	ReadInFocus
	Unread
)

func (c Classification) String() string {
	switch c {
	case Own:
		return "own"
	case AlreadyRead:
		return "already-read"
	case ReadInFocus:
		return "read-in-focus"
	case Unread:
		return "unread"
	}
	return "ignored"
}

type channel struct {
	key       string
	watermark string
	unread    map[string]struct{}
	unsub     realtime.Unsubscribe
}

type Notifier struct {
	store   realtime.Store
	cursors *cursor.Store
	self    string
	id      Identity
	sink    BadgeSink

	mu       sync.Mutex
	ctx      context.Context
	focus    string
	channels map[string]*channel
	stops    []func()
	closed   bool

	// smu orders badge updates
	smu       sync.Mutex
	published map[model.ChannelClass]int
}

func New(store realtime.Store, cursors *cursor.Store, self string, id Identity, sink BadgeSink) *Notifier {
	return &Notifier{
		store:     store,
		cursors:   cursors,
		self:      self,
		id:        id,
		sink:      sink,
		ctx:       context.Background(),
		channels:  make(map[string]*channel),
		published: make(map[model.ChannelClass]int),
	}
}

// StartGlobal starts tracking the global channel.
func (n *Notifier) StartGlobal(ctx context.Context) error {
	n.setContext(ctx)
	wm, err := n.watermark(ctx, model.GlobalKey)
	if err != nil {
		return fmt.Errorf("notify.StartGlobal: %w", err)
	}
	return n.track(ctx, model.GlobalKey, wm)
}

// StartDirect tracks every direct-message room involving this device: rooms that exist now from
// their watermark, rooms created later from their first message.
func (n *Notifier) StartDirect(ctx context.Context) error {
	n.setContext(ctx)
	rooms, err := n.store.Children(ctx, model.DirectPath, realtime.Query{})
	if err != nil {
		return fmt.Errorf("notify.StartDirect: %w", err)
	}
	for _, room := range rooms {
		if !model.Involves(room.Key, n.self) {
			continue
		}
		wm, err := n.watermark(ctx, room.Key)
		if err != nil {
			return fmt.Errorf("notify.StartDirect: %w", err)
		}
		if err := n.track(ctx, room.Key, wm); err != nil {
			return fmt.Errorf("notify.StartDirect: %w", err)
		}
	}

	unsub, err := n.store.OnChildAdded(ctx, model.DirectPath, realtime.Query{}, func(room realtime.Snapshot) {
		if !model.Involves(room.Key, n.self) || n.tracking(room.Key) {
			return
		}
		wm, _ := n.cursors.Get(room.Key)
		if err := n.track(n.context(), room.Key, wm); err != nil {
			logger.Errorf("notify: track new room %s: %v", room.Key, err)
		}
	})
	if err != nil {
		return fmt.Errorf("notify.StartDirect: %w", err)
	}
	n.mu.Lock()
	n.stops = append(n.stops, unsub)
	n.mu.Unlock()
	return nil
}

func (n *Notifier) setContext(ctx context.Context) {
	n.mu.Lock()
	n.ctx = context.WithoutCancel(ctx)
	n.mu.Unlock()
}

func (n *Notifier) context() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx
}

func (n *Notifier) tracking(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.channels[key]
	return ok
}

// watermark is the existing cursor, or the newest key in the channel right now.
func (n *Notifier) watermark(ctx context.Context, key string) (string, error) {
	if cur, ok := n.cursors.Get(key); ok {
		return cur, nil
	}
	return n.lastKey(ctx, key)
}

func (n *Notifier) lastKey(ctx context.Context, key string) (string, error) {
	path, err := model.ChannelPath(key)
	if err != nil {
		return "", err
	}
	last, err := n.store.Children(ctx, path, realtime.Query{LimitToLast: 1})
	if err != nil {
		return "", err
	}
	if len(last) == 0 {
		return "", nil
	}
	return last[0].Key, nil
}

func (n *Notifier) track(ctx context.Context, key, watermark string) error {
	path, err := model.ChannelPath(key)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return realtime.ErrClosed
	}
	if _, ok := n.channels[key]; ok {
		n.mu.Unlock()
		return nil
	}
	ch := &channel{key: key, watermark: watermark, unread: make(map[string]struct{})}
	n.channels[key] = ch
	n.mu.Unlock()

	unsub, err := n.store.OnChildAdded(ctx, path, realtime.Query{StartAfter: watermark}, func(snap realtime.Snapshot) {
		n.observe(key, snap)
	})
	if err != nil {
		n.mu.Lock()
		delete(n.channels, key)
		n.mu.Unlock()
		return err
	}
	n.mu.Lock()
	ch.unsub = unsub
	n.mu.Unlock()
	logger.Debugf("notify: tracking %s from %q", key, watermark)
	return nil
}

func (n *Notifier) observe(key string, snap realtime.Snapshot) {
	var msg model.Message
	if err := snap.Decode(&msg); err != nil {
		logger.Errorf("notify: decode %s/%s: %v", key, snap.Key, err)
		return
	}
	msg.Key = snap.Key
	if n.Classify(key, msg) == Unread {
		n.publish()
	}
}

// Classify runs the decision chain for msg in channel key and applies its effect.
func (n *Notifier) Classify(key string, msg model.Message) Classification {
	name := ""
	if n.id != nil {
		name = n.id.Current().DisplayName
	}
	if msg.AuthoredBy(n.self, name) {
		return Own
	}

	n.mu.Lock()
	ch, ok := n.channels[key]
	if !ok || n.closed || msg.Key <= ch.watermark {
		n.mu.Unlock()
		return Ignored
	}
	if cur, ok := n.cursors.Get(key); ok && msg.Key <= cur {
		n.mu.Unlock()
		return AlreadyRead
	}
	if n.focus == key {
		n.mu.Unlock()
		if _, err := n.cursors.Advance(key, msg.Key); err != nil {
			logger.Errorf("notify: advance cursor %s: %v", key, err)
		}
		return ReadInFocus
	}
	if _, dup := ch.unread[msg.Key]; dup {
		n.mu.Unlock()
		return Ignored
	}
	ch.unread[msg.Key] = struct{}{}
	n.mu.Unlock()
	return Unread
}

// SetFocus records the open channel; "" means none is open. Focus alone does not mark anything read.
func (n *Notifier) SetFocus(key string) {
	n.mu.Lock()
	n.focus = key
	n.mu.Unlock()
}

func (n *Notifier) Focus() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.focus
}

// MarkChannelRead zeroes the channel's count, then advances its cursor to the newest key found by
// a one-shot read. Messages that arrive meanwhile stay counted only if they sort after that key.
func (n *Notifier) MarkChannelRead(ctx context.Context, key string) {
	n.mu.Lock()
	if ch, ok := n.channels[key]; ok {
		clear(ch.unread)
	}
	n.mu.Unlock()
	n.publish()

	last, err := n.lastKey(ctx, key)
	if err != nil {
		logger.Errorf("notify: mark %s read: %v", key, err)
		return
	}
	if _, err := n.cursors.Advance(key, last); err != nil {
		logger.Errorf("notify: mark %s read: %v", key, err)
		return
	}
	cur, _ := n.cursors.Get(key)

	n.mu.Lock()
	if ch, ok := n.channels[key]; ok {
		for k := range ch.unread {
			if k <= cur {
				delete(ch.unread, k)
			}
		}
	}
	n.mu.Unlock()
	n.publish()
}

// UnreadCount returns the number of unread messages in one channel.
func (n *Notifier) UnreadCount(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.channels[key]; ok {
		return len(ch.unread)
	}
	return 0
}

// ClassCount returns the unread total for a channel class.
func (n *Notifier) ClassCount(class model.ChannelClass) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.classCountLocked(class)
}

func (n *Notifier) classCountLocked(class model.ChannelClass) int {
	total := 0
	for key, ch := range n.channels {
		if model.ClassOf(key) == class {
			total += len(ch.unread)
		}
	}
	return total
}

// Tracked returns the keys of all tracked channels, sorted.
func (n *Notifier) Tracked() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.channels))
	for k := range n.channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// publish pushes class totals that changed since the last call to the sink.
func (n *Notifier) publish() {
	n.smu.Lock()
	defer n.smu.Unlock()
	for _, class := range []model.ChannelClass{model.ClassGlobal, model.ClassDirect} {
		count := n.ClassCount(class)
		if prev, ok := n.published[class]; ok && prev == count {
			continue
		}
		n.published[class] = count
		if n.sink != nil {
			n.sink.ShowBadge(class, count)
		}
	}
}

func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	stops := n.stops
	n.stops = nil
	for _, ch := range n.channels {
		if ch.unsub != nil {
			stops = append(stops, ch.unsub)
		}
	}
	n.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
