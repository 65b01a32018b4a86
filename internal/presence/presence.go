// Package presence publishes this device's liveness and keeps the roster of devices seen
// within the freshness window. Records are keyed by stable id; names come from the directory.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

const offlineTimeout = 2 * time.Second

// Names is the part of the directory the roster renders through.
type Names interface {
	Lookup(stableID string) (string, bool)
	Subscribe(fn func(map[string]string)) func()
}

type Option func(*Tracker)

// WithClock overrides the clock used for the freshness filter.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	store    realtime.Store
	self     string
	names    Names
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	records map[string]model.PresenceRecord
	subs    map[int]func([]string)
	nextSub int
	stops   []func()
}

func New(store realtime.Store, self string, names Names, interval, window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		self:     self,
		names:    names,
		interval: interval,
		window:   window,
		now:      time.Now,
		records:  make(map[string]model.PresenceRecord),
		subs:     make(map[int]func([]string)),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Heartbeat marks this device online as of server time.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	err := t.store.Set(ctx, model.PresenceOf(t.self), map[string]any{"online": true, "last": realtime.ServerTimestamp})
	if err != nil {
		return fmt.Errorf("presence.Heartbeat: %w", err)
	}
	return nil
}

// MarkOffline is advisory: teardown may cut it short.
func (t *Tracker) MarkOffline(ctx context.Context) error {
	err := t.store.Set(ctx, model.PresenceOf(t.self), map[string]any{"online": false, "last": realtime.ServerTimestamp})
	if err != nil {
		return fmt.Errorf("presence.MarkOffline: %w", err)
	}
	return nil
}

// Run heartbeats now and every interval until ctx ends, then marks the device offline.
// Heartbeat failures are logged and dropped.
func (t *Tracker) Run(ctx context.Context) {
	beat := func() {
		hctx, cancel := context.WithTimeout(ctx, t.interval)
		defer cancel()
		if err := t.Heartbeat(hctx); err != nil {
			logger.Errorf("%v", err)
		}
	}
	beat()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineTimeout)
			if err := t.MarkOffline(octx); err != nil {
				logger.Errorf("%v", err)
			}
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Start mirrors the presence path and re-renders the roster on presence or name changes.
func (t *Tracker) Start(ctx context.Context) error {
	unsub, err := t.store.OnValue(ctx, model.PresencePath, t.apply)
	if err != nil {
		return fmt.Errorf("presence.Start: %w", err)
	}
	stopNames := t.names.Subscribe(func(map[string]string) { t.notify() })
	t.mu.Lock()
	t.stops = append(t.stops, unsub, stopNames)
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Close() {
	t.mu.Lock()
	stops := t.stops
	t.stops = nil
	t.subs = make(map[int]func([]string))
	t.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (t *Tracker) apply(snap realtime.Snapshot) {
	var raw map[string]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		logger.Errorf("presence: decode roster: %v", err)
		return
	}
	records := make(map[string]model.PresenceRecord, len(raw))
	for id, v := range raw {
		var rec model.PresenceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		records[id] = rec
	}
	t.mu.Lock()
	t.records = records
	t.mu.Unlock()
	t.notify()
}

// Subscribe calls fn with the online roster now and after every change.
func (t *Tracker) Subscribe(fn func(online []string)) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.mu.Unlock()
	fn(t.Online())
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Online evaluates the freshness filter against the current records and returns sorted names.
func (t *Tracker) Online() []string {
	now := t.now()
	t.mu.Lock()
	ids := make([]string, 0, len(t.records))
	for id, rec := range t.records {
		if rec.Fresh(now, t.window) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name, ok := t.names.Lookup(id)
		if !ok {
			name = id
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) notify() {
	t.mu.Lock()
	keys := make([]int, 0, len(t.subs))
	for k := range t.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func([]string), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, t.subs[k])
	}
	t.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	online := t.Online()
	for _, fn := range fns {
		fn(online)
	}
}
