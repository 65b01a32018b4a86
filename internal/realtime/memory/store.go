// Package memory is the in-process realtime store. The store server runs one of these as the
// authoritative replica; tests use it directly as the client's store.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/realtime"
	"github.com/deepforums/internal/storage"
)

type subKind int

const (
	valueSub subKind = iota
	childSub
)

type subscription struct {
	id     uint64
	kind   subKind
	segs   []string
	q      realtime.Query
	fn     func(realtime.Snapshot)
	active atomic.Bool
}

type event struct {
	sub  *subscription
	snap realtime.Snapshot
}

type change struct {
	segs []string
	v    any
}

type Option func(*Store)

// WithJournal makes every mutation durable in j before it is applied.
func WithJournal(j storage.Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithClock overrides the server clock used for timestamps and push keys.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps the whole tree in memory. Callbacks run on the goroutine that caused the event,
// after the store lock is released, in the order the events were produced. A callback may write
// to the store; the resulting events are delivered after it returns.
type Store struct {
	mu      sync.Mutex
	tree    *realtime.Tree
	keys    realtime.KeyGen
	now     func() time.Time
	journal storage.Journal
	subs    map[uint64]*subscription
	nextID  uint64
	closed  bool

	qmu      sync.Mutex
	queue    []event
	draining bool
}

func New(opts ...Option) *Store {
	s := &Store{
		tree: realtime.NewTree(),
		now:  time.Now,
		subs: make(map[uint64]*subscription),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Restore rebuilds the tree from the journal. Call it before serving subscriptions.
func (s *Store) Restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	defer logger.DeferLogDuration("memory.Restore", time.Now())()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	err := s.journal.Replay(ctx, func(op storage.Op) error {
		changes, err := decodeOp(op)
		if err != nil {
			return fmt.Errorf("op %d: %w", op.Seq, err)
		}
		for _, c := range changes {
			s.tree.Set(c.segs, c.v)
			if len(c.segs) > 0 {
				s.keys.Observe(c.segs[len(c.segs)-1])
			}
		}
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("memory.Restore: %w", err)
	}
	logger.Infof("realtime store restored from journal: %d ops", n)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.subs {
		sub.active.Store(false)
		delete(s.subs, id)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	segs, err := realtime.Split(path)
	if err != nil {
		return err
	}
	v, err := realtime.Normalize(value, s.now().UnixMilli())
	if err != nil {
		return err
	}
	kind := storage.OpSet
	if v == nil {
		kind = storage.OpRemove
	}
	s.mu.Lock()
	err = s.commitLocked(ctx, kind, path, v, []change{{segs: segs, v: v}})
	s.mu.Unlock()
	s.drain()
	return err
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// Update sets each field relative to path in one step. Field names may contain "/".
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	segs, err := realtime.Split(path)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	norm := make(map[string]any, len(fields))
	changes := make([]change, 0, len(fields))
	for name, fv := range fields {
		rel, err := realtime.Split(name)
		if err != nil || len(rel) == 0 {
			return fmt.Errorf("%w: field %q", realtime.ErrInvalidPath, name)
		}
		v, err := realtime.Normalize(fv, now)
		if err != nil {
			return err
		}
		norm[name] = v
		changes = append(changes, change{segs: append(append([]string(nil), segs...), rel...), v: v})
	}
	sort.Slice(changes, func(i, j int) bool { return realtime.Join(changes[i].segs...) < realtime.Join(changes[j].segs...) })
	s.mu.Lock()
	err = s.commitLocked(ctx, storage.OpUpdate, path, norm, changes)
	s.mu.Unlock()
	s.drain()
	return err
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	segs, err := realtime.Split(path)
	if err != nil {
		return "", err
	}
	v, err := realtime.Normalize(value, s.now().UnixMilli())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	key := s.keys.Next(s.now())
	child := append(append([]string(nil), segs...), key)
	err = s.commitLocked(ctx, storage.OpSet, realtime.Join(child...), v, []change{{segs: child, v: v}})
	s.mu.Unlock()
	s.drain()
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	segs, err := realtime.Split(path)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.Snapshot{}, realtime.ErrClosed
	}
	return s.tree.Snapshot(segs), nil
}

func (s *Store) Children(ctx context.Context, path string, q realtime.Query) ([]realtime.Snapshot, error) {
	segs, err := realtime.Split(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, realtime.ErrClosed
	}
	return s.tree.Children(segs, q), nil
}

func (s *Store) OnValue(ctx context.Context, path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	segs, err := realtime.Split(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	sub := s.addLocked(valueSub, segs, realtime.Query{}, fn)
	s.enqueue(event{sub: sub, snap: s.tree.Snapshot(segs)})
	s.mu.Unlock()
	s.drain()
	return s.unsubscribe(sub), nil
}

func (s *Store) OnChildAdded(ctx context.Context, path string, q realtime.Query, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	segs, err := realtime.Split(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	sub := s.addLocked(childSub, segs, q, fn)
	for _, snap := range s.tree.Children(segs, q) {
		s.enqueue(event{sub: sub, snap: snap})
	}
	s.mu.Unlock()
	s.drain()
	return s.unsubscribe(sub), nil
}

func (s *Store) addLocked(kind subKind, segs []string, q realtime.Query, fn func(realtime.Snapshot)) *subscription {
	s.nextID++
	sub := &subscription{id: s.nextID, kind: kind, segs: segs, q: q, fn: fn}
	sub.active.Store(true)
	s.subs[sub.id] = sub
	return sub
}

func (s *Store) unsubscribe(sub *subscription) realtime.Unsubscribe {
	return func() {
		sub.active.Store(false)
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
	}
}

type capture struct {
	sub   *subscription
	value []byte
	keys  map[string]struct{}
}

// commitLocked journals and applies changes, then queues the events they cause.
// The journal write happens under s.mu: journal order must match apply order.
func (s *Store) commitLocked(ctx context.Context, kind storage.OpKind, path string, value any, changes []change) error {
	if s.closed {
		return realtime.ErrClosed
	}
	var before []capture
	for _, sub := range s.subs {
		if !touches(sub.segs, changes) {
			continue
		}
		c := capture{sub: sub}
		if sub.kind == valueSub {
			c.value = s.tree.Snapshot(sub.segs).Value
		} else {
			c.keys = make(map[string]struct{})
			for _, k := range s.tree.ChildKeys(sub.segs) {
				c.keys[k] = struct{}{}
			}
		}
		before = append(before, c)
	}
	if s.journal != nil {
		op := storage.Op{Kind: kind, Path: path, At: s.now().UTC()}
		if value != nil {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("memory.commit: %w", err)
			}
			op.Value = raw
		}
		if err := s.journal.Append(ctx, op); err != nil {
			return fmt.Errorf("memory.commit: %w", err)
		}
	}
	for _, c := range changes {
		s.tree.Set(c.segs, c.v)
	}
	// subscriptions fire in registration order
	sort.Slice(before, func(i, j int) bool { return before[i].sub.id < before[j].sub.id })
	for _, c := range before {
		if c.sub.kind == valueSub {
			snap := s.tree.Snapshot(c.sub.segs)
			if !bytes.Equal(snap.Value, c.value) {
				s.enqueue(event{sub: c.sub, snap: snap})
			}
			continue
		}
		for _, k := range s.tree.ChildKeys(c.sub.segs) {
			if _, ok := c.keys[k]; ok {
				continue
			}
			if c.sub.q.StartAfter != "" && k <= c.sub.q.StartAfter {
				continue
			}
			child := append(append([]string(nil), c.sub.segs...), k)
			s.enqueue(event{sub: c.sub, snap: s.tree.Snapshot(child)})
		}
	}
	return nil
}

func touches(segs []string, changes []change) bool {
	for _, c := range changes {
		if realtime.Related(segs, c.segs) {
			return true
		}
	}
	return false
}

func (s *Store) enqueue(ev event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
}

// drain delivers queued events unless another call up the stack is already delivering.
func (s *Store) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = event{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		if ev.sub.active.Load() {
			deliver(ev)
		}
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

func deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("realtime callback panic path=%s: %v", realtime.Join(ev.sub.segs...), r)
		}
	}()
	ev.sub.fn(ev.snap)
}

func decodeOp(op storage.Op) ([]change, error) {
	segs, err := realtime.Split(op.Path)
	if err != nil {
		return nil, err
	}
	switch op.Kind {
	case storage.OpRemove:
		return []change{{segs: segs}}, nil
	case storage.OpSet:
		v, err := realtime.Normalize(op.Value, 0)
		if err != nil {
			return nil, err
		}
		return []change{{segs: segs, v: v}}, nil
	case storage.OpUpdate:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(op.Value, &fields); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		changes := make([]change, 0, len(fields))
		for _, name := range names {
			rel, err := realtime.Split(name)
			if err != nil {
				return nil, err
			}
			v, err := realtime.Normalize(fields[name], 0)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change{segs: append(append([]string(nil), segs...), rel...), v: v})
		}
		return changes, nil
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}
