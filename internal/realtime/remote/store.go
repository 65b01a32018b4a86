// Package remote is the client side of the store wire protocol: a realtime.Store backed by one
// WebSocket connection to the store server.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/realtime"
	"github.com/deepforums/internal/ws"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

type event struct {
	sub  uint64
	snap realtime.Snapshot
}

// Store multiplexes requests and subscriptions over one connection. Subscription callbacks run on
// a single dispatcher goroutine in the order the server produced the events, so a callback may
// issue further requests without blocking the connection.
type Store struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan ws.Frame
	handlers map[uint64]func(realtime.Snapshot)
	closed   bool
	lost     error

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	qmu    sync.Mutex
	queue  []event
	signal chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the store server at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Store, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote.Dial %s: %w: %w", url, realtime.ErrTransient, err)
	}
	return newStore(conn), nil
}

func newStore(conn *websocket.Conn) *Store {
	s := &Store{
		conn:     conn,
		pending:  make(map[uint64]chan ws.Frame),
		handlers: make(map[uint64]func(realtime.Snapshot)),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	s.wg.Add(2)
	go s.readPump()
	go s.dispatch()
	return s
}

// Close drops every subscription and the connection. Later calls fail with realtime.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.handlers = make(map[uint64]func(realtime.Snapshot))
	s.mu.Unlock()
	s.shutdown(nil)
	s.wg.Wait()
	return nil
}

func (s *Store) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.lost = cause
		s.mu.Unlock()
		close(s.done)
		s.wmu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.wmu.Unlock()
		s.conn.Close()
	})
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("remote.Set: %w", err)
	}
	_, err = s.call(ctx, ws.Request{Op: ws.OpSet, Path: path, Value: raw})
	return err
}

func (s *Store) Remove(ctx context.Context, path string) error {
	_, err := s.call(ctx, ws.Request{Op: ws.OpRemove, Path: path})
	return err
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	enc := make(map[string]json.RawMessage, len(fields))
	for name, v := range fields {
		raw, err := encode(v)
		if err != nil {
			return fmt.Errorf("remote.Update %s: %w", name, err)
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		enc[name] = raw
	}
	_, err := s.call(ctx, ws.Request{Op: ws.OpUpdate, Path: path, Fields: enc})
	return err
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := encode(value)
	if err != nil {
		return "", fmt.Errorf("remote.Push: %w", err)
	}
	f, err := s.call(ctx, ws.Request{Op: ws.OpPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return f.Key, nil
}

func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	f, err := s.call(ctx, ws.Request{Op: ws.OpGet, Path: path})
	if err != nil {
		return realtime.Snapshot{}, err
	}
	if f.Snapshot == nil {
		return realtime.Snapshot{}, nil
	}
	return *f.Snapshot, nil
}

func (s *Store) Children(ctx context.Context, path string, q realtime.Query) ([]realtime.Snapshot, error) {
	f, err := s.call(ctx, ws.Request{Op: ws.OpChildren, Path: path, Query: &q})
	if err != nil {
		return nil, err
	}
	return f.Children, nil
}

func (s *Store) OnValue(ctx context.Context, path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	return s.subscribe(ctx, ws.Request{Op: ws.OpOnValue, Path: path}, fn)
}

func (s *Store) OnChildAdded(ctx context.Context, path string, q realtime.Query, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	return s.subscribe(ctx, ws.Request{Op: ws.OpOnChild, Path: path, Query: &q}, fn)
}

// subscribe registers fn before sending the request: the server may emit events ahead of the result.
func (s *Store) subscribe(ctx context.Context, req ws.Request, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	sub := s.nextSub.Add(1)
	req.Sub = sub
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	s.handlers[sub] = fn
	s.mu.Unlock()

	if _, err := s.call(ctx, req); err != nil {
		s.dropHandler(sub)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if !s.dropHandler(sub) {
				return
			}
			// the result of off is not awaited; events already queued are skipped by dispatch
			if err := s.write(ws.Request{Op: ws.OpOff, Sub: sub}); err != nil {
				logger.Debugf("remote off sub=%d: %v", sub, err)
			}
		})
	}, nil
}

func (s *Store) dropHandler(sub uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[sub]
	delete(s.handlers, sub)
	return ok
}

func (s *Store) call(ctx context.Context, req ws.Request) (ws.Frame, error) {
	req.ID = s.nextID.Add(1)
	ch := make(chan ws.Frame, 1)

	s.mu.Lock()
	if err := s.unusableLocked(); err != nil {
		s.mu.Unlock()
		return ws.Frame{}, fmt.Errorf("remote.%s: %w", req.Op, err)
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if err := s.write(req); err != nil {
		return ws.Frame{}, fmt.Errorf("remote.%s %s: %w: %w", req.Op, req.Path, realtime.ErrTransient, err)
	}

	select {
	case f := <-ch:
		if f.Type == ws.FrameError {
			return f, fmt.Errorf("remote.%s %s: %w", req.Op, req.Path, frameError(f))
		}
		return f, nil
	case <-ctx.Done():
		return ws.Frame{}, fmt.Errorf("remote.%s %s: %w: %w", req.Op, req.Path, realtime.ErrTransient, ctx.Err())
	case <-s.done:
		s.mu.Lock()
		err := s.unusableLocked()
		s.mu.Unlock()
		return ws.Frame{}, fmt.Errorf("remote.%s %s: %w", req.Op, req.Path, err)
	}
}

func (s *Store) unusableLocked() error {
	if s.closed {
		return realtime.ErrClosed
	}
	select {
	case <-s.done:
		if s.lost != nil {
			return fmt.Errorf("%w: %w", realtime.ErrTransient, s.lost)
		}
		return realtime.ErrTransient
	default:
		return nil
	}
}

func (s *Store) write(req ws.Request) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(req)
}

func frameError(f ws.Frame) error {
	switch f.Code {
	case ws.CodeInvalidPath:
		return fmt.Errorf("%w (%s)", realtime.ErrInvalidPath, f.Error)
	case ws.CodeClosed:
		return realtime.ErrClosed
	default:
		return fmt.Errorf("server %s: %s", f.Code, f.Error)
	}
}

func (s *Store) readPump() {
	defer s.wg.Done()
	for {
		var f ws.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				logger.Errorf("remote store connection lost: %v", err)
			}
			s.shutdown(err)
			return
		}
		switch f.Type {
		case ws.FrameResult, ws.FrameError:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case ws.FrameValue, ws.FrameChild:
			if f.Snapshot == nil {
				continue
			}
			s.enqueue(event{sub: f.Sub, snap: *f.Snapshot})
		default:
			logger.Debugf("remote store: unknown frame type %q", f.Type)
		}
	}
}

func (s *Store) enqueue(ev event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Store) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.qmu.Unlock()
			for _, ev := range batch {
				s.mu.Lock()
				fn := s.handlers[ev.sub]
				s.mu.Unlock()
				if fn != nil {
					deliver(ev, fn)
				}
			}
		}
	}
}

func deliver(ev event, fn func(realtime.Snapshot)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("remote store callback panic sub=%d key=%s: %v", ev.sub, ev.snap.Key, r)
		}
	}()
	fn(ev.snap)
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

var _ realtime.Store = (*Store)(nil)

// IsTransient reports whether err came from a failed round-trip rather than a rejected request.
func IsTransient(err error) bool {
	return errors.Is(err, realtime.ErrTransient)
}
