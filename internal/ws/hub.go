package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/realtime"
)

const requestTimeout = 5 * time.Second

// Hub serves one realtime store to every connected client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	total      int
	maxConns   int
	store      realtime.Store
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(store realtime.Store, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		store:      store,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// collect under the lock, close outside it
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting client=%s", h.maxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws client connected client=%s", c.id)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.total--
	h.mu.Unlock()

	subs := c.subscriptionCount()
	c.Close()
	logger.Debugf("ws client disconnected client=%s subscriptions=%d", c.id, subs)
}

// Connections returns the number of registered clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleRequest executes one store operation for c and answers with a result or error frame.
func (h *Hub) HandleRequest(ctx context.Context, c *Client, req Request) {
	defer logger.DeferLogDuration("ws."+string(req.Op), time.Now())()
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch req.Op {
	case OpSet:
		h.reply(c, req, Frame{}, h.store.Set(ctx, req.Path, req.Value))
	case OpRemove:
		h.reply(c, req, Frame{}, h.store.Remove(ctx, req.Path))
	case OpUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		h.reply(c, req, Frame{}, h.store.Update(ctx, req.Path, fields))
	case OpPush:
		key, err := h.store.Push(ctx, req.Path, req.Value)
		h.reply(c, req, Frame{Key: key}, err)
	case OpGet:
		snap, err := h.store.Get(ctx, req.Path)
		h.reply(c, req, Frame{Snapshot: &snap}, err)
	case OpChildren:
		children, err := h.store.Children(ctx, req.Path, query(req))
		h.reply(c, req, Frame{Children: children}, err)
	case OpOnValue:
		h.subscribe(c, req, func(fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
			return h.store.OnValue(ctx, req.Path, fn)
		}, FrameValue)
	case OpOnChild:
		h.subscribe(c, req, func(fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
			return h.store.OnChildAdded(ctx, req.Path, query(req), fn)
		}, FrameChild)
	case OpOff:
		c.removeSubscription(req.Sub)
		h.reply(c, req, Frame{}, nil)
	default:
		h.sendToClient(c, Frame{Type: FrameError, ID: req.ID, Code: CodeBadRequest, Error: "unknown op"})
	}
}

func query(req Request) realtime.Query {
	if req.Query == nil {
		return realtime.Query{}
	}
	return *req.Query
}

// subscribe registers a store subscription whose events are forwarded to c. Events can reach the
// client before the result frame; the client registers its handler before sending the request.
func (h *Hub) subscribe(c *Client, req Request, open func(func(realtime.Snapshot)) (realtime.Unsubscribe, error), ft FrameType) {
	if req.Sub == 0 {
		h.sendToClient(c, Frame{Type: FrameError, ID: req.ID, Code: CodeBadRequest, Error: "sub required"})
		return
	}
	sub := req.Sub
	// a taken id is rejected before opening: the initial events would reach the existing handler
	if c.hasSubscription(sub) {
		h.sendToClient(c, Frame{Type: FrameError, ID: req.ID, Code: CodeBadRequest, Error: "sub already in use"})
		return
	}
	unsub, err := open(func(snap realtime.Snapshot) {
		h.sendToClient(c, Frame{Type: ft, Sub: sub, Snapshot: &snap})
	})
	if err != nil {
		h.reply(c, req, Frame{}, err)
		return
	}
	if !c.addSubscription(sub, unsub) {
		h.sendToClient(c, Frame{Type: FrameError, ID: req.ID, Code: CodeBadRequest, Error: "sub already in use"})
		return
	}
	h.reply(c, req, Frame{}, nil)
}

func (h *Hub) reply(c *Client, req Request, f Frame, err error) {
	f.ID = req.ID
	if err != nil {
		code := CodeInternal
		switch {
		case errors.Is(err, realtime.ErrInvalidPath):
			code = CodeInvalidPath
		case errors.Is(err, realtime.ErrClosed):
			code = CodeClosed
		case isJSONError(err):
			code = CodeBadRequest
		default:
			logger.Errorf("ws %s path=%s client=%s: %v", req.Op, req.Path, c.id, err)
		}
		h.sendToClient(c, Frame{Type: FrameError, ID: req.ID, Code: code, Error: err.Error()})
		return
	}
	f.Type = FrameResult
	h.sendToClient(c, f)
}

func isJSONError(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ)
}

func (h *Hub) sendToClient(c *Client, f Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		// backpressure: send buffer full, close slow client
		logger.Errorf("ws send buffer full, closing slow client=%s", c.id)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
