package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 << 10
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one connected store client.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Frame
	id   string

	// done is a non-blocking guard in sendToClient.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	smu  sync.Mutex
	subs map[uint64]realtime.Unsubscribe
}

func NewClient(hub *Hub, conn *websocket.Conn, id string, sendBuf int) *Client {
	if sendBuf <= 0 {
		sendBuf = sendBufSize
	}
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan Frame, sendBuf),
		id:   id,
		done: make(chan struct{}),
		subs: make(map[uint64]realtime.Unsubscribe),
	}
}

// Start launches readPump and writePump. ctx controls pump lifetime; cancel is kept for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client and drops its store subscriptions. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.dropSubscriptions()
		c.conn.Close()
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// addSubscription registers unsub under id. It reports false (and unsubscribes) when the id is
// taken or the client is already gone.
func (c *Client) addSubscription(id uint64, unsub realtime.Unsubscribe) bool {
	c.smu.Lock()
	_, taken := c.subs[id]
	gone := c.closed()
	if !taken && !gone {
		c.subs[id] = unsub
	}
	c.smu.Unlock()
	if taken || gone {
		unsub()
		return false
	}
	return true
}

func (c *Client) hasSubscription(id uint64) bool {
	c.smu.Lock()
	defer c.smu.Unlock()
	_, ok := c.subs[id]
	return ok
}

func (c *Client) removeSubscription(id uint64) bool {
	c.smu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.smu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

func (c *Client) dropSubscriptions() {
	c.smu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]realtime.Unsubscribe)
	c.smu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

func (c *Client) subscriptionCount() int {
	c.smu.Lock()
	defer c.smu.Unlock()
	return len(c.subs)
}

// readPump exits on read error (conn.Close from Close or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline client=%s: %v", c.id, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error client=%s: %v", c.id, err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			logger.Errorf("ws unmarshal error client=%s: %v", c.id, err)
			continue
		}

		c.hub.HandleRequest(ctx, c, req)
	}
}

// writePump exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message client=%s: %v", c.id, err)
			}
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline client=%s: %v", c.id, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(frame); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error client=%s: %v", c.id, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline client=%s: %v", c.id, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
