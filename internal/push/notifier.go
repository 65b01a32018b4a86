// Package push sends Web Push notifications for direct messages whose recipient is offline.
// Browser subscriptions live in the realtime store under push/{stableId}/{key}.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

const (
	maxSubsPerUser = 10
	jobQueueSize   = 256
	sendTimeout    = 10 * time.Second
	previewLength  = 100
)

// Subscription is what a browser's PushManager hands out.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// Sender delivers one payload to one subscription and returns the push service's status code.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub Subscription) (int, error)
}

type webpushSender struct {
	opts *webpush.Options
}

// NewWebPushSender signs requests with the VAPID key pair.
func NewWebPushSender(publicKey, privateKey, subscriber string) Sender {
	return &webpushSender{opts: &webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             30,
	}}
}

func (w *webpushSender) Send(ctx context.Context, payload []byte, sub Subscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, w.opts)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Payload is the JSON body shown by the service worker.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type job struct {
	room string
	msg  model.Message
}

// Notifier watches every direct-message room on the server's store. Store callbacks only queue
// work; Run sends it, so a slow push service never stalls writers.
type Notifier struct {
	store  realtime.Store
	sender Sender
	window time.Duration
	now    func() time.Time

	jobs chan job

	mu       sync.Mutex
	since    string
	rooms    map[string]realtime.Unsubscribe
	roomsSub realtime.Unsubscribe
}

func NewNotifier(store realtime.Store, sender Sender, freshness time.Duration) *Notifier {
	return &Notifier{
		store:  store,
		sender: sender,
		window: freshness,
		now:    time.Now,
		jobs:   make(chan job, jobQueueSize),
		rooms:  make(map[string]realtime.Unsubscribe),
	}
}

// Start watches rooms for messages written from now on.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	n.since = realtime.KeyFloor(n.now())
	n.mu.Unlock()
	unsub, err := n.store.OnChildAdded(ctx, model.DirectPath, realtime.Query{}, func(room realtime.Snapshot) {
		n.watchRoom(ctx, room.Key)
	})
	if err != nil {
		return fmt.Errorf("push.Start: %w", err)
	}
	n.mu.Lock()
	n.roomsSub = unsub
	n.mu.Unlock()
	return nil
}

func (n *Notifier) watchRoom(ctx context.Context, room string) {
	if _, _, ok := model.Participants(room); !ok {
		return
	}
	n.mu.Lock()
	if _, ok := n.rooms[room]; ok {
		n.mu.Unlock()
		return
	}
	n.rooms[room] = func() {}
	since := n.since
	n.mu.Unlock()

	unsub, err := n.store.OnChildAdded(ctx, model.DirectPath+"/"+room, realtime.Query{StartAfter: since}, func(snap realtime.Snapshot) {
		var msg model.Message
		if err := snap.Decode(&msg); err != nil {
			logger.Errorf("push: decode %s/%s: %v", room, snap.Key, err)
			return
		}
		msg.Key = snap.Key
		select {
		case n.jobs <- job{room: room, msg: msg}:
		default:
			logger.Errorf("push: queue full, dropping notification room=%s key=%s", room, snap.Key)
		}
	})
	if err != nil {
		logger.Errorf("push: watch room %s: %v", room, err)
		n.mu.Lock()
		delete(n.rooms, room)
		n.mu.Unlock()
		return
	}
	n.mu.Lock()
	n.rooms[room] = unsub
	n.mu.Unlock()
}

// Run sends queued notifications until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-n.jobs:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			n.deliver(sctx, j)
			cancel()
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	recipient, ok := model.OtherParticipant(j.room, j.msg.UserID)
	if !ok {
		return
	}
	online, err := n.online(ctx, recipient)
	if err != nil {
		logger.Errorf("push: presence of %s: %v", recipient, err)
		return
	}
	if online {
		return
	}
	subs, err := n.store.Children(ctx, model.PushSubscriptionsPath(recipient), realtime.Query{})
	if err != nil {
		logger.Errorf("push: subscriptions of %s: %v", recipient, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body := j.msg.Preview(previewLength)
	payload, err := json.Marshal(Payload{
		Title: j.msg.Author,
		Body:  body,
		Data:  map[string]string{"room": j.room, "key": j.msg.Key, "from": j.msg.UserID},
	})
	if err != nil {
		logger.Errorf("push: encode payload: %v", err)
		return
	}
	for _, snap := range subs {
		var sub Subscription
		if err := snap.Decode(&sub); err != nil || !sub.Valid() {
			continue
		}
		status, err := n.sender.Send(ctx, payload, sub)
		if err != nil {
			logger.Errorf("push: send to %s: %v", recipient, err)
			continue
		}
		if status == http.StatusGone || status == http.StatusNotFound {
			if err := n.store.Remove(ctx, model.PushSubscriptionsPath(recipient)+"/"+snap.Key); err != nil {
				logger.Errorf("push: drop expired subscription of %s: %v", recipient, err)
			}
		}
	}
}

func (n *Notifier) online(ctx context.Context, stableID string) (bool, error) {
	snap, err := n.store.Get(ctx, model.PresenceOf(stableID))
	if err != nil {
		return false, err
	}
	var rec model.PresenceRecord
	if err := snap.Decode(&rec); err != nil {
		return false, err
	}
	return rec.Fresh(n.now(), n.window), nil
}

func (n *Notifier) Close() {
	n.mu.Lock()
	stops := make([]realtime.Unsubscribe, 0, len(n.rooms)+1)
	if n.roomsSub != nil {
		stops = append(stops, n.roomsSub)
	}
	for _, unsub := range n.rooms {
		stops = append(stops, unsub)
	}
	n.rooms = make(map[string]realtime.Unsubscribe)
	n.roomsSub = nil
	n.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Subscribe stores sub for stableID, keeping only the newest maxSubsPerUser subscriptions.
// A subscription already stored for the same endpoint is replaced.
func Subscribe(ctx context.Context, store realtime.Store, stableID string, sub Subscription) (string, error) {
	if err := Unsubscribe(ctx, store, stableID, sub.Endpoint); err != nil {
		return "", err
	}
	path := model.PushSubscriptionsPath(stableID)
	key, err := store.Push(ctx, path, sub)
	if err != nil {
		return "", fmt.Errorf("push.Subscribe: %w", err)
	}
	existing, err := store.Children(ctx, path, realtime.Query{})
	if err != nil {
		return key, fmt.Errorf("push.Subscribe: %w", err)
	}
	for i := 0; i < len(existing)-maxSubsPerUser; i++ {
		if err := store.Remove(ctx, path+"/"+existing[i].Key); err != nil {
			return key, fmt.Errorf("push.Subscribe: trim: %w", err)
		}
	}
	return key, nil
}

// Unsubscribe removes every subscription of stableID with the given endpoint.
func Unsubscribe(ctx context.Context, store realtime.Store, stableID, endpoint string) error {
	path := model.PushSubscriptionsPath(stableID)
	existing, err := store.Children(ctx, path, realtime.Query{})
	if err != nil {
		return fmt.Errorf("push.Unsubscribe: %w", err)
	}
	for _, snap := range existing {
		var sub Subscription
		if err := snap.Decode(&sub); err != nil || sub.Endpoint != endpoint {
			continue
		}
		if err := store.Remove(ctx, path+"/"+snap.Key); err != nil {
			return fmt.Errorf("push.Unsubscribe: %w", err)
		}
	}
	return nil
}
