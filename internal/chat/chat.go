// Package chat appends messages to the global channel and to direct-message rooms, and builds
// the direct-message inbox.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrSelfDM       = errors.New("chat: cannot message yourself")
	ErrNoChannel    = errors.New("chat: no channel open")
)

const PreviewLength = 50

type Identity interface {
	Current() model.DeviceIdentity
}

type Names interface {
	Lookup(stableID string) (string, bool)
}

type Service struct {
	store realtime.Store
	self  string
	id    Identity
	names Names
}

func New(store realtime.Store, self string, id Identity, names Names) *Service {
	return &Service{store: store, self: self, id: id, names: names}
}

// Draft is what the user composed. Media must already be hosted; MediaURL is stored as is.
type Draft struct {
	Text      string
	MediaURL  string
	MediaType string
}

func (d Draft) empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.MediaURL == ""
}

func (s *Service) SendGlobal(ctx context.Context, d Draft) (string, error) {
	return s.Send(ctx, model.GlobalKey, d)
}

// SendDirect appends to the room shared with otherID, creating it on first message.
func (s *Service) SendDirect(ctx context.Context, otherID string, d Draft) (string, error) {
	if otherID == "" {
		return "", ErrNoChannel
	}
	if otherID == s.self {
		return "", ErrSelfDM
	}
	return s.Send(ctx, model.PairKey(s.self, otherID), d)
}

// Send appends d to the channel key and returns the message's sequence key.
func (s *Service) Send(ctx context.Context, key string, d Draft) (string, error) {
	if d.empty() {
		return "", ErrEmptyMessage
	}
	path, err := model.ChannelPath(key)
	if err != nil {
		return "", fmt.Errorf("chat.Send: %w: %w", ErrNoChannel, err)
	}
	if model.ClassOf(key) == model.ClassDirect && !model.Involves(key, s.self) {
		return "", fmt.Errorf("chat.Send %s: %w", key, ErrNoChannel)
	}
	msg := map[string]any{
		"userId":    s.self,
		"author":    s.id.Current().DisplayName,
		"timestamp": realtime.ServerTimestamp,
	}
	if text := strings.TrimSpace(d.Text); text != "" {
		msg["text"] = text
	}
	if d.MediaURL != "" {
		msg["mediaUrl"] = d.MediaURL
		msg["mediaType"] = d.MediaType
	}
	msgKey, err := s.store.Push(ctx, path, msg)
	if err != nil {
		return "", fmt.Errorf("chat.Send %s: %w", key, err)
	}
	return msgKey, nil
}

// History returns up to limit most recent messages of a channel, oldest first.
func (s *Service) History(ctx context.Context, key string, limit int) ([]model.Message, error) {
	path, err := model.ChannelPath(key)
	if err != nil {
		return nil, fmt.Errorf("chat.History: %w", err)
	}
	snaps, err := s.store.Children(ctx, path, realtime.Query{LimitToLast: limit})
	if err != nil {
		return nil, fmt.Errorf("chat.History %s: %w", key, err)
	}
	out := make([]model.Message, 0, len(snaps))
	for _, snap := range snaps {
		m, err := Decode(snap)
		if err != nil {
			logger.Errorf("chat: skip %s/%s: %v", key, snap.Key, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Decode reads a message snapshot and fills its key.
func Decode(snap realtime.Snapshot) (model.Message, error) {
	var m model.Message
	if err := snap.Decode(&m); err != nil {
		return model.Message{}, err
	}
	m.Key = snap.Key
	return m, nil
}

// Conversation is one inbox row.
type Conversation struct {
	Key       string
	OtherID   string
	OtherName string
	Last      model.Message
	Preview   string
	// Unread is filled in by the caller that owns unread bookkeeping.
	Unread int
}

// WatchConversations renders the inbox on every change to any room: rooms involving this device,
// newest activity first.
func (s *Service) WatchConversations(ctx context.Context, fn func([]Conversation)) (realtime.Unsubscribe, error) {
	unsub, err := s.store.OnValue(ctx, model.DirectPath, func(snap realtime.Snapshot) {
		convos, err := s.conversations(snap)
		if err != nil {
			logger.Errorf("chat: decode inbox: %v", err)
			return
		}
		fn(convos)
	})
	if err != nil {
		return nil, fmt.Errorf("chat.WatchConversations: %w", err)
	}
	return unsub, nil
}

func (s *Service) conversations(snap realtime.Snapshot) ([]Conversation, error) {
	var rooms map[string]map[string]json.RawMessage
	if err := snap.Decode(&rooms); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(rooms))
	for key, msgs := range rooms {
		other, ok := model.OtherParticipant(key, s.self)
		if !ok || len(msgs) == 0 {
			continue
		}
		lastKey := ""
		for k := range msgs {
			if k > lastKey {
				lastKey = k
			}
		}
		last, err := Decode(realtime.Snapshot{Key: lastKey, Value: msgs[lastKey]})
		if err != nil {
			logger.Errorf("chat: skip %s/%s: %v", key, lastKey, err)
			continue
		}
		name, ok := s.names.Lookup(other)
		if !ok {
			name = other
		}
		out = append(out, Conversation{
			Key:       key,
			OtherID:   other,
			OtherName: name,
			Last:      last,
			Preview:   last.Preview(PreviewLength),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Last.Key > out[j].Last.Key })
	return out, nil
}
