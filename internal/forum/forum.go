// Package forum reads and writes threads and comments of the fixed forum set.
package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

var (
	ErrTitleRequired    = errors.New("forum: title and content are required")
	ErrUnsupportedVideo = errors.New("forum: only YouTube video URLs are supported")
	ErrUnknownForum     = errors.New("forum: unknown forum")
	ErrEmptyComment     = errors.New("forum: comment is empty")
)

var videoID = regexp.MustCompile(`^[\w-]{5,20}$`)

type Identity interface {
	Current() model.DeviceIdentity
}

type Service struct {
	store realtime.Store
	id    Identity
}

func New(store realtime.Store, id Identity) *Service {
	return &Service{store: store, id: id}
}

// Count is a forum with its live thread count.
type Count struct {
	Forum   model.Forum
	Threads int
}

// WatchCounts calls fn with every forum's thread count whenever one of them changes.
func (s *Service) WatchCounts(ctx context.Context, fn func([]Count)) (realtime.Unsubscribe, error) {
	var mu sync.Mutex
	counts := make([]Count, len(model.Forums))
	for i, f := range model.Forums {
		counts[i] = Count{Forum: f}
	}
	stops := make([]realtime.Unsubscribe, 0, len(model.Forums))
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}
	for i, f := range model.Forums {
		unsub, err := s.store.OnValue(ctx, model.ForumThreadsPath(f.ID), func(snap realtime.Snapshot) {
			var threads map[string]json.RawMessage
			if err := snap.Decode(&threads); err != nil {
				logger.Errorf("forum: decode %s: %v", f.ID, err)
				return
			}
			mu.Lock()
			counts[i].Threads = len(threads)
			out := append([]Count(nil), counts...)
			mu.Unlock()
			fn(out)
		})
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("forum.WatchCounts: %w", err)
		}
		stops = append(stops, unsub)
	}
	return stopAll, nil
}

// WatchThreads calls fn with the forum's threads, newest first, on every change.
func (s *Service) WatchThreads(ctx context.Context, forumID string, fn func([]model.Thread)) (realtime.Unsubscribe, error) {
	if _, ok := model.FindForum(forumID); !ok {
		return nil, ErrUnknownForum
	}
	unsub, err := s.store.OnValue(ctx, model.ForumThreadsPath(forumID), func(snap realtime.Snapshot) {
		threads, err := decodeThreads(forumID, snap)
		if err != nil {
			logger.Errorf("forum: decode %s: %v", forumID, err)
			return
		}
		fn(threads)
	})
	if err != nil {
		return nil, fmt.Errorf("forum.WatchThreads: %w", err)
	}
	return unsub, nil
}

// WatchThread calls fn with the thread on every change; ok is false once it no longer exists.
func (s *Service) WatchThread(ctx context.Context, forumID, threadID string, fn func(t model.Thread, ok bool)) (realtime.Unsubscribe, error) {
	if _, ok := model.FindForum(forumID); !ok {
		return nil, ErrUnknownForum
	}
	unsub, err := s.store.OnValue(ctx, model.ThreadPath(forumID, threadID), func(snap realtime.Snapshot) {
		if !snap.Exists() {
			fn(model.Thread{ID: threadID, ForumID: forumID}, false)
			return
		}
		var t model.Thread
		if err := snap.Decode(&t); err != nil {
			logger.Errorf("forum: decode %s/%s: %v", forumID, threadID, err)
			return
		}
		t.ID, t.ForumID = threadID, forumID
		fn(t, true)
	})
	if err != nil {
		return nil, fmt.Errorf("forum.WatchThread: %w", err)
	}
	return unsub, nil
}

// Draft is a new thread. ImageURL must already be hosted.
type Draft struct {
	Title    string
	Content  string
	ImageURL string
	VideoURL string
}

func (s *Service) CreateThread(ctx context.Context, forumID string, d Draft) (string, error) {
	if _, ok := model.FindForum(forumID); !ok {
		return "", ErrUnknownForum
	}
	title, content := strings.TrimSpace(d.Title), strings.TrimSpace(d.Content)
	if title == "" || content == "" {
		return "", ErrTitleRequired
	}
	doc := map[string]any{
		"forumId":   forumID,
		"title":     title,
		"content":   content,
		"author":    s.id.Current().DisplayName,
		"authorId":  s.id.Current().StableID,
		"timestamp": realtime.ServerTimestamp,
	}
	if v := strings.TrimSpace(d.VideoURL); v != "" {
		embed, err := EmbedURL(v)
		if err != nil {
			return "", err
		}
		doc["video"] = embed
	}
	if img := strings.TrimSpace(d.ImageURL); img != "" {
		doc["imageUrl"] = img
	}
	key, err := s.store.Push(ctx, model.ForumThreadsPath(forumID), doc)
	if err != nil {
		return "", fmt.Errorf("forum.CreateThread: %w", err)
	}
	return key, nil
}

func (s *Service) AddComment(ctx context.Context, forumID, threadID, text string) (string, error) {
	if _, ok := model.FindForum(forumID); !ok {
		return "", ErrUnknownForum
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyComment
	}
	cur := s.id.Current()
	key, err := s.store.Push(ctx, model.CommentsPath(forumID, threadID), map[string]any{
		"author":    cur.DisplayName,
		"authorId":  cur.StableID,
		"text":      text,
		"timestamp": realtime.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("forum.AddComment: %w", err)
	}
	return key, nil
}

// ThreadsBy collects the threads written by stableID across all forums, newest first. Threads
// without an author id match on name.
func (s *Service) ThreadsBy(ctx context.Context, stableID, name string) ([]model.Thread, error) {
	var out []model.Thread
	for _, f := range model.Forums {
		snap, err := s.store.Get(ctx, model.ForumThreadsPath(f.ID))
		if err != nil {
			return nil, fmt.Errorf("forum.ThreadsBy: %w", err)
		}
		threads, err := decodeThreads(f.ID, snap)
		if err != nil {
			return nil, fmt.Errorf("forum.ThreadsBy %s: %w", f.ID, err)
		}
		for _, t := range threads {
			if (t.AuthorID != "" && t.AuthorID == stableID) || (t.AuthorID == "" && t.Author == name) {
				out = append(out, t)
			}
		}
	}
	sortNewest(out)
	return out, nil
}

// EmbedURL converts an https YouTube link into its embed URL.
func EmbedURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return "", ErrUnsupportedVideo
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "youtube.com" && !strings.HasSuffix(host, ".youtube.com") && host != "youtu.be" {
		return "", ErrUnsupportedVideo
	}
	id := u.Query().Get("v")
	if id == "" {
		parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
		id = parts[len(parts)-1]
	}
	if !videoID.MatchString(id) {
		return "", ErrUnsupportedVideo
	}
	return "https://www.youtube.com/embed/" + id, nil
}

func decodeThreads(forumID string, snap realtime.Snapshot) ([]model.Thread, error) {
	var raw map[string]model.Thread
	if err := snap.Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]model.Thread, 0, len(raw))
	for id, t := range raw {
		t.ID, t.ForumID = id, forumID
		out = append(out, t)
	}
	sortNewest(out)
	return out, nil
}

func sortNewest(ts []model.Thread) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Timestamp != ts[j].Timestamp {
			return ts[i].Timestamp > ts[j].Timestamp
		}
		return ts[i].ID > ts[j].ID
	})
}
