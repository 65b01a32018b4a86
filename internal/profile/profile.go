// Package profile loads public profile documents for the profile view.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

var ErrUnknownUser = errors.New("profile: unknown user")

type Identity interface {
	Current() model.DeviceIdentity
}

type Names interface {
	Lookup(stableID string) (string, bool)
}

type ThreadLister interface {
	ThreadsBy(ctx context.Context, stableID, name string) ([]model.Thread, error)
}

type Service struct {
	store   realtime.Store
	id      Identity
	names   Names
	threads ThreadLister
	cache   *cache.Cache
}

func New(store realtime.Store, id Identity, names Names, threads ThreadLister) *Service {
	return &Service{
		store:   store,
		id:      id,
		names:   names,
		threads: threads,
		cache:   cache.New(5*time.Minute, 10*time.Minute),
	}
}

// View is everything the profile screen shows.
type View struct {
	StableID string
	Profile  model.Profile
	Self     bool
	Threads  []model.Thread
}

// Get returns profiles/{name}, or a default document when none is stored.
func (s *Service) Get(ctx context.Context, name string) (model.Profile, error) {
	if p, found := s.cache.Get(name); found {
		return p.(model.Profile), nil
	}
	snap, err := s.store.Get(ctx, model.ProfilePath(name))
	if err != nil {
		return model.Profile{}, fmt.Errorf("profile.Get %s: %w", name, err)
	}
	p := model.Profile{Username: name, Bio: model.DefaultBio}
	if err := snap.Decode(&p); err != nil {
		return model.Profile{}, fmt.Errorf("profile.Get %s: %w", name, err)
	}
	if p.Bio == "" {
		p.Bio = model.DefaultBio
	}
	s.cache.Set(name, p, cache.DefaultExpiration)
	return p, nil
}

// Invalidate drops a cached document, e.g. after the owner edits it.
func (s *Service) Invalidate(name string) {
	s.cache.Delete(name)
}

// Load builds the profile view of stableID. This device's own profile comes from local state.
func (s *Service) Load(ctx context.Context, stableID string) (View, error) {
	cur := s.id.Current()
	v := View{StableID: stableID}
	if stableID == cur.StableID {
		v.Self = true
		v.Profile = model.Profile{Username: cur.DisplayName, Bio: cur.Bio, Avatar: cur.Avatar, UserID: cur.StableID}
	} else {
		name, ok := s.names.Lookup(stableID)
		if !ok {
			return View{}, fmt.Errorf("profile.Load %s: %w", stableID, ErrUnknownUser)
		}
		p, err := s.Get(ctx, name)
		if err != nil {
			return View{}, err
		}
		v.Profile = p
	}
	threads, err := s.threads.ThreadsBy(ctx, stableID, v.Profile.Username)
	if err != nil {
		return View{}, fmt.Errorf("profile.Load: %w", err)
	}
	v.Threads = threads
	return v, nil
}
