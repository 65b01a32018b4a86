// Package app builds the client state layer and runs its lifecycle: constructed at startup,
// mutated only through its components, torn down on shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepforums/internal/chat"
	"github.com/deepforums/internal/cursor"
	"github.com/deepforums/internal/directory"
	"github.com/deepforums/internal/forum"
	"github.com/deepforums/internal/identity"
	"github.com/deepforums/internal/localstore"
	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/notify"
	"github.com/deepforums/internal/presence"
	"github.com/deepforums/internal/profile"
	"github.com/deepforums/internal/realtime"
	"github.com/deepforums/internal/view"
)

type Options struct {
	HeartbeatInterval time.Duration
	FreshnessWindow   time.Duration
	HistoryLimit      int
	// Now overrides the clock of the presence freshness filter.
	Now func() time.Time
}

type App struct {
	Self      string
	Store     realtime.Store
	Identity  *identity.Store
	Directory *directory.Directory
	Presence  *presence.Tracker
	Cursors   *cursor.Store
	Notifier  *notify.Notifier
	Chat      *chat.Service
	Forums    *forum.Service
	Profiles  *profile.Service
	View      *view.Controller

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component. durable holds the stable id and profile; session holds read cursors.
func New(store realtime.Store, durable, session localstore.KV, r view.Renderer, opts Options) (*App, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = 60 * time.Second
	}
	dir := directory.New(store)
	ids := identity.New(durable, store, dir)
	self, err := ids.GetOrCreateStableID()
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	var popts []presence.Option
	if opts.Now != nil {
		popts = append(popts, presence.WithClock(opts.Now))
	}
	pres := presence.New(store, self, dir, opts.HeartbeatInterval, opts.FreshnessWindow, popts...)
	ids.SetPresence(pres)

	cursors := cursor.New(session)
	notifier := notify.New(store, cursors, self, ids, r)
	chats := chat.New(store, self, ids, dir)
	forums := forum.New(store, ids)
	profiles := profile.New(store, ids, dir, forums)

	a := &App{
		Self:      self,
		Store:     store,
		Identity:  ids,
		Directory: dir,
		Presence:  pres,
		Cursors:   cursors,
		Notifier:  notifier,
		Chat:      chats,
		Forums:    forums,
		Profiles:  profiles,
	}
	a.View = view.New(view.Deps{
		Store:        store,
		Self:         self,
		Names:        dir,
		Roster:       pres,
		Notifier:     notifier,
		Chat:         chats,
		Forums:       forums,
		Profiles:     profiles,
		Renderer:     r,
		HistoryLimit: opts.HistoryLimit,
	})
	return a, nil
}

// Start publishes this device, starts the live components and the heartbeat, and opens the forum list.
func (a *App) Start(ctx context.Context) error {
	if err := a.Identity.Publish(ctx); err != nil {
		logger.Errorf("app: publish identity: %v", err)
	}
	if err := a.Directory.Start(ctx); err != nil {
		return fmt.Errorf("app.Start: %w", err)
	}
	if err := a.Presence.Start(ctx); err != nil {
		return fmt.Errorf("app.Start: %w", err)
	}
	if err := a.Notifier.StartGlobal(ctx); err != nil {
		return fmt.Errorf("app.Start: %w", err)
	}
	if err := a.Notifier.StartDirect(ctx); err != nil {
		return fmt.Errorf("app.Start: %w", err)
	}
	a.View.Start()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Presence.Run(runCtx)
	}()

	logger.Infof("app: started as %s (%s)", a.Identity.Current().DisplayName, a.Self)
	return a.View.Navigate(ctx, view.ForumListView())
}

// Rename renames this device and drops stale cached profiles.
func (a *App) Rename(ctx context.Context, name string) error {
	old := a.Identity.Current().DisplayName
	err := a.Identity.Rename(ctx, name)
	a.Profiles.Invalidate(old)
	a.Profiles.Invalidate(name)
	return err
}

func (a *App) UpdateProfile(ctx context.Context, bio, avatar string) error {
	err := a.Identity.UpdateProfile(ctx, bio, avatar)
	a.Profiles.Invalidate(a.Identity.Current().DisplayName)
	return err
}

// Close marks the device offline and tears down every subscription. The store stays open.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.View.Close()
	a.Notifier.Close()
	a.Presence.Close()
	a.Directory.Close()
}
