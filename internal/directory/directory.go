// Package directory mirrors identities/{stableId} -> displayName from the store. It is the only
// place the client asks "what is X called right now".
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

type Directory struct {
	store realtime.Store

	mu      sync.RWMutex
	names   map[string]string
	synced  bool
	subs    map[int]func(map[string]string)
	nextSub int
	unsub   realtime.Unsubscribe
}

func New(store realtime.Store) *Directory {
	return &Directory{
		store: store,
		names: make(map[string]string),
		subs:  make(map[int]func(map[string]string)),
	}
}

// Start subscribes to the identities path. Entries are merged: a stable id that disappears from
// the store keeps its last known name.
func (d *Directory) Start(ctx context.Context) error {
	unsub, err := d.store.OnValue(ctx, model.IdentitiesPath, d.apply)
	if err != nil {
		return fmt.Errorf("directory.Start: %w", err)
	}
	d.mu.Lock()
	d.unsub = unsub
	d.mu.Unlock()
	return nil
}

func (d *Directory) Close() {
	d.mu.Lock()
	unsub := d.unsub
	d.unsub = nil
	d.subs = make(map[int]func(map[string]string))
	d.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (d *Directory) apply(snap realtime.Snapshot) {
	var raw map[string]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		logger.Errorf("directory: decode identities: %v", err)
		return
	}
	d.mu.Lock()
	for id, v := range raw {
		var name string
		if err := json.Unmarshal(v, &name); err != nil || name == "" {
			continue
		}
		d.names[id] = name
	}
	d.synced = true
	mapping := d.copyLocked()
	fns := d.listenersLocked()
	d.mu.Unlock()

	for _, fn := range fns {
		fn(mapping)
	}
}

// Subscribe calls fn with the full mapping on every change, and right away when the directory has
// already synced. fn must not call Subscribe or the returned cancel func.
func (d *Directory) Subscribe(fn func(map[string]string)) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = fn
	synced := d.synced
	mapping := d.copyLocked()
	d.mu.Unlock()

	if synced {
		fn(mapping)
	}
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Lookup returns the current name of stableID. ok is false before the first sync and for unknown ids.
func (d *Directory) Lookup(stableID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[stableID]
	return name, ok
}

// Owner returns the stable id currently mapped to name. When several ids claim it (a
// transient state during concurrent renames) the smallest id is returned.
func (d *Directory) Owner(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var owners []string
	for id, n := range d.names {
		if n == name {
			owners = append(owners, id)
		}
	}
	if len(owners) == 0 {
		return "", false
	}
	sort.Strings(owners)
	return owners[0], true
}

// AuthorName is the name to render for m: the live directory entry of its author, or the
// name stored at send time.
func (d *Directory) AuthorName(m model.Message) string {
	if m.UserID != "" {
		if name, ok := d.Lookup(m.UserID); ok {
			return name
		}
	}
	return m.Author
}

// Synced reports whether the first snapshot has arrived.
func (d *Directory) Synced() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.synced
}

func (d *Directory) copyLocked() map[string]string {
	out := make(map[string]string, len(d.names))
	for k, v := range d.names {
		out[k] = v
	}
	return out
}

func (d *Directory) listenersLocked() []func(map[string]string) {
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(map[string]string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.subs[id])
	}
	return fns
}
