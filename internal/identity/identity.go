// Package identity owns this device's stable id and its mutable display name.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/deepforums/internal/localstore"
	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
)

var (
	ErrNameTaken   = errors.New("identity: name taken")
	ErrEmptyName   = errors.New("identity: name is empty")
	ErrInvalidName = errors.New("identity: name contains invalid characters")
	// ErrReservedName rejects the name every unnamed device shares.
	ErrReservedName = errors.New("identity: name is reserved")
	// ErrNoName rejects profile edits before the device has picked a name of its own.
	ErrNoName = errors.New("identity: choose a name first")
)

const (
	keyStableID = "userId"
	keyProfile  = "profile"

	MaxNameLength = 32
)

// NameIndex resolves a display name to the stable id that currently holds it.
type NameIndex interface {
	Owner(name string) (string, bool)
}

// Heartbeater refreshes this device's presence record.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

type Store struct {
	kv    localstore.KV
	store realtime.Store
	names NameIndex

	// opMu serializes Rename and UpdateProfile; mu only guards local reads and writes and is
	// never held across a store call, since store callbacks may read the identity.
	opMu     sync.Mutex
	mu       sync.Mutex
	presence Heartbeater
}

func New(kv localstore.KV, store realtime.Store, names NameIndex) *Store {
	return &Store{kv: kv, store: store, names: names}
}

// SetPresence wires the heartbeat sent after a rename.
func (s *Store) SetPresence(p Heartbeater) {
	s.mu.Lock()
	s.presence = p
	s.mu.Unlock()
}

// GetOrCreateStableID returns the persisted stable id, creating and persisting one on first use.
// An error means local storage is unusable, which the caller treats as fatal.
func (s *Store) GetOrCreateStableID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stableIDLocked()
}

func (s *Store) stableIDLocked() (string, error) {
	if id, ok := s.kv.Get(keyStableID); ok && id != "" {
		return id, nil
	}
	id := "u_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.kv.Set(keyStableID, id); err != nil {
		return "", fmt.Errorf("identity.GetOrCreateStableID: %w", err)
	}
	return id, nil
}

// Current returns the persisted identity, or the default guest identity.
func (s *Store) Current() model.DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Store) currentLocked() model.DeviceIdentity {
	id := model.DeviceIdentity{DisplayName: model.DefaultDisplayName, Bio: model.DefaultBio}
	if raw, ok := s.kv.Get(keyProfile); ok {
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			logger.Errorf("identity: corrupt local profile, using defaults: %v", err)
			id = model.DeviceIdentity{DisplayName: model.DefaultDisplayName, Bio: model.DefaultBio}
		}
	}
	if id.DisplayName == "" {
		id.DisplayName = model.DefaultDisplayName
	}
	id.StableID, _ = s.kv.Get(keyStableID)
	return id
}

func (s *Store) save(id model.DeviceIdentity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(keyProfile, string(raw))
}

// ValidateName trims name and checks it can be used as a store path segment.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	if strings.EqualFold(name, model.DefaultDisplayName) {
		return "", ErrReservedName
	}
	if utf8.RuneCountInString(name) > MaxNameLength || !realtime.ValidSegment(name) {
		return "", ErrInvalidName
	}
	return name, nil
}

// Publish writes this device's directory entry and profile document. Called at startup.
func (s *Store) Publish(ctx context.Context) error {
	s.mu.Lock()
	id, err := s.stableIDLocked()
	cur := s.currentLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	cur.StableID = id
	if err := s.store.Set(ctx, model.IdentityPath(id), cur.DisplayName); err != nil {
		return fmt.Errorf("identity.Publish: %w", err)
	}
	if cur.DisplayName == model.DefaultDisplayName {
		return nil
	}
	if err := s.store.Set(ctx, model.ProfilePath(cur.DisplayName), profileOf(cur)); err != nil {
		return fmt.Errorf("identity.Publish: %w", err)
	}
	return nil
}

// Rename claims newName for this device. Concurrent claims are ordered by the store: every
// claimant appends to claims/{name} and only the first entry wins. The steps after a won claim
// are not atomic: a failure there is reported and logged, and the store may be left half migrated.
func (s *Store) Rename(ctx context.Context, newName string) error {
	name, err := ValidateName(newName)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	self, err := s.GetOrCreateStableID()
	if err != nil {
		return err
	}
	prev := s.Current()

	taken, err := s.takenByOther(ctx, name, self)
	if err != nil {
		return fmt.Errorf("identity.Rename: %w", err)
	}
	if taken {
		return ErrNameTaken
	}
	if prev.DisplayName == name {
		return nil
	}

	claimKey, err := s.store.Push(ctx, model.ClaimPath(name), map[string]any{"userId": self, "at": realtime.ServerTimestamp})
	if err != nil {
		return fmt.Errorf("identity.Rename: claim %q: %w", name, err)
	}
	first, ok, err := s.firstClaim(ctx, name)
	if err != nil || !ok || first.UserID != self {
		s.dropClaim(ctx, name, claimKey)
		if err != nil {
			return fmt.Errorf("identity.Rename: read claims on %q: %w", name, err)
		}
		logger.Infof("identity: lost concurrent claim on %q", name)
		return ErrNameTaken
	}

	next := prev
	next.StableID = self
	next.DisplayName = name
	if err := s.save(next); err != nil {
		s.dropClaim(ctx, name, claimKey)
		return fmt.Errorf("identity.Rename: save local profile: %w", err)
	}

	if err := s.store.Set(ctx, model.ProfilePath(name), profileOf(next)); err != nil {
		// only the claim reached the store; undo it and the local profile so a retry starts clean
		if rerr := s.save(prev); rerr != nil {
			logger.Errorf("identity: restore local profile after failed rename: %v", rerr)
		}
		s.dropClaim(ctx, name, claimKey)
		return fmt.Errorf("identity.Rename: publish profile %q: %w", name, err)
	}
	if err := s.store.Set(ctx, model.IdentityPath(self), name); err != nil {
		logger.Warnf("InconsistentStateWarning: rename %q -> %q claimed profile but directory entry not updated: %v", prev.DisplayName, name, err)
		return fmt.Errorf("identity.Rename: publish directory entry: %w", err)
	}
	if prev.DisplayName != model.DefaultDisplayName {
		if err := s.release(ctx, prev.DisplayName, self); err != nil {
			logger.Warnf("InconsistentStateWarning: rename %q -> %q left old name held: %v", prev.DisplayName, name, err)
			return fmt.Errorf("identity.Rename: retract %q: %w", prev.DisplayName, err)
		}
	}
	s.mu.Lock()
	presence := s.presence
	s.mu.Unlock()
	if presence != nil {
		if err := presence.Heartbeat(ctx); err != nil {
			logger.Errorf("identity: heartbeat after rename: %v", err)
		}
	}
	logger.Infof("identity: renamed %q -> %q", prev.DisplayName, name)
	return nil
}

// takenByOther reports whether name belongs to another stable id: by its profile document,
// by a directory entry, or by an earlier claim.
func (s *Store) takenByOther(ctx context.Context, name, self string) (bool, error) {
	snap, err := s.store.Get(ctx, model.ProfilePath(name))
	if err != nil {
		return false, err
	}
	var p model.Profile
	if err := snap.Decode(&p); err != nil {
		return false, fmt.Errorf("decode profile: %w", err)
	}
	if p.UserID != "" && p.UserID != self {
		return true, nil
	}
	if s.names != nil {
		if owner, ok := s.names.Owner(name); ok && owner != self {
			return true, nil
		}
	}
	first, ok, err := s.firstClaim(ctx, name)
	if err != nil {
		return false, err
	}
	return ok && first.UserID != self, nil
}

// firstClaim returns the oldest readable claim on name.
func (s *Store) firstClaim(ctx context.Context, name string) (model.NameClaim, bool, error) {
	claims, err := s.store.Children(ctx, model.ClaimPath(name), realtime.Query{})
	if err != nil {
		return model.NameClaim{}, false, err
	}
	for _, snap := range claims {
		var c model.NameClaim
		if err := snap.Decode(&c); err != nil || c.UserID == "" {
			continue
		}
		return c, true, nil
	}
	return model.NameClaim{}, false, nil
}

func (s *Store) dropClaim(ctx context.Context, name, key string) {
	if err := s.store.Remove(ctx, model.ClaimPath(name)+"/"+key); err != nil {
		logger.Warnf("InconsistentStateWarning: claim %s on %q not withdrawn: %v", key, name, err)
	}
}

// release withdraws self's claims on name and its profile document. Devices that never renamed
// share the default name and must not retract each other's documents.
func (s *Store) release(ctx context.Context, name, self string) error {
	if s.ownsProfile(ctx, name, self) {
		if err := s.store.Remove(ctx, model.ProfilePath(name)); err != nil {
			return err
		}
	}
	claims, err := s.store.Children(ctx, model.ClaimPath(name), realtime.Query{})
	if err != nil {
		return err
	}
	for _, snap := range claims {
		var c model.NameClaim
		if err := snap.Decode(&c); err != nil || c.UserID != self {
			continue
		}
		if err := s.store.Remove(ctx, model.ClaimPath(name)+"/"+snap.Key); err != nil {
			return err
		}
	}
	return nil
}

// ownsProfile reports whether profiles/{name} belongs to self.
func (s *Store) ownsProfile(ctx context.Context, name, self string) bool {
	snap, err := s.store.Get(ctx, model.ProfilePath(name))
	if err != nil {
		return false
	}
	var p model.Profile
	if err := snap.Decode(&p); err != nil {
		return false
	}
	return p.UserID == self
}

// UpdateProfile changes bio and avatar locally and on the public profile document.
func (s *Store) UpdateProfile(ctx context.Context, bio, avatar string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	self, err := s.GetOrCreateStableID()
	if err != nil {
		return err
	}
	prev := s.Current()
	next := prev
	next.StableID = self
	next.Bio = strings.TrimSpace(bio)
	if next.Bio == "" {
		next.Bio = model.DefaultBio
	}
	next.Avatar = strings.TrimSpace(avatar)
	if next.DisplayName == model.DefaultDisplayName {
		return fmt.Errorf("identity.UpdateProfile: %w", ErrNoName)
	}
	if err := s.store.Set(ctx, model.ProfilePath(next.DisplayName), profileOf(next)); err != nil {
		return fmt.Errorf("identity.UpdateProfile: %w", err)
	}
	if err := s.save(next); err != nil {
		return fmt.Errorf("identity.UpdateProfile: save local profile: %w", err)
	}
	return nil
}

func profileOf(id model.DeviceIdentity) model.Profile {
	return model.Profile{Username: id.DisplayName, Bio: id.Bio, Avatar: id.Avatar, UserID: id.StableID}
}
