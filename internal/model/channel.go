package model

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// GlobalKey is the channel key of the single global chat.
	GlobalKey = "global"
	// PairSeparator joins the two participant ids of a direct-message key.
	PairSeparator = "__"
)

// Store paths.
const (
	IdentitiesPath = "identities"
	PresencePath   = "presence"
	ChannelsPath   = "channels"
	GlobalPath     = ChannelsPath + "/" + GlobalKey
	DirectPath     = ChannelsPath + "/dm"
	ProfilesPath   = "profiles"
	ThreadsPath    = "threads"
	PushPath       = "push"
	ClaimsPath     = "claims"
)

type ChannelClass string

const (
	ClassGlobal ChannelClass = "global"
	ClassDirect ChannelClass = "direct"
)

// PairKey is the canonical direct-message key: both ids sorted and joined, so either
// participant derives the same key.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + PairSeparator + ids[1]
}

// Participants splits a direct-message key. ok is false for the global key or malformed keys.
func Participants(key string) (a, b string, ok bool) {
	parts := strings.Split(key, PairSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// OtherParticipant returns the id in key that is not self.
func OtherParticipant(key, self string) (string, bool) {
	a, b, ok := Participants(key)
	switch {
	case !ok:
		return "", false
	case a == self:
		return b, true
	case b == self:
		return a, true
	}
	return "", false
}

// Involves reports whether the direct-message key has self as a participant.
func Involves(key, self string) bool {
	_, ok := OtherParticipant(key, self)
	return ok
}

// ClassOf returns the counter class a channel key belongs to.
func ClassOf(key string) ChannelClass {
	if key == GlobalKey {
		return ClassGlobal
	}
	return ClassDirect
}

// ChannelPath maps a channel key to the store path of its message list.
func ChannelPath(key string) (string, error) {
	if key == GlobalKey {
		return GlobalPath, nil
	}
	if _, _, ok := Participants(key); !ok {
		return "", fmt.Errorf("model: bad channel key %q", key)
	}
	return DirectPath + "/" + key, nil
}

func IdentityPath(stableID string) string { return IdentitiesPath + "/" + stableID }
func PresenceOf(stableID string) string   { return PresencePath + "/" + stableID }
func ProfilePath(name string) string      { return ProfilesPath + "/" + name }

// ClaimPath holds the ordered claims on a display name; the first one owns it.
func ClaimPath(name string) string { return ClaimsPath + "/" + name }
func ForumThreadsPath(forumID string) string {
	return ThreadsPath + "/" + forumID
}
func ThreadPath(forumID, threadID string) string {
	return ThreadsPath + "/" + forumID + "/" + threadID
}
func CommentsPath(forumID, threadID string) string {
	return ThreadPath(forumID, threadID) + "/comments"
}
func PushSubscriptionsPath(stableID string) string { return PushPath + "/" + stableID }
