package model

import "time"

const (
	DefaultDisplayName = "guest"
	DefaultBio         = "No bio yet"
)

// DeviceIdentity is the locally persisted identity of this device.
type DeviceIdentity struct {
	StableID    string `json:"-"`
	DisplayName string `json:"username"`
	Bio         string `json:"bio"`
	Avatar      string `json:"avatar,omitempty"`
}

// Profile is the public document at profiles/{displayName}. UserID is the owning stable id.
type Profile struct {
	Username string `json:"username"`
	Bio      string `json:"bio,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// NameClaim is one device's entry under claims/{displayName}.
type NameClaim struct {
	UserID string `json:"userId"`
	At     int64  `json:"at,omitempty"`
}

// PresenceRecord is written by its owner on every heartbeat. Last is server time in ms.
type PresenceRecord struct {
	Online bool  `json:"online"`
	Last   int64 `json:"last"`
}

// Fresh reports whether the record counts as online at now.
func (p PresenceRecord) Fresh(now time.Time, window time.Duration) bool {
	if !p.Online {
		return false
	}
	return now.Sub(time.UnixMilli(p.Last)) < window
}
