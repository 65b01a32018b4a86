package model

import "strings"

// Message is one entry of a channel. Key is the store's sequence key, not stored in the value.
type Message struct {
	Key       string `json:"-"`
	UserID    string `json:"userId,omitempty"`
	Author    string `json:"author"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// MediaKind is "image", "video" or "" for the message's media type.
func (m Message) MediaKind() string {
	kind, _, _ := strings.Cut(m.MediaType, "/")
	switch kind {
	case "image", "video":
		return kind
	}
	return ""
}

// Preview is the short text shown in conversation lists.
func (m Message) Preview(n int) string {
	if m.Text == "" {
		if m.MediaURL != "" {
			return "[media]"
		}
		return ""
	}
	r := []rune(m.Text)
	if len(r) > n {
		return string(r[:n])
	}
	return m.Text
}

// AuthoredBy reports whether the message belongs to the identity (stableID, name). Records
// without an author id fall back to the stored name.
func (m Message) AuthoredBy(stableID, name string) bool {
	if m.UserID != "" {
		return m.UserID == stableID
	}
	return name != "" && m.Author == name
}
