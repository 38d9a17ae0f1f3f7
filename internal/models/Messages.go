package models

import (
	"strings"
	"time"
)

// keySeparator keeps the fallback key fields from aliasing ("ab"+"c" vs "a"+"bc").
const keySeparator = "\x1f"

// Message is one chat line in a two-party room.
type Message struct {
	ServerID  string    `json:"id,omitempty"`
	RoomID    string    `json:"room_id" validate:"required"`
	SenderID  string    `json:"sender_id" validate:"required"`
	Text      string    `json:"text" validate:"required,notblank"`
	Timestamp time.Time `json:"timestamp"`
}

// IdentityKey returns the deduplication key of the message.
// A server assigned id wins; otherwise the key falls back to sender, text and
// timestamp, which collapses identical texts sent by one sender in the same tick.
func (m Message) IdentityKey() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.FallbackKey()
}

// FallbackKey is the content derived key, computed even when ServerID is set.
func (m Message) FallbackKey() string {
	var b strings.Builder
	b.Grow(len(m.SenderID) + len(m.Text) + 40)
	b.WriteString(m.SenderID)
	b.WriteString(keySeparator)
	b.WriteString(m.Text)
	b.WriteString(keySeparator)
	b.WriteString(m.Timestamp.UTC().Format(time.RFC3339Nano))
	return b.String()
}

// Before reports whether m sorts strictly before other by origination time.
func (m Message) Before(other Message) bool {
	return m.Timestamp.Before(other.Timestamp)
}
