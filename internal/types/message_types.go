package types

import (
	"time"

	"chat-sync/internal/models"

	"github.com/samber/lo"
)

type EnvelopeType string

const (
	TypeChat   EnvelopeType = "chat"
	TypeSystem EnvelopeType = "system"
)

// Envelope is the socket and history wire shape: {sender, text, timestamp}
// plus the optional server id and room.
type Envelope struct {
	ID        string       `json:"id,omitempty"`
	Room      string       `json:"room,omitempty"`
	Sender    string       `json:"sender"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	Type      EnvelopeType `json:"type,omitempty"`
}

// RelayEnvelope travels between server instances.
type RelayEnvelope struct {
	Envelope
	SenderServerID string `json:"sender_server_id"`
}

func (e Envelope) IsSystem() bool {
	return e.Type == TypeSystem
}

// ToMessage maps the envelope into the room it was received on. A room carried
// by the envelope itself takes precedence so mismatches are caught by validation.
func (e Envelope) ToMessage(roomID string) models.Message {
	room := roomID
	if e.Room != "" {
		room = e.Room
	}
	return models.Message{
		ServerID:  e.ID,
		RoomID:    room,
		SenderID:  e.Sender,
		Text:      e.Text,
		Timestamp: e.Timestamp,
	}
}

func FromMessage(m models.Message) Envelope {
	return Envelope{
		ID:        m.ServerID,
		Room:      m.RoomID,
		Sender:    m.SenderID,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		Type:      TypeChat,
	}
}

func FromMessages(messages []models.Message) []Envelope {
	return lo.Map(messages, func(m models.Message, _ int) Envelope {
		return FromMessage(m)
	})
}

func ToMessages(envelopes []Envelope, roomID string) []models.Message {
	return lo.FilterMap(envelopes, func(e Envelope, _ int) (models.Message, bool) {
		return e.ToMessage(roomID), !e.IsSystem()
	})
}
