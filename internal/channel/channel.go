//go:generate go run go.uber.org/mock/mockgen -source=channel.go -destination=../mocks/mock_channel.go -package=mocks

// Package channel abstracts the duplex transport that carries live chat
// messages between the two parties of a room.
package channel

import (
	"context"
	"errors"

	"chat-sync/internal/models"
)

var (
	ErrChannelNotReady  = errors.New("live channel not connected")
	ErrAlreadyConnected = errors.New("live channel bound to another room")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives inbound traffic. Implementations must return quickly and
// must not call back into the Channel.
type Handler interface {
	OnMessage(msg models.Message)
	// OnNotice delivers a system frame from the relay, such as a rate limit
	// warning for a message it dropped.
	OnNotice(text string)
	// OnStateChange reports transitions the caller did not initiate, such as
	// an established transport dropping with err.
	OnStateChange(state State, err error)
}

type Channel interface {
	// Connect is a no-op when already connecting or connected to roomID.
	Connect(ctx context.Context, roomID, userID string, handler Handler) error
	// Send fails with ErrChannelNotReady unless the channel is connected.
	Send(ctx context.Context, msg models.Message) error
	// Disconnect is idempotent. No Handler callback fires after it returns.
	Disconnect() error
	State() State
}
