//go:generate go run go.uber.org/mock/mockgen -source=loader.go -destination=../mocks/mock_loader.go -package=mocks

// Package history fetches the messages a room accumulated before the live
// channel was opened.
package history

import (
	"context"
	"errors"

	"chat-sync/internal/models"
)

var ErrHistoryFetch = errors.New("history fetch failed")

// Loader returns prior messages of a room in arbitrary order.
type Loader interface {
	Load(ctx context.Context, roomID string) ([]models.Message, error)
}
