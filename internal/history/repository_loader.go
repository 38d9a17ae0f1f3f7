package history

import (
	"context"
	"fmt"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/repository"
)

// RepositoryLoader reads history in-process, skipping the HTTP hop.
type RepositoryLoader struct {
	repo  repository.MessageRepo
	limit int
}

func NewRepositoryLoader(repo repository.MessageRepo, limit int) *RepositoryLoader {
	return &RepositoryLoader{repo: repo, limit: limit}
}

func (l *RepositoryLoader) Load(ctx context.Context, roomID string) ([]models.Message, error) {
	messages, err := l.repo.Fetch(ctx, roomID, l.limit, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryFetch, err)
	}
	return messages, nil
}
