package tasks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRetentionTask_RunOnce(t *testing.T) {
	req := require.New(t)
	repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "retention.db"), zerolog.Nop())
	req.NoError(err)
	defer repo.Close()

	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	req.NoError(repo.Save(ctx, &models.Message{ServerID: "old", RoomID: "r1", SenderID: "7", Text: "old", Timestamp: now.Add(-72 * time.Hour)}))
	req.NoError(repo.Save(ctx, &models.Message{ServerID: "fresh", RoomID: "r1", SenderID: "7", Text: "fresh", Timestamp: now.Add(-time.Hour)}))

	task := NewRetentionTask(repo, 48*time.Hour, "@daily", zerolog.Nop())
	task.now = func() time.Time { return now }

	pruned, err := task.RunOnce(ctx)
	req.NoError(err)
	req.EqualValues(1, pruned)

	left, err := repo.Fetch(ctx, "r1", 0, time.Time{})
	req.NoError(err)
	req.Len(left, 1)
	req.Equal("fresh", left[0].ServerID)
}

func TestRetentionTask_BadSchedule(t *testing.T) {
	task := NewRetentionTask(nil, time.Hour, "every tuesday", zerolog.Nop())
	require.Error(t, task.Start())
	task.Stop()
}

func TestRetentionTask_StartStop(t *testing.T) {
	task := NewRetentionTask(nil, time.Hour, "@daily", zerolog.Nop())
	require.NoError(t, task.Start())
	task.Stop()
}
