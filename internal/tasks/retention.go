package tasks

import (
	"context"
	"fmt"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RetentionTask prunes history rows older than the retention window on a cron
// schedule.
type RetentionTask struct {
	repo      repository.MessageRepo
	retention time.Duration
	schedule  string
	now       func() time.Time
	log       zerolog.Logger
	cron      *cron.Cron
}

func NewRetentionTask(repo repository.MessageRepo, retention time.Duration, schedule string, log zerolog.Logger) *RetentionTask {
	return &RetentionTask{
		repo:      repo,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
		log:       log.With().Str("component", "retention").Logger(),
	}
}

func (t *RetentionTask) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(t.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		_, _ = t.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule retention %q: %w", t.schedule, err)
	}

	t.cron = c
	c.Start()
	t.log.Info().Str("schedule", t.schedule).Dur("retention", t.retention).Msg("retention scheduled")
	return nil
}

// Stop waits for a running prune to finish.
func (t *RetentionTask) Stop() {
	if t.cron == nil {
		return
	}
	<-t.cron.Stop().Done()
}

func (t *RetentionTask) RunOnce(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-t.retention)
	pruned, err := t.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.log.Error().Err(err).Msg("history prune failed")
		return 0, err
	}
	metrics.HistoryRowsPruned.Add(float64(pruned))
	t.log.Info().Int64("rows", pruned).Time("cutoff", cutoff).Msg("history pruned")
	return pruned, nil
}
