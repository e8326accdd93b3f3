package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
)

const (
	outboxRetentionJobName = "outbox-retention"
	outboxRetentionDays    = 14
	outboxMinAttempts      = 10
	// dead letters stay this many retention windows for replay investigation
	deadLetterRetentionFactor = 2
)

// OutboxRetentionJobParams configure the outbox cleanup. MinAttempts is the
// relay's terminal threshold; terminal rows below it are kept.
type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxPurger
	Metrics     itemRecorder
	Retention   int
	MinAttempts int
}

type outboxPurger interface {
	PurgeBefore(ctx context.Context, tx *gorm.DB, publishedCutoff, deadLetterCutoff time.Time, minAttemptCount int) (outbox.PurgeCounts, error)
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Repository == nil:
		return nil, fmt.Errorf("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:        params.Logger,
		db:          params.DB,
		repo:        params.Repository,
		metrics:     params.Metrics,
		retention:   time.Duration(params.Retention) * 24 * time.Hour,
		minAttempts: params.MinAttempts,
		now:         time.Now,
	}
	if job.retention <= 0 {
		job.retention = outboxRetentionDays * 24 * time.Hour
	}
	if job.minAttempts <= 0 {
		job.minAttempts = outboxMinAttempts
	}
	return job, nil
}

// outboxRetentionJob trims relayed order events once downstream consumers
// have had the retention window to catch up.
type outboxRetentionJob struct {
	logg        *logger.Logger
	db          txRunner
	repo        outboxPurger
	metrics     itemRecorder
	retention   time.Duration
	minAttempts int
	now         func() time.Time
}

func (j *outboxRetentionJob) Name() string { return outboxRetentionJobName }

func (j *outboxRetentionJob) Every() time.Duration { return dailyCadence }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	publishedCutoff := now.Add(-j.retention)
	deadLetterCutoff := now.Add(-j.retention * deadLetterRetentionFactor)

	var counts outbox.PurgeCounts
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		counts, err = j.repo.PurgeBefore(ctx, tx, publishedCutoff, deadLetterCutoff, j.minAttempts)
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}

	addItems(j.metrics, j.Name(), outcomeProcessed, int(counts.Published))
	addItems(j.metrics, j.Name(), outcomeFailed, int(counts.DeadLettered))
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"published_cutoff":   publishedCutoff,
		"dead_letter_cutoff": deadLetterCutoff,
		"published_deleted":  counts.Published,
		"dead_letters":       counts.DeadLettered,
	}), "outbox retention cleanup complete")
	return nil
}
