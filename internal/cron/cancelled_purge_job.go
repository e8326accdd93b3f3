package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

const (
	cancelledPurgeJobName     = "cancelled-order-purge"
	defaultCancelledRetention = 30
	defaultPurgeBatch         = 500
)

// CancelledPurgeJobParams configure the hard delete of old cancelled orders.
type CancelledPurgeJobParams struct {
	Logger        *logger.Logger
	Orders        cancelledOrderStore
	Metrics       itemRecorder
	RetentionDays int
	BatchSize     int
}

type cancelledOrderStore interface {
	FindCancelledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	DeleteCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

func NewCancelledPurgeJob(params CancelledPurgeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders store required")
	}
	retention := params.RetentionDays
	if retention <= 0 {
		retention = defaultCancelledRetention
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPurgeBatch
	}
	return &cancelledPurgeJob{
		logg:      params.Logger,
		orders:    params.Orders,
		metrics:   params.Metrics,
		retention: retention,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type cancelledPurgeJob struct {
	logg      *logger.Logger
	orders    cancelledOrderStore
	metrics   itemRecorder
	retention int
	batch     int
	now       func() time.Time
}

func (j *cancelledPurgeJob) Name() string { return cancelledPurgeJobName }

func (j *cancelledPurgeJob) Every() time.Duration { return dailyCadence }

// Run deletes one batch per cycle. Orders touched after the query keep their
// row because the delete re-checks the status.
func (j *cancelledPurgeJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	rows, err := j.orders.FindCancelledBefore(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query cancelled orders: %w", err)
	}

	var (
		deleted int
		errs    error
	)
	for _, order := range rows {
		ok, err := j.orders.DeleteCancelled(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete order %s: %w", order.ID, err))
			continue
		}
		if ok {
			deleted++
		}
	}
	addItems(j.metrics, j.Name(), outcomeProcessed, deleted)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"candidates":     len(rows),
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "cancelled order purge complete")
	return errs
}
