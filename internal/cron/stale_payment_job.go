package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/peermarket-backend/internal/orders"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

const (
	stalePaymentJobName      = "stale-payment-reaper"
	defaultStaleThreshold    = 180 * time.Minute
	defaultStalePaymentBatch = 100
)

// StalePaymentJobParams configure the failed-payment reaper.
type StalePaymentJobParams struct {
	Logger    *logger.Logger
	Orders    stalePaymentReader
	Reaper    stalePaymentReaper
	Metrics   itemRecorder
	Threshold time.Duration
	BatchSize int
}

type stalePaymentReader interface {
	FindStalePayments(ctx context.Context, cutoff time.Time, after *orders.StaleCursor, limit int) ([]models.Order, error)
}

type stalePaymentReaper interface {
	ReapStalePayment(ctx context.Context, orderID uuid.UUID, threshold time.Duration) (*orders.Outcome, error)
}

// StalePaymentSummary reports one reaper pass.
type StalePaymentSummary struct {
	Examined  int
	Cancelled int
	Skipped   int
	Pages     int
	Cutoff    time.Time
}

// NewStalePaymentJob builds the job that cancels approved orders whose
// payment failed and was never retried within the threshold.
func NewStalePaymentJob(params StalePaymentJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("stale payment reader required")
	}
	if params.Reaper == nil {
		return nil, fmt.Errorf("stale payment reaper required")
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultStalePaymentBatch
	}
	return &stalePaymentJob{
		logg:      params.Logger,
		orders:    params.Orders,
		reaper:    params.Reaper,
		metrics:   params.Metrics,
		threshold: threshold,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type stalePaymentJob struct {
	logg      *logger.Logger
	orders    stalePaymentReader
	reaper    stalePaymentReaper
	metrics   itemRecorder
	threshold time.Duration
	batch     int
	now       func() time.Time
}

func (j *stalePaymentJob) Name() string { return stalePaymentJobName }

func (j *stalePaymentJob) Run(ctx context.Context) error {
	summary, err := j.sweep(ctx)
	addItems(j.metrics, j.Name(), outcomeProcessed, summary.Cancelled)
	addItems(j.metrics, j.Name(), outcomeSkipped, summary.Skipped)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":    summary.Cutoff,
		"examined":  summary.Examined,
		"cancelled": summary.Cancelled,
		"skipped":   summary.Skipped,
		"pages":     summary.Pages,
	})
	j.logg.Info(logCtx, "stale payment sweep complete")
	return err
}

// sweep pages through every stale order once. The cursor moves past orders
// whose reap failed so they cannot pin the head of the scan.
func (j *stalePaymentJob) sweep(ctx context.Context) (StalePaymentSummary, error) {
	summary := StalePaymentSummary{Cutoff: j.now().UTC().Add(-j.threshold)}

	var (
		errs  error
		after *orders.StaleCursor
	)
	for {
		candidates, err := j.orders.FindStalePayments(ctx, summary.Cutoff, after, j.batch)
		if err != nil {
			return summary, multierr.Append(errs, fmt.Errorf("query stale payments: %w", err))
		}
		summary.Pages++

		for _, order := range candidates {
			if ctx.Err() != nil {
				return summary, multierr.Append(errs, ctx.Err())
			}
			summary.Examined++
			errs = multierr.Append(errs, j.reap(ctx, order, &summary))
		}
		if len(candidates) < j.batch {
			return summary, errs
		}
		after = orders.CursorAfter(candidates[len(candidates)-1])
	}
}

func (j *stalePaymentJob) reap(ctx context.Context, order models.Order, summary *StalePaymentSummary) error {
	out, err := j.reaper.ReapStalePayment(ctx, order.ID, j.threshold)
	switch {
	case err == nil && !out.Replayed:
		summary.Cancelled++
	case err == nil:
		summary.Skipped++
	case lostToConcurrentWrite(err):
		// Paid, retried or cancelled since the query ran.
		summary.Skipped++
	default:
		return fmt.Errorf("reap order %s: %w", order.ID, err)
	}
	return nil
}

func lostToConcurrentWrite(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition) ||
		pkgerrors.IsCode(err, pkgerrors.CodePreconditionFailed)
}
