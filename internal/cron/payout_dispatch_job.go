package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/peermarket-backend/internal/ledger"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

const (
	payoutDispatchJobName = "payout-dispatch"
	defaultPayoutBatch    = 100
)

// PayoutDispatchJobParams configure the payout dispatcher.
type PayoutDispatchJobParams struct {
	Logger     *logger.Logger
	Dispatcher payoutDispatcher
	Metrics    itemRecorder
	BatchSize  int
}

type payoutDispatcher interface {
	ExecutePending(ctx context.Context, limit int) (ledger.DispatchSummary, error)
}

func NewPayoutDispatchJob(params PayoutDispatchJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Dispatcher == nil {
		return nil, fmt.Errorf("payout dispatcher required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPayoutBatch
	}
	return &payoutDispatchJob{
		logg:       params.Logger,
		dispatcher: params.Dispatcher,
		metrics:    params.Metrics,
		batch:      batch,
	}, nil
}

type payoutDispatchJob struct {
	logg       *logger.Logger
	dispatcher payoutDispatcher
	metrics    itemRecorder
	batch      int
}

func (j *payoutDispatchJob) Name() string { return payoutDispatchJobName }

func (j *payoutDispatchJob) Run(ctx context.Context) error {
	summary, err := j.dispatcher.ExecutePending(ctx, j.batch)
	addItems(j.metrics, j.Name(), outcomeProcessed, summary.Executed)
	addItems(j.metrics, j.Name(), outcomeSkipped, summary.Skipped)
	addItems(j.metrics, j.Name(), outcomeDeferred, summary.Deferred)
	addItems(j.metrics, j.Name(), outcomeFailed, summary.Failed)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"examined": summary.Examined,
		"executed": summary.Executed,
		"skipped":  summary.Skipped,
		"deferred": summary.Deferred,
		"failed":   summary.Failed,
	})
	j.logg.Info(logCtx, "payout dispatch complete")
	if err != nil {
		return fmt.Errorf("payout dispatch: %w", err)
	}
	return nil
}
