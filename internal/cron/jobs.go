package cron

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// dailyCadence spaces out housekeeping that need not run every cycle.
const dailyCadence = 24 * time.Hour

const (
	outcomeProcessed = "processed"
	outcomeSkipped   = "skipped"
	outcomeDeferred  = "deferred"
	outcomeFailed    = "failed"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// itemRecorder counts per-item outcomes of a job run.
type itemRecorder interface {
	AddItems(job, outcome string, n int)
}

func addItems(rec itemRecorder, job, outcome string, n int) {
	if rec == nil || n <= 0 {
		return
	}
	rec.AddItems(job, outcome, n)
}
