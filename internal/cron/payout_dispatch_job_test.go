package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/angelmondragon/peermarket-backend/internal/ledger"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

type fakeDispatcher struct {
	summary   ledger.DispatchSummary
	err       error
	lastLimit int
}

func (f *fakeDispatcher) ExecutePending(_ context.Context, limit int) (ledger.DispatchSummary, error) {
	f.lastLimit = limit
	return f.summary, f.err
}

func TestPayoutDispatchJobRecordsOutcomes(t *testing.T) {
	dispatcher := &fakeDispatcher{summary: ledger.DispatchSummary{Examined: 6, Executed: 3, Skipped: 1, Deferred: 1, Failed: 1}}
	metrics := newCountingRecorder()
	job, err := NewPayoutDispatchJob(PayoutDispatchJobParams{
		Logger:     logger.Nop(),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		BatchSize:  50,
	})
	if err != nil {
		t.Fatalf("NewPayoutDispatchJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dispatcher.lastLimit != 50 {
		t.Fatalf("expected limit 50, got %d", dispatcher.lastLimit)
	}
	want := map[string]int{outcomeProcessed: 3, outcomeSkipped: 1, outcomeDeferred: 1, outcomeFailed: 1}
	for outcome, n := range want {
		if metrics.counts[outcome] != n {
			t.Fatalf("expected %d %s, got %d", n, outcome, metrics.counts[outcome])
		}
	}
}

func TestPayoutDispatchJobPropagatesError(t *testing.T) {
	job, err := NewPayoutDispatchJob(PayoutDispatchJobParams{
		Logger:     logger.Nop(),
		Dispatcher: &fakeDispatcher{err: errors.New("boom")},
	})
	if err != nil {
		t.Fatalf("NewPayoutDispatchJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
