package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

type fakeCancelledStore struct {
	rows       []models.Order
	gone       map[uuid.UUID]bool
	failing    map[uuid.UUID]bool
	lastCutoff time.Time
	deleted    []uuid.UUID
}

func (f *fakeCancelledStore) FindCancelledBefore(_ context.Context, cutoff time.Time, _ int) ([]models.Order, error) {
	f.lastCutoff = cutoff
	return f.rows, nil
}

func (f *fakeCancelledStore) DeleteCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	if f.failing[id] {
		return false, errors.New("boom")
	}
	if f.gone[id] {
		return false, nil
	}
	f.deleted = append(f.deleted, id)
	return true, nil
}

func TestCancelledPurgeJobDeletesOldOrders(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	keep, drop, bad := uuid.New(), uuid.New(), uuid.New()
	store := &fakeCancelledStore{
		rows:    []models.Order{{ID: drop}, {ID: keep}, {ID: bad}},
		gone:    map[uuid.UUID]bool{keep: true},
		failing: map[uuid.UUID]bool{bad: true},
	}
	metrics := newCountingRecorder()
	jobIface, err := NewCancelledPurgeJob(CancelledPurgeJobParams{
		Logger:        logger.Nop(),
		Orders:        store,
		Metrics:       metrics,
		RetentionDays: 10,
	})
	if err != nil {
		t.Fatalf("NewCancelledPurgeJob: %v", err)
	}
	job := jobIface.(*cancelledPurgeJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error for failing delete")
	}
	if want := now.Add(-10 * 24 * time.Hour); !store.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, store.lastCutoff)
	}
	if len(store.deleted) != 1 || store.deleted[0] != drop {
		t.Fatalf("expected only %s deleted, got %v", drop, store.deleted)
	}
	if metrics.counts[outcomeProcessed] != 1 {
		t.Fatalf("expected 1 deletion recorded, got %d", metrics.counts[outcomeProcessed])
	}
}
