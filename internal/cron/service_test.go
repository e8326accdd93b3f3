package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

type fakeLock struct {
	held     bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

type dailyTestJob struct {
	testJob
}

func (d *dailyTestJob) Every() time.Duration { return 24 * time.Hour }

func newTestService(t *testing.T, lock Lock, now func() time.Time, jobs ...Job) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	reaper := &testJob{name: stalePaymentJobName, err: errors.New("boom")}
	payouts := &testJob{name: payoutDispatchJobName}
	lock := &fakeLock{}
	service := newTestService(t, lock, nil, reaper, payouts)

	err := service.runCycle(context.Background())
	if err == nil {
		t.Fatalf("expected combined error from failing job")
	}
	if n := len(multierr.Errors(err)); n != 1 {
		t.Fatalf("expected one job error, got %d", n)
	}
	if reaper.runs != 1 || payouts.runs != 1 {
		t.Fatalf("expected both jobs to run once, got reaper=%d payouts=%d", reaper.runs, payouts.runs)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released once, got %d", lock.releases)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: payoutDispatchJobName}
	service := newTestService(t, &fakeLock{held: true}, nil, job)

	if err := service.runCycle(context.Background()); !errors.Is(err, errCycleSkipped) {
		t.Fatalf("expected skipped cycle, got %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lock")
	}
}

func TestRunCycleRunsDailyJobsOncePerDay(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	hourly := &testJob{name: stalePaymentJobName}
	daily := &dailyTestJob{testJob{name: outboxRetentionJobName}}
	service := newTestService(t, &fakeLock{}, clock, hourly, daily)

	for i := 0; i < 3; i++ {
		if err := service.runCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		now = now.Add(time.Hour)
	}
	if hourly.runs != 3 {
		t.Fatalf("expected hourly job to run every cycle, ran %d", hourly.runs)
	}
	if daily.runs != 1 {
		t.Fatalf("expected daily job to run once, ran %d", daily.runs)
	}
}

func TestRunCycleRetriesFailedDailyJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	daily := &dailyTestJob{testJob{name: cancelledPurgeJobName, err: errors.New("db down")}}
	service := newTestService(t, &fakeLock{}, func() time.Time { return now }, daily)

	_ = service.runCycle(context.Background())
	now = now.Add(time.Hour)
	_ = service.runCycle(context.Background())
	if daily.runs != 2 {
		t.Fatalf("failed daily job should stay due, ran %d", daily.runs)
	}
}

func TestRunCycleStopsOnCancelledContext(t *testing.T) {
	job := &testJob{name: payoutDispatchJobName}
	service := newTestService(t, &fakeLock{}, nil, job)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := service.runCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("no job should run after cancellation")
	}
}
