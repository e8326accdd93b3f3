package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name  string
	every time.Duration
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

type cadencedStubJob struct {
	stubJob
}

func (c *cadencedStubJob) Every() time.Duration { return c.every }

func TestRegistryKeepsOrderAndIgnoresDuplicates(t *testing.T) {
	reaper := &stubJob{name: stalePaymentJobName}
	payouts := &stubJob{name: payoutDispatchJobName}
	registry := NewRegistry(reaper, nil, payouts)
	registry.Register(&stubJob{name: stalePaymentJobName})

	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != reaper || jobs[1] != payouts {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryDueHonoursCadence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hourly := &stubJob{name: "hourly"}
	daily := &cadencedStubJob{stubJob{name: "daily", every: 24 * time.Hour}}
	registry := NewRegistry(hourly, daily)

	if due := registry.Due(now); len(due) != 2 {
		t.Fatalf("expected both jobs due on first cycle, got %d", len(due))
	}

	registry.MarkRan("hourly", now)
	registry.MarkRan("daily", now)

	due := registry.Due(now.Add(time.Hour))
	if len(due) != 1 || due[0] != hourly {
		t.Fatalf("expected only hourly job due, got %v", due)
	}
	if due := registry.Due(now.Add(24 * time.Hour)); len(due) != 2 {
		t.Fatalf("expected daily job due again after a day, got %d", len(due))
	}
}
