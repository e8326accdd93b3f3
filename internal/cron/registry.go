package cron

import (
	"context"
	"sync"
	"time"
)

// Job is one maintenance step of the hourly cycle.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// cadenced jobs run at most once per Every(); other jobs run every cycle.
type cadenced interface {
	Every() time.Duration
}

type registryEntry struct {
	job     Job
	every   time.Duration
	lastRun time.Time
}

// Registry keeps jobs in execution order and tracks when each last succeeded.
// The stale payment reaper must precede payout dispatch so a reaped order
// never reaches the ledger in the same cycle.
type Registry struct {
	mu      sync.Mutex
	entries []*registryEntry
}

func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

// Register appends job; nil jobs and duplicate names are ignored.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.job.Name() == job.Name() {
			return
		}
	}
	entry := &registryEntry{job: job}
	if c, ok := job.(cadenced); ok {
		entry.every = c.Every()
	}
	r.entries = append(r.entries, entry)
}

// Jobs returns every registered job in execution order.
func (r *Registry) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]Job, 0, len(r.entries))
	for _, entry := range r.entries {
		jobs = append(jobs, entry.job)
	}
	return jobs
}

// Due returns the jobs whose cadence has elapsed at now.
func (r *Registry) Due(now time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Job
	for _, entry := range r.entries {
		if entry.every <= 0 || entry.lastRun.IsZero() || now.Sub(entry.lastRun) >= entry.every {
			due = append(due, entry.job)
		}
	}
	return due
}

// MarkRan records a successful run; failed jobs stay due for the next cycle.
func (r *Registry) MarkRan(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.job.Name() == name {
			entry.lastRun = at
			return
		}
	}
}
