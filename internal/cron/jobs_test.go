package cron

import "sync"

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: map[string]int{}}
}

func (c *countingRecorder) AddItems(_ string, outcome string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[outcome] += n
}
