// Package scheduler serializes agent runs per session and caps global
// concurrency. A session key has at most one run in flight at any
// moment; callers use IsBusy to decide whether new work should queue
// behind the active run instead of starting another.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Lane labels where a run originated. Cron runs share the same
// per-session serialization as channel traffic.
type Lane string

const (
	LaneMain Lane = "main"
	LaneCron Lane = "cron"
)

const defaultMaxConcurrent = 4

// Scheduler runs tasks with per-key single-flight and a global
// concurrency limit.
type Scheduler struct {
	sem *semaphore.Weighted
	log *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	lane    Lane
	started time.Time
	done    chan struct{}
}

// RunInfo describes one in-flight run.
type RunInfo struct {
	Key     string    `json:"key"`
	Lane    Lane      `json:"lane"`
	Started time.Time `json:"started"`
}

func New(maxConcurrent int, log *slog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Scheduler{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		log:    log.With("component", "scheduler"),
		active: make(map[string]*activeRun),
	}
}

// Run executes fn under the session key's single-flight lock and the
// global concurrency limit. It blocks until fn returns or ctx is
// cancelled while waiting. A second Run for the same key waits for the
// first to finish before starting.
func (s *Scheduler) Run(ctx context.Context, key string, lane Lane, fn func(context.Context) error) error {
	for {
		s.mu.Lock()
		prev, busy := s.active[key]
		if !busy {
			s.active[key] = &activeRun{lane: lane, started: time.Now(), done: make(chan struct{})}
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prev.done:
		}
	}

	defer s.release(key)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	start := time.Now()
	err := fn(ctx)
	s.log.Debug("run finished", "key", key, "lane", lane, "duration", time.Since(start), "error", err)
	return err
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	run := s.active[key]
	delete(s.active, key)
	s.mu.Unlock()
	close(run.done)
}

// IsBusy reports whether the session key has a run in flight.
func (s *Scheduler) IsBusy(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.active[key]
	return busy
}

// Active returns a snapshot of in-flight runs.
func (s *Scheduler) Active() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunInfo, 0, len(s.active))
	for key, run := range s.active {
		out = append(out, RunInfo{Key: key, Lane: run.lane, Started: run.started})
	}
	return out
}
