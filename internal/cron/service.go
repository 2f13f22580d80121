// Package cron runs scheduled agent prompts. Jobs come from config and
// fire through the same run pipeline as chat traffic, so a busy agent
// queues them instead of running concurrently.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled prompt.
type Job struct {
	Name     string
	Schedule string
	Prompt   string
	AgentID  string
	Channel  string // deliver result here when set
	To       string
}

// RunFunc executes a due job. It is called on its own goroutine; the
// implementation owns concurrency control.
type RunFunc func(ctx context.Context, job Job) error

// Service ticks once a minute and fires due jobs.
type Service struct {
	run  RunFunc
	log  *slog.Logger
	gron *gronx.Gronx

	mu   sync.RWMutex
	jobs []Job

	// running guards against the same job overlapping itself when a
	// run outlasts its schedule interval.
	running map[string]bool
}

// New creates a cron service. Jobs with invalid schedules are dropped
// with a warning.
func New(jobs []Job, run RunFunc, log *slog.Logger) *Service {
	s := &Service{
		run:     run,
		log:     log,
		gron:    gronx.New(),
		running: make(map[string]bool),
	}
	s.SetJobs(jobs)
	return s
}

// SetJobs replaces the job list, validating schedules. Used on config
// reload.
func (s *Service) SetJobs(jobs []Job) {
	valid := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Name == "" || job.Prompt == "" {
			s.log.Warn("cron job missing name or prompt, skipping", "name", job.Name)
			continue
		}
		if !s.gron.IsValid(job.Schedule) {
			s.log.Warn("cron job has invalid schedule, skipping", "name", job.Name, "schedule", job.Schedule)
			continue
		}
		valid = append(valid, job)
	}

	s.mu.Lock()
	s.jobs = valid
	s.mu.Unlock()
}

// Start runs the tick loop until ctx is cancelled. Blocks.
func (s *Service) Start(ctx context.Context) {
	s.mu.RLock()
	n := len(s.jobs)
	s.mu.RUnlock()
	s.log.Info("cron service started", "jobs", n)

	// Align ticks to minute boundaries so schedules fire on time.
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			s.log.Info("cron service stopped")
			return
		case <-time.After(next.Sub(now)):
			s.tick(ctx, next)
		}
	}
}

func (s *Service) tick(ctx context.Context, ref time.Time) {
	s.mu.RLock()
	jobs := s.jobs
	s.mu.RUnlock()

	for _, job := range jobs {
		due, err := s.gron.IsDue(job.Schedule, ref)
		if err != nil || !due {
			continue
		}
		s.fire(ctx, job)
	}
}

func (s *Service) fire(ctx context.Context, job Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.log.Warn("cron job still running, skipping this tick", "name", job.Name)
		return
	}
	s.running[job.Name] = true
	s.mu.Unlock()

	s.log.Info("cron job due", "name", job.Name)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, job.Name)
			s.mu.Unlock()
		}()

		if err := s.run(ctx, job); err != nil {
			s.log.Error("cron job failed", "name", job.Name, "error", err)
		}
	}()
}
