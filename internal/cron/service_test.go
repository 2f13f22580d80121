package cron

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestSetJobsDropsInvalid(t *testing.T) {
	s := New([]Job{
		{Name: "ok", Schedule: "* * * * *", Prompt: "p"},
		{Name: "bad-schedule", Schedule: "not a cron", Prompt: "p"},
		{Name: "", Schedule: "* * * * *", Prompt: "p"},
		{Name: "no-prompt", Schedule: "* * * * *"},
	}, func(context.Context, Job) error { return nil }, slog.Default())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.jobs) != 1 || s.jobs[0].Name != "ok" {
		t.Errorf("jobs = %+v, want only the valid one", s.jobs)
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	var mu sync.Mutex
	fired := make(map[string]int)

	s := New([]Job{
		{Name: "every-minute", Schedule: "* * * * *", Prompt: "p"},
		{Name: "midnight-only", Schedule: "0 0 * * *", Prompt: "p"},
	}, func(_ context.Context, job Job) error {
		mu.Lock()
		fired[job.Name]++
		mu.Unlock()
		return nil
	}, slog.Default())

	// Noon reference: the every-minute job is due, the midnight one is not.
	ref := time.Date(2026, 1, 2, 12, 30, 0, 0, time.UTC)
	s.tick(context.Background(), ref)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := fired["every-minute"]
		m := fired["midnight-only"]
		mu.Unlock()
		if n == 1 && m == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("fired = every-minute:%d midnight:%d, want 1/0", n, m)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOverlappingRunSkipped(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	starts := 0

	s := New([]Job{
		{Name: "slow", Schedule: "* * * * *", Prompt: "p"},
	}, func(context.Context, Job) error {
		mu.Lock()
		starts++
		mu.Unlock()
		<-block
		return nil
	}, slog.Default())

	ref := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s.tick(context.Background(), ref)

	// Wait for the first run to claim the slot.
	for i := 0; i < 100; i++ {
		s.mu.Lock()
		claimed := s.running["slow"]
		s.mu.Unlock()
		if claimed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.tick(context.Background(), ref.Add(time.Minute))
	close(block)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if starts != 1 {
		t.Errorf("starts = %d, want 1 (second tick skipped while running)", starts)
	}
}
