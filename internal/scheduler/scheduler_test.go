package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testScheduler(maxConcurrent int) *Scheduler {
	return New(maxConcurrent, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSameKeyRunsSerially(t *testing.T) {
	s := testScheduler(8)

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(context.Background(), "agent:default:telegram:direct:1", LaneMain, func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in flight for one key = %d, want 1", got)
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	s := testScheduler(8)

	started := make(chan string, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, key := range []string{"key-a", "key-b"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			s.Run(context.Background(), k, LaneMain, func(context.Context) error {
				started <- k
				<-release
				return nil
			})
		}(key)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("keys did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestIsBusy(t *testing.T) {
	s := testScheduler(2)
	key := "agent:default:slack:group:C01"

	if s.IsBusy(key) {
		t.Error("idle key reported busy")
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background(), key, LaneMain, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	if !s.IsBusy(key) {
		t.Error("running key reported idle")
	}
	if active := s.Active(); len(active) != 1 || active[0].Key != key {
		t.Errorf("Active() = %+v", active)
	}

	close(release)
	<-done
	if s.IsBusy(key) {
		t.Error("finished key still busy")
	}
}

func TestRunReturnsTaskError(t *testing.T) {
	s := testScheduler(1)
	want := errors.New("boom")
	if err := s.Run(context.Background(), "k", LaneCron, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Run() error = %v, want %v", err, want)
	}
	if s.IsBusy("k") {
		t.Error("key still busy after failed run")
	}
}

func TestWaitingRunHonorsCancellation(t *testing.T) {
	s := testScheduler(2)
	key := "k"

	entered := make(chan struct{})
	release := make(chan struct{})
	go s.Run(context.Background(), key, LaneMain, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, key, LaneMain, func(context.Context) error { return nil })
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("waiting Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting Run did not observe cancellation")
	}
	close(release)
}
