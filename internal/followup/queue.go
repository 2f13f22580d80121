package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind tags queue lifecycle events pushed to the stats hook.
type EventKind string

const (
	EventEnqueued       EventKind = "queue.enqueued"
	EventDuplicate      EventKind = "queue.duplicate"
	EventDropped        EventKind = "queue.dropped"
	EventDrainStarted   EventKind = "queue.drain.started"
	EventDrainCompleted EventKind = "queue.drain.completed"
	EventDeliverFailed  EventKind = "queue.deliver.failed"
)

// Event describes a queue state change for stats and WS broadcasting.
type Event struct {
	Kind     EventKind `json:"kind"`
	Key      string    `json:"key"`
	Depth    int       `json:"depth"`
	Overflow int       `json:"overflow"`
	Units    int       `json:"units,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// KeyStats is a point-in-time snapshot of one key's queue.
type KeyStats struct {
	Key      string `json:"key"`
	Depth    int    `json:"depth"`
	Overflow int    `json:"overflow"`
	Draining bool   `json:"draining"`
}

// state is the per-key queue. Guarded by Queues.mu; lazily created on
// first enqueue and removed once empty after a successful drain.
type state struct {
	runs     []Run
	overflow []DroppedEntry

	draining bool
	rearm    bool

	timer    *time.Timer
	settings Settings
	deliver  DeliverFunc
	ctx      context.Context

	nextSeq uint64
}

// Queues owns all per-key followup queues for the process.
type Queues struct {
	mu     sync.Mutex
	states map[string]*state

	log     *slog.Logger
	backoff Backoff
	onEvent func(Event)

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewQueues returns an empty queue store.
func NewQueues(log *slog.Logger) *Queues {
	if log == nil {
		log = slog.Default()
	}
	return &Queues{
		states:  make(map[string]*state),
		log:     log.With("component", "followup"),
		backoff: DefaultBackoff(),
		sleep:   sleepCtx,
	}
}

// SetEventHook registers a callback invoked on queue state changes.
// Must be set before the queue is used; the hook runs on queue goroutines
// and must not block.
func (q *Queues) SetEventHook(fn func(Event)) { q.onEvent = fn }

func (q *Queues) emit(ev Event) {
	if q.onEvent != nil {
		q.onEvent(ev)
	}
}

// Enqueue admits run into key's queue. It is synchronous and never blocks
// on drains or timers.
//
// Returns false when the run is a duplicate of a resident run: an
// identical non-empty MessageID always counts; with DedupeByPrompt a run
// without a MessageID also counts when prompt, channel and to all match a
// resident run (thread is not compared). Duplicates leave the queue
// untouched.
//
// Otherwise the run is appended. At cap the oldest resident run is
// evicted into the overflow log first, so admission itself never fails.
func (q *Queues) Enqueue(key string, run Run, settings Settings) bool {
	settings = settings.normalized()

	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.states[key]
	if st == nil {
		st = &state{}
		q.states[key] = st
	}

	if q.isDuplicateLocked(st, run, settings.DedupeMode) {
		q.log.Debug("duplicate followup ignored", "key", key, "messageId", run.MessageID)
		q.emit(Event{Kind: EventDuplicate, Key: key, Depth: len(st.runs), Overflow: len(st.overflow)})
		return false
	}

	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now()
	}

	if len(st.runs) >= settings.Cap {
		evicted := st.runs[0]
		st.runs = append(st.runs[:0], st.runs[1:]...)
		st.overflow = append(st.overflow, DroppedEntry{
			Preview:   previewOf(evicted.Prompt),
			DroppedAt: time.Now(),
		})
		q.log.Warn("followup queue at cap, dropped oldest",
			"key", key, "cap", settings.Cap, "dropped", len(st.overflow))
		q.emit(Event{Kind: EventDropped, Key: key, Depth: len(st.runs), Overflow: len(st.overflow)})
	}

	st.nextSeq++
	run.seq = st.nextSeq
	st.runs = append(st.runs, run)

	q.log.Debug("followup enqueued", "key", key, "depth", len(st.runs))
	q.emit(Event{Kind: EventEnqueued, Key: key, Depth: len(st.runs), Overflow: len(st.overflow)})
	return true
}

func (q *Queues) isDuplicateLocked(st *state, run Run, mode DedupeMode) bool {
	for i := range st.runs {
		r := &st.runs[i]
		if run.MessageID != "" && r.MessageID == run.MessageID {
			return true
		}
		if run.MessageID == "" && mode == DedupeByPrompt &&
			r.Prompt == run.Prompt && r.Channel == run.Channel && r.To == run.To {
			return true
		}
	}
	return false
}

// Depth returns the resident run count for key.
func (q *Queues) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.states[key]; st != nil {
		return len(st.runs)
	}
	return 0
}

// Stats snapshots every live key.
func (q *Queues) Stats() []KeyStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]KeyStats, 0, len(q.states))
	for key, st := range q.states {
		out = append(out, KeyStats{
			Key:      key,
			Depth:    len(st.runs),
			Overflow: len(st.overflow),
			Draining: st.draining,
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
