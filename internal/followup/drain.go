package followup

import (
	"context"
	"slices"
	"time"
)

// DeliverFunc hands one delivery unit to the agent side. A non-nil error
// means the unit was not delivered and the queue state must stay as-is;
// the drain retries from live state. Panics are not recovered: a panic
// out of partition/merge or the callback is a producer contract bug.
type DeliverFunc func(ctx context.Context, key string, unit Unit) error

// ScheduleDrain arms the debounce timer for key. Every call replaces the
// pending timer, so the last caller's settings and callback win. If a
// drain is already in flight the call is remembered instead and a fresh
// debounced cycle starts once the current drain finishes.
//
// Even with a zero debounce the drain runs on a timer goroutine, never on
// the caller.
func (q *Queues) ScheduleDrain(ctx context.Context, key string, settings Settings, deliver DeliverFunc) {
	settings = settings.normalized()

	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.states[key]
	if st == nil {
		st = &state{}
		q.states[key] = st
	}
	st.settings = settings
	st.deliver = deliver
	st.ctx = ctx

	if st.draining {
		st.rearm = true
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(time.Duration(settings.DebounceMs)*time.Millisecond, func() {
		q.runDrain(key)
	})
}

// runDrain is the timer callback: flips the key into draining and runs
// passes until the queue is observed empty.
func (q *Queues) runDrain(key string) {
	q.mu.Lock()
	st := q.states[key]
	if st == nil {
		q.mu.Unlock()
		return
	}
	if st.draining {
		st.rearm = true
		q.mu.Unlock()
		return
	}
	st.draining = true
	st.timer = nil
	ctx, settings, deliver := st.ctx, st.settings, st.deliver
	depth := len(st.runs)
	q.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	q.log.Debug("followup drain started", "key", key, "depth", depth)
	q.emit(Event{Kind: EventDrainStarted, Key: key, Depth: depth})

	q.drainLoop(ctx, key, settings, deliver)

	q.mu.Lock()
	st.draining = false
	rearm := st.rearm
	st.rearm = false
	depth = len(st.runs)
	overflow := len(st.overflow)
	if depth == 0 && overflow == 0 && !rearm && st.timer == nil {
		delete(q.states, key)
	}
	ctx, settings, deliver = st.ctx, st.settings, st.deliver
	q.mu.Unlock()

	q.log.Debug("followup drain completed", "key", key, "depth", depth)
	q.emit(Event{Kind: EventDrainCompleted, Key: key, Depth: depth, Overflow: overflow})

	if rearm {
		q.ScheduleDrain(ctx, key, settings, deliver)
	}
}

// drainLoop runs delivery passes until the queue is empty or ctx ends.
//
// Each pass snapshots live state, partitions it into units and delivers
// them strictly one at a time. A delivered unit's runs are removed
// immediately; runs enqueued mid-pass stay for the next pass. A failed
// delivery leaves everything in place, backs off, and the next pass
// re-derives units from whatever is resident then.
func (q *Queues) drainLoop(ctx context.Context, key string, settings Settings, deliver DeliverFunc) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		st := q.states[key]
		if st == nil {
			q.mu.Unlock()
			return
		}
		runs := slices.Clone(st.runs)
		overflow := slices.Clone(st.overflow)
		q.mu.Unlock()

		if len(runs) == 0 {
			return
		}

		units := buildUnits(runs, settings.Mode)
		if len(overflow) > 0 {
			units[0].Notice = overflowNotice(overflow)
		}

		passCtx, passSpan := startPassSpan(ctx, key, len(runs), len(units))
		retrying := false
		for i, unit := range units {
			unitCtx, unitSpan := startUnitSpan(passCtx, unit)
			err := deliver(unitCtx, key, unit)
			endUnitSpan(unitSpan, err)
			if err != nil {
				if ctx.Err() != nil {
					endPassSpan(passSpan, ctx.Err())
					return
				}
				attempt++
				wait := q.backoff.Next(attempt)
				q.log.Warn("followup delivery failed, retrying",
					"key", key, "attempt", attempt, "wait", wait, "error", err)
				q.emit(Event{Kind: EventDeliverFailed, Key: key, Depth: len(runs), Error: err.Error()})
				endPassSpan(passSpan, err)
				if q.sleep(ctx, wait) != nil {
					return
				}
				retrying = true
				break
			}
			attempt = 0
			q.commitUnit(key, unit, i == 0 && len(overflow) > 0, len(overflow))
		}
		if !retrying {
			endPassSpan(passSpan, nil)
		}
	}
}

// commitUnit removes exactly the delivered unit's runs, and on the first
// unit of a pass clears the overflow entries that were summarized in its
// notice. Entries dropped mid-pass stay for the next notice.
func (q *Queues) commitUnit(key string, unit Unit, clearOverflow bool, noticed int) {
	delivered := make(map[uint64]struct{}, len(unit.Runs))
	for _, r := range unit.Runs {
		delivered[r.seq] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.states[key]
	if st == nil {
		return
	}
	kept := st.runs[:0]
	for _, r := range st.runs {
		if _, ok := delivered[r.seq]; !ok {
			kept = append(kept, r)
		}
	}
	st.runs = kept
	if clearOverflow && noticed <= len(st.overflow) {
		st.overflow = slices.Clone(st.overflow[noticed:])
	}
}
