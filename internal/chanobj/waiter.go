package chanobj

import (
	"context"
	"sync"
	"time"

	"github.com/riocm/channelmgr/internal/chanerr"
)

// waitgroup is a broadcast primitive that lets many blocked operations
// (receive, accept, connect) wait on state or queue changes and be woken
// together, without ever holding the channel lock across a suspension
// point (spec.md §5 "Wakeups", §9 "Lost-wakeup avoidance").
//
// It is the select-friendly equivalent of a sync.Cond: each call to wait
// snapshots the current epoch channel while the caller's lock is held,
// releases the lock, then selects on {epoch closed, deadline, ctx.Done}.
// notify replaces the epoch channel and closes the old one, so every
// blocked waiter observes the close exactly once per notification.
type waitgroup struct {
	mu    sync.Mutex
	epoch chan struct{}
}

func newWaitgroup() *waitgroup {
	return &waitgroup{epoch: make(chan struct{})}
}

// snapshot returns the current epoch channel. Call this while holding the
// channel's own lock, immediately before releasing it to sleep, so no
// notify can be missed between the predicate check and the sleep.
func (w *waitgroup) snapshot() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

// notify wakes every waiter currently blocked on snapshot(). Safe to call
// with or without the channel's own lock held (most transitions in
// channel.go call it under the lock; Disconnect and BeginClose call it
// after releasing it).
func (w *waitgroup) notify() {
	w.mu.Lock()
	old := w.epoch
	w.epoch = make(chan struct{})
	w.mu.Unlock()
	close(old)
}

// sleep blocks on the given epoch snapshot until it closes, the deadline
// elapses, or ctx is cancelled. Callers must re-check their predicate
// under the channel lock after sleep returns nil, per spec.md §5's
// edge-triggered recheck rule — a closed epoch is only ever a hint that
// something changed, never proof the caller's specific condition holds.
func sleep(ctx context.Context, epoch <-chan struct{}, deadline time.Time) error {
	var timer *time.Timer
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return chanerr.ErrTimeout
		}
		timer = time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-epoch:
		return nil
	case <-timerC:
		return chanerr.ErrTimeout
	case <-ctx.Done():
		return chanerr.ErrInterrupted
	}
}
