package jobmanager

import (
	"context"
	"sync"
	"time"
)

// Task runs fn on its own goroutine when a single-shot timer expires. The
// timer can be re-armed, fired early or disarmed from any goroutine,
// including from fn itself. Only the latest request is kept.
type Task struct {
	name string
	fn   func(context.Context)

	mu      sync.Mutex
	pending time.Duration
	queued  bool
	armed   bool
	wake    chan struct{}
}

// disarm is the pending value that stops the timer.
const disarm time.Duration = -1

// NewTask returns a disarmed task. Call Run to start its goroutine.
func NewTask(name string, fn func(context.Context)) *Task {
	return &Task{name: name, fn: fn, wake: make(chan struct{}, 1)}
}

// Name identifies the task in logs.
func (t *Task) Name() string { return t.name }

// Reset re-arms the timer to expire after d.
func (t *Task) Reset(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.request(d, true)
}

// Fire runs the task as soon as possible.
func (t *Task) Fire() { t.Reset(0) }

// Stop disarms the timer. A run already in progress finishes.
func (t *Task) Stop() { t.request(disarm, false) }

// Armed reports whether a run is scheduled.
func (t *Task) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Task) request(d time.Duration, armed bool) {
	t.mu.Lock()
	t.pending = d
	t.queued = true
	t.armed = armed
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Task) take() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.queued {
		return 0, false
	}
	t.queued = false
	return t.pending, true
}

// Run serves the timer until ctx is done.
func (t *Task) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			d, ok := t.take()
			if !ok {
				continue
			}
			timer.Stop()
			if d != disarm {
				timer.Reset(d)
			}
		case <-timer.C:
			// A newer request supersedes this expiry.
			t.mu.Lock()
			superseded := t.queued
			if !superseded {
				t.armed = false
			}
			t.mu.Unlock()
			if !superseded {
				t.fn(ctx)
			}
		}
	}
}
