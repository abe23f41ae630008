// Package clock enforces per-task time budgets. Each handle counts one
// task down and fires its expiry callback exactly once, unless cancelled
// first; cancel and expiry are mutually exclusive.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start when a clock is already active
// for the same task.
var ErrAlreadyRunning = errors.New("clock already running for task")

// Clock tracks the active countdowns of one assessment session, keyed by
// task number.
type Clock struct {
	mu     sync.Mutex
	active map[int]*Handle
}

// New creates an empty clock.
func New() *Clock {
	return &Clock{active: make(map[int]*Handle)}
}

// Handle is one running countdown.
type Handle struct {
	clock      *Clock
	taskNumber int
	deadline   time.Time

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// Start begins a countdown for the given task and schedules onExpire to
// run when it elapses. The callback runs on the timer goroutine; callers
// serialize it against their own state.
func (c *Clock) Start(taskNumber int, d time.Duration, onExpire func()) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[taskNumber]; ok {
		return nil, ErrAlreadyRunning
	}

	h := &Handle{
		clock:      c,
		taskNumber: taskNumber,
		deadline:   time.Now().Add(d),
	}
	h.timer = time.AfterFunc(d, func() { h.expire(onExpire) })
	c.active[taskNumber] = h
	return h, nil
}

func (c *Clock) release(taskNumber int) {
	c.mu.Lock()
	delete(c.active, taskNumber)
	c.mu.Unlock()
}

func (h *Handle) expire(onExpire func()) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()

	h.clock.release(h.taskNumber)
	onExpire()
}

// Cancel stops the countdown before expiry. Idempotent; a handle that has
// already expired or been cancelled is left alone, so the expiry callback
// and Cancel can never both win.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.timer.Stop()
	h.mu.Unlock()

	h.clock.release(h.taskNumber)
}

// Remaining reports the time left on the countdown. It is never negative
// and is zero once the handle has expired or been cancelled.
func (h *Handle) Remaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return 0
	}
	r := time.Until(h.deadline)
	if r < 0 {
		return 0
	}
	return r
}
