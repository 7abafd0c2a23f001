package scheduler

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotStarted is returned when work is submitted before Start.
	ErrNotStarted = errors.New("scheduler: not started")
	// ErrStopped is returned when work is submitted after Stop.
	ErrStopped = errors.New("scheduler: stopped")
	// ErrQueueFull is returned when the worker queue cannot accept more work.
	ErrQueueFull = errors.New("scheduler: queue full")
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Handle cancels a scheduled callback.
type Handle interface {
	// Cancel stops the callback from running again. It reports whether the
	// callback was still pending.
	Cancel() bool
}

// Scheduler runs delayed and periodic callbacks.
type Scheduler interface {
	ScheduleOnce(fn func(), delay time.Duration) Handle
	ScheduleRepeating(fn func(), delay, period time.Duration) Handle
}

// Cancel cancels h if it is non-nil.
func Cancel(h Handle) {
	if h != nil {
		h.Cancel()
	}
}

// Slot holds at most one pending callback. Setting a new callback cancels
// the previous one first.
type Slot struct {
	mu sync.Mutex
	h  Handle
}

// Set cancels any pending callback and schedules fn after delay.
func (s *Slot) Set(sched Scheduler, fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	Cancel(s.h)
	s.h = nil
	if sched == nil || fn == nil {
		return
	}
	s.h = sched.ScheduleOnce(fn, delay)
}

// Cancel cancels the pending callback, if any.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Cancel(s.h)
	s.h = nil
}

// Armed reports whether a callback has been set and not cancelled. A
// callback that already fired still counts as armed until Set or Cancel.
func (s *Slot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil
}
