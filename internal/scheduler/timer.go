package scheduler

import (
	"log"
	"sync"
	"time"

	"homectl/internal/observability/metrics"
)

// TimerScheduler fires callbacks from runtime timers onto a worker pool.
type TimerScheduler struct {
	pool   *Pool
	logger *log.Logger
}

// NewTimerScheduler constructs a scheduler. With a nil pool callbacks run on
// the timer goroutine.
func NewTimerScheduler(pool *Pool, logger *log.Logger) *TimerScheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &TimerScheduler{pool: pool, logger: logger}
}

type timerHandle struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	fired     bool
}

func (h *timerHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	pending := !h.fired
	if h.timer != nil {
		h.timer.Stop()
	}
	if pending {
		metrics.IncTimer(metrics.TimerCancelled)
	}
	return pending
}

// ScheduleOnce runs fn once after delay.
func (s *TimerScheduler) ScheduleOnce(fn func(), delay time.Duration) Handle {
	h := &timerHandle{}
	metrics.IncTimer(metrics.TimerScheduled)
	h.mu.Lock()
	h.timer = time.AfterFunc(nonNegative(delay), func() {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()
		s.dispatch(fn)
	})
	h.mu.Unlock()
	return h
}

// ScheduleRepeating runs fn after delay and then every period until cancelled.
func (s *TimerScheduler) ScheduleRepeating(fn func(), delay, period time.Duration) Handle {
	if period <= 0 {
		return s.ScheduleOnce(fn, delay)
	}
	h := &timerHandle{}
	metrics.IncTimer(metrics.TimerScheduled)
	var tick func()
	tick = func() {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return
		}
		h.timer = time.AfterFunc(period, tick)
		h.mu.Unlock()
		s.dispatch(fn)
	}
	h.mu.Lock()
	h.timer = time.AfterFunc(nonNegative(delay), tick)
	h.mu.Unlock()
	return h
}

func (s *TimerScheduler) dispatch(fn func()) {
	metrics.IncTimer(metrics.TimerFired)
	if s.pool == nil {
		fn()
		return
	}
	if err := s.pool.Submit(fn); err != nil {
		s.logger.Printf("scheduler: dispatch failed: err=%v", err)
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
