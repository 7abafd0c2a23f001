package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic scheduler and clock. Time only moves through
// Advance or Set, and due callbacks run synchronously on the caller in
// deadline order (ties in scheduling order).
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTask
}

type manualTask struct {
	m         *Manual
	seq       uint64
	due       time.Time
	period    time.Duration
	fn        func()
	cancelled bool
}

// NewManual returns a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the manual clock's time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ScheduleOnce queues fn to run when the clock reaches now+delay.
func (m *Manual) ScheduleOnce(fn func(), delay time.Duration) Handle {
	return m.add(fn, delay, 0)
}

// ScheduleRepeating queues fn at now+delay and then every period.
func (m *Manual) ScheduleRepeating(fn func(), delay, period time.Duration) Handle {
	return m.add(fn, delay, period)
}

func (m *Manual) add(fn func(), delay, period time.Duration) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	task := &manualTask{m: m, seq: m.seq, due: m.now.Add(nonNegative(delay)), period: period, fn: fn}
	m.pending = append(m.pending, task)
	return task
}

func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	for i, p := range t.m.pending {
		if p == t {
			t.m.pending = append(t.m.pending[:i], t.m.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of callbacks waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by d, firing every callback that becomes due.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t, firing callbacks due at or before t. The clock
// steps to each callback's deadline before running it.
func (m *Manual) Set(t time.Time) {
	t = t.UTC()
	for {
		m.mu.Lock()
		task := m.nextDue(t)
		if task == nil {
			if t.After(m.now) {
				m.now = t
			}
			m.mu.Unlock()
			return
		}
		if task.due.After(m.now) {
			m.now = task.due
		}
		m.remove(task)
		if task.period > 0 {
			m.seq++
			task.seq = m.seq
			task.due = task.due.Add(task.period)
			m.pending = append(m.pending, task)
		}
		fn := task.fn
		m.mu.Unlock()
		fn()
	}
}

func (m *Manual) nextDue(limit time.Time) *manualTask {
	if len(m.pending) == 0 {
		return nil
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].due.Equal(m.pending[j].due) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].due.Before(m.pending[j].due)
	})
	first := m.pending[0]
	if first.due.After(limit) {
		return nil
	}
	return first
}

func (m *Manual) remove(task *manualTask) {
	for i, p := range m.pending {
		if p == task {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
