package world

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"homectl/internal/observability/metrics"
)

// Hypothetical is a what-if world. Its clock is owned by whoever created it
// and its timers never fire; state machines evaluate it synchronously.
type Hypothetical struct {
	*core
	parent string

	timeMu sync.RWMutex
	now    time.Time

	discardMu sync.Mutex
	discarded bool
	discards  []discardHook
}

type discardHook struct {
	key string
	fn  func(World)
}

func newHypothetical(parent string, values map[Key]any, now time.Time) *Hypothetical {
	h := &Hypothetical{parent: parent, now: now.UTC()}
	h.core = newCore("HYP_"+uuid.NewString(), h)
	for k, v := range values {
		h.values[k] = v
	}
	metrics.AddHypotheticalWorlds(1)
	return h
}

// NewHypothetical returns an empty hypothetical world at now.
func NewHypothetical(now time.Time) *Hypothetical {
	return newHypothetical("", nil, now)
}

func (h *Hypothetical) IsCurrent() bool { return false }

// ParentID returns the id of the world h was cloned from. Conditions and
// sensors seed their per-world state for h from that world.
func (h *Hypothetical) ParentID() string { return h.parent }

// Time returns the world's own clock.
func (h *Hypothetical) Time() time.Time {
	h.timeMu.RLock()
	defer h.timeMu.RUnlock()
	return h.now
}

// SetTime moves the clock.
func (h *Hypothetical) SetTime(t time.Time) error {
	h.timeMu.Lock()
	h.now = t.UTC()
	h.timeMu.Unlock()
	return nil
}

// Advance moves the clock forward by d.
func (h *Hypothetical) Advance(d time.Duration) {
	h.timeMu.Lock()
	h.now = h.now.Add(d)
	h.timeMu.Unlock()
}

// Clone returns an independent copy of this world.
func (h *Hypothetical) Clone() *Hypothetical {
	return newHypothetical(h.ID(), h.Snapshot(), h.Time())
}

// OnDiscard registers fn to run when the world is discarded. Registering
// the same key twice keeps the first registration.
func (h *Hypothetical) OnDiscard(key string, fn func(World)) {
	if fn == nil {
		return
	}
	h.discardMu.Lock()
	defer h.discardMu.Unlock()
	if h.discarded {
		return
	}
	for _, d := range h.discards {
		if d.key == key {
			return
		}
	}
	h.discards = append(h.discards, discardHook{key: key, fn: fn})
}

// Discard releases per-world state held by conditions and sensors.
func (h *Hypothetical) Discard() {
	h.discardMu.Lock()
	if h.discarded {
		h.discardMu.Unlock()
		return
	}
	h.discarded = true
	hooks := h.discards
	h.discards = nil
	h.discardMu.Unlock()

	for _, d := range hooks {
		d.fn(h)
	}
	metrics.AddHypotheticalWorlds(-1)
}
