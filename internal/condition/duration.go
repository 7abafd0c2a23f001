package condition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homectl/internal/device"
	"homectl/internal/scheduler"
	"homectl/internal/store"
	"homectl/internal/world"
)

// Rechecker is implemented by time-dependent conditions and sensors. It
// re-evaluates w at its current clock, which is how hypothetical worlds
// observe the passage of time.
type Rechecker interface {
	Recheck(ctx context.Context, w world.World)
}

// Duration holds while its subcondition has held for between min and max.
// Over a trigger subcondition it instead holds for max after the most
// recent trigger.
type Duration struct {
	base
	sub         Condition
	min         time.Duration
	max         time.Duration
	overTrigger bool
	sched       scheduler.Scheduler

	stateMu sync.Mutex
	states  map[string]*durationState
}

type durationState struct {
	start time.Time
	last  time.Time
	saved world.Properties
	timer scheduler.Slot
}

// NewDuration wraps sub in a duration window.
func NewDuration(sub Condition, min, max time.Duration, deps Deps, opts ...Option) (*Duration, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: duration needs a subcondition", ErrInvalid)
	}
	if min < 0 {
		min = 0
	}
	if max > 0 && max < min {
		return nil, fmt.Errorf("%w: max %s below min %s", ErrInvalid, max, min)
	}
	if sub.IsTrigger() && max <= 0 {
		return nil, fmt.Errorf("%w: duration over a trigger needs a max", ErrInvalid)
	}
	s := buildSettings(opts)
	s.trigger = false
	c := &Duration{
		sub:         sub,
		min:         min,
		max:         max,
		overTrigger: sub.IsTrigger(),
		sched:       deps.Scheduler,
		states:      make(map[string]*durationState),
	}
	name := fmt.Sprintf("%s for %s", sub.Name(), min)
	if max > 0 {
		name = fmt.Sprintf("%s for %s..%s", sub.Name(), min, max)
	}
	c.init(c, s, name)
	c.attach = c.listen
	return c, nil
}

func (c *Duration) Type() string              { return TypeDuration }
func (c *Duration) Sensors() []*device.Device { return c.sub.Sensors() }

// Subcondition returns the wrapped condition.
func (c *Duration) Subcondition() Condition { return c.sub }

// Window returns the min and max durations.
func (c *Duration) Window() (time.Duration, time.Duration) { return c.min, c.max }

func (c *Duration) IsConsistentWith(other Condition) bool {
	if other == nil || other == Condition(c) {
		return true
	}
	return c.sub.IsConsistentWith(other)
}

func (c *Duration) listen() func() {
	remove := c.sub.AddHandler(Funcs{
		OnFunc: func(ctx context.Context, w world.World, _ Condition, _ world.Properties) {
			c.step(ctx, w, nil)
		},
		OffFunc: func(ctx context.Context, w world.World, _ Condition) {
			c.step(ctx, w, nil)
		},
		TriggerFunc: func(ctx context.Context, w world.World, _ Condition, props world.Properties) {
			c.step(ctx, w, props)
		},
		ErrorFunc: func(ctx context.Context, w world.World, _ Condition, err error) {
			c.reset(w)
			c.fireError(ctx, w, err)
		},
	})
	return func() {
		remove()
		c.stopAll()
	}
}

func (c *Duration) state(w world.World) *durationState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	st, ok := c.states[w.ID()]
	if !ok {
		st = &durationState{}
		// A clone picks up the window where the world it was cloned from
		// left it.
		if parent, ok := c.states[w.ParentID()]; ok && w.ParentID() != "" {
			st.start, st.last = parent.start, parent.last
			if parent.saved != nil {
				st.saved = parent.saved.Clone()
			}
		}
		c.states[w.ID()] = st
		w.OnDiscard(c.id+":duration", func(w world.World) {
			c.stateMu.Lock()
			if st, ok := c.states[w.ID()]; ok {
				st.timer.Cancel()
				delete(c.states, w.ID())
			}
			c.stateMu.Unlock()
		})
	}
	return st
}

func (c *Duration) reset(w world.World) {
	st := c.state(w)
	st.timer.Cancel()
	c.stateMu.Lock()
	st.start, st.last, st.saved = time.Time{}, time.Time{}, nil
	c.stateMu.Unlock()
}

func (c *Duration) stopAll() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, st := range c.states {
		st.timer.Cancel()
	}
}

// Recheck re-evaluates w at its current time.
func (c *Duration) Recheck(ctx context.Context, w world.World) {
	c.step(ctx, w, nil)
}

// step advances the per-world state machine. fired carries the properties
// of a trigger that just fired.
func (c *Duration) step(ctx context.Context, w world.World, fired world.Properties) {
	st := c.state(w)
	now := w.Time()

	if c.overTrigger {
		c.stateMu.Lock()
		if fired != nil {
			st.last = now
			st.saved = fired.Clone()
		}
		last, saved := st.last, st.saved
		c.stateMu.Unlock()
		if last.IsZero() {
			st.timer.Cancel()
			c.publish(ctx, w, nil, nil)
			return
		}
		if elapsed := now.Sub(last); elapsed <= c.max {
			c.schedule(w, st, c.max-elapsed+time.Millisecond)
			c.publish(ctx, w, saved, nil)
			return
		}
		c.reset(w)
		c.publish(ctx, w, nil, nil)
		return
	}

	props, err := c.sub.Status(ctx, w)
	if err != nil {
		c.reset(w)
		c.fireError(ctx, w, err)
		return
	}
	if props == nil {
		c.reset(w)
		c.publish(ctx, w, nil, nil)
		return
	}
	c.stateMu.Lock()
	if st.start.IsZero() {
		st.start = now
	}
	elapsed := now.Sub(st.start)
	c.stateMu.Unlock()

	switch {
	case elapsed < c.min:
		c.schedule(w, st, c.min-elapsed)
		c.publish(ctx, w, nil, nil)
	case c.max > 0 && elapsed > c.max:
		st.timer.Cancel()
		c.publish(ctx, w, nil, nil)
	default:
		if c.max > 0 {
			c.schedule(w, st, c.max-elapsed+time.Millisecond)
		} else {
			st.timer.Cancel()
		}
		c.publish(ctx, w, props, nil)
	}
}

// schedule arms the world's single timer. Hypothetical worlds never get
// timers; they are rechecked explicitly.
func (c *Duration) schedule(w world.World, st *durationState, delay time.Duration) {
	if !w.IsCurrent() || c.sched == nil {
		return
	}
	st.timer.Set(c.sched, func() {
		c.step(context.Background(), w, nil)
	}, delay)
}

// Status evaluates the window from the recorded state without changing it.
func (c *Duration) Status(ctx context.Context, w world.World) (world.Properties, error) {
	c.stateMu.Lock()
	st, ok := c.states[w.ID()]
	if !ok && w.ParentID() != "" {
		st = c.states[w.ParentID()]
	}
	var start, last time.Time
	var saved world.Properties
	if st != nil {
		start, last, saved = st.start, st.last, st.saved
	}
	c.stateMu.Unlock()
	now := w.Time()

	if c.overTrigger {
		if last.IsZero() || now.Sub(last) > c.max {
			return nil, nil
		}
		return saved.Clone(), nil
	}
	props, err := c.sub.Status(ctx, w)
	if err != nil || props == nil {
		return nil, evalError(c.name, err)
	}
	if start.IsZero() {
		start = now
	}
	elapsed := now.Sub(start)
	if elapsed < c.min || (c.max > 0 && elapsed > c.max) {
		return nil, nil
	}
	return props, nil
}

// ToRecord serializes the condition with its subcondition inline.
func (c *Duration) ToRecord() store.Record {
	rec := c.header(TypeDuration)
	rec[keyCondition] = c.sub.ToRecord()
	rec[keyMin] = store.Millis(c.min)
	rec[keyMax] = store.Millis(c.max)
	return rec
}
