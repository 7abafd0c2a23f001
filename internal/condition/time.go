package condition

import (
	"context"
	"fmt"
	"time"

	"homectl/internal/device"
	"homectl/internal/scheduler"
	"homectl/internal/store"
	"homectl/internal/world"
)

const day = 24 * time.Hour

// PropTime is the property reported by a holding time condition.
const PropTime = "TIME"

// Time holds while the world clock's time of day lies in [from, to). A
// window whose end precedes its start wraps midnight.
type Time struct {
	base
	from    time.Duration
	to      time.Duration
	loc     *time.Location
	sched   scheduler.Scheduler
	current world.World
	timer   scheduler.Slot
}

// NewTime builds a time-of-day window. from and to are offsets from
// midnight in deps.Location.
func NewTime(from, to time.Duration, deps Deps, opts ...Option) (*Time, error) {
	if from < 0 || from >= day || to < 0 || to > day {
		return nil, fmt.Errorf("%w: time window %s..%s", ErrInvalid, from, to)
	}
	if from == to {
		return nil, fmt.Errorf("%w: empty time window", ErrInvalid)
	}
	s := buildSettings(opts)
	c := &Time{
		from:    from,
		to:      to,
		loc:     deps.location(),
		sched:   deps.Scheduler,
		current: deps.Current,
	}
	c.init(c, s, fmt.Sprintf("time in [%s,%s)", clockText(from), clockText(to)))
	c.attach = c.listen
	return c, nil
}

// ParseClock parses "15:04" or "15:04:05" into an offset from midnight.
func ParseClock(text string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, text); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	if text == "24:00" {
		return day, nil
	}
	return 0, fmt.Errorf("%w: time of day %q", ErrInvalid, text)
}

func clockText(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	if sec != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func (c *Time) Type() string              { return TypeTime }
func (c *Time) Sensors() []*device.Device { return nil }

// Window returns the start and end offsets.
func (c *Time) Window() (time.Duration, time.Duration) { return c.from, c.to }

func (c *Time) IsConsistentWith(other Condition) bool {
	if o, ok := other.(*Time); ok && o != c {
		return c.overlaps(o)
	}
	return true
}

func (c *Time) overlaps(o *Time) bool {
	for _, a := range c.spans() {
		for _, b := range o.spans() {
			if a[0] < b[1] && b[0] < a[1] {
				return true
			}
		}
	}
	return false
}

// spans splits a wrapping window into non-wrapping pieces.
func (c *Time) spans() [][2]time.Duration {
	if c.from < c.to {
		return [][2]time.Duration{{c.from, c.to}}
	}
	return [][2]time.Duration{{c.from, day}, {0, c.to}}
}

func (c *Time) offset(t time.Time) time.Duration {
	t = t.In(c.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
	return t.Sub(midnight)
}

func (c *Time) contains(off time.Duration) bool {
	if c.from < c.to {
		return off >= c.from && off < c.to
	}
	return off >= c.from || off < c.to
}

// Status reports whether the world clock lies in the window.
func (c *Time) Status(_ context.Context, w world.World) (world.Properties, error) {
	now := w.Time()
	if !c.contains(c.offset(now)) {
		return nil, nil
	}
	return world.Properties{PropTime: now.In(c.loc).Format("15:04:05")}, nil
}

// next returns the delay until the next window boundary after t.
func (c *Time) next(t time.Time) time.Duration {
	off := c.offset(t)
	best := day
	for _, b := range []time.Duration{c.from, c.to % day} {
		d := b - off
		if d <= 0 {
			d += day
		}
		if d < best {
			best = d
		}
	}
	return best
}

func (c *Time) listen() func() {
	if c.current != nil {
		c.Recheck(context.Background(), c.current)
	}
	return func() {
		c.timer.Cancel()
	}
}

// Recheck re-evaluates w at its clock. In the current world it also arms
// the timer for the next boundary.
func (c *Time) Recheck(ctx context.Context, w world.World) {
	props, err := c.Status(ctx, w)
	if w.IsCurrent() && c.sched != nil {
		c.timer.Set(c.sched, func() {
			c.Recheck(context.Background(), w)
		}, c.next(w.Time()))
	}
	c.publish(ctx, w, props, err)
}

// ToRecord serializes the condition.
func (c *Time) ToRecord() store.Record {
	rec := c.header(TypeTime)
	rec[keyFrom] = clockText(c.from)
	rec[keyTo] = clockText(c.to)
	return rec
}
