package sensor

import (
	"context"
	"fmt"
	"time"

	"homectl/internal/device"
	"homectl/internal/store"
	"homectl/internal/world"
)

const (
	keyBaseSensor = "BASESENSOR"
	keyBaseParam  = "BASEPARAM"
	keyBaseSet    = "BASESET"
	keyMin        = "MIN"
	keyMax        = "MAX"
)

// defaultPulse is the window given to a sensor with neither min nor max.
const defaultPulse = 100 * time.Millisecond

// Duration is on while its input has held for between min and max. A max
// of zero leaves the window open ended.
type Duration struct {
	virtual
	in  input
	min time.Duration
	max time.Duration
}

// NewDuration builds a duration-window sensor. A min above a positive max
// makes the window open ended; with neither set it becomes a short pulse.
func NewDuration(name string, in Input, min, max time.Duration, deps Deps, opts ...device.Option) (*Duration, error) {
	res, err := resolve(in)
	if err != nil {
		return nil, err
	}
	if min < 0 {
		min = 0
	}
	if min > 0 && max < min {
		max = 0
	}
	if min == 0 && max <= 0 {
		max = defaultPulse
	}
	s := &Duration{in: res, min: min, max: max}
	err = s.build(name, KindDuration, booleanOutput(name), []*device.Device{res.dev}, deps, s.update, s.record, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Window returns the effective min and max.
func (s *Duration) Window() (time.Duration, time.Duration) { return s.min, s.max }

// Recheck re-evaluates w at its clock.
func (s *Duration) Recheck(ctx context.Context, w world.World) {
	s.update(ctx, w)
}

func (s *Duration) update(ctx context.Context, w world.World) {
	s.locked(ctx, w, func(ctx context.Context, st *state) {
		holds, err := s.in.holds(ctx, w)
		if err != nil {
			s.fail(w, err)
			return
		}
		if !holds {
			st.start = time.Time{}
			st.timer.Cancel()
			s.publish(ctx, w, false)
			return
		}
		now := w.Time()
		if st.start.IsZero() {
			st.start = now
		}
		elapsed := now.Sub(st.start)
		switch {
		case elapsed < s.min:
			s.schedule(w, st, s.min-elapsed, s.update)
			s.publish(ctx, w, false)
		case s.max > 0 && elapsed > s.max:
			st.timer.Cancel()
			s.publish(ctx, w, false)
		default:
			if s.max > 0 {
				// One tick past max so the window includes its end.
				s.schedule(w, st, s.max-elapsed+time.Millisecond, s.update)
			} else {
				st.timer.Cancel()
			}
			s.publish(ctx, w, true)
		}
	})
}

func (s *Duration) record(rec store.Record) {
	rec[keyBaseSensor] = s.in.dev.ID()
	rec[keyBaseParam] = s.in.param.Name()
	rec[keyBaseSet] = s.in.text()
	rec[keyMin] = store.Millis(s.min)
	rec[keyMax] = store.Millis(s.max)
}

func (s *Duration) String() string {
	return fmt.Sprintf("%s (%s=%s for %s..%s)", s.dev.Name(), s.in.dev.Name(), s.in.text(), s.min, s.max)
}
