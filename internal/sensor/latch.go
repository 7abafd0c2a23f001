package sensor

import (
	"context"
	"time"

	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/store"
	"homectl/internal/world"
)

const (
	keyReset    = "RESET"
	keyAfter    = "AFTER"
	keyOffAfter = "OFFAFTER"
)

// ResetTransition is the transition that clears a latch.
const ResetTransition = "reset"

// LatchOptions select how a latch clears once set. Every set policy
// applies; the earliest deadline wins.
type LatchOptions struct {
	// ResetAt is a daily reset time as an offset from midnight. Zero
	// disables it unless HasResetAt is set.
	ResetAt    time.Duration
	HasResetAt bool
	// ResetAfter clears the latch this long after the input went true.
	ResetAfter time.Duration
	// OffAfter clears the latch this long after the input went false.
	OffAfter time.Duration
}

// Latch turns on with its input and stays on until a reset policy clears
// it or the reset transition is applied.
type Latch struct {
	virtual
	in   input
	opts LatchOptions
	loc  *time.Location
}

// NewLatch builds a latch sensor.
func NewLatch(name string, in Input, lo LatchOptions, deps Deps, opts ...device.Option) (*Latch, error) {
	res, err := resolve(in)
	if err != nil {
		return nil, err
	}
	if lo.ResetAt != 0 {
		lo.HasResetAt = true
	}
	if lo.HasResetAt && (lo.ResetAt < 0 || lo.ResetAt >= 24*time.Hour) {
		return nil, ErrInvalid
	}
	s := &Latch{in: res, opts: lo, loc: deps.location()}
	err = s.build(name, KindLatch, booleanOutput(name), []*device.Device{res.dev}, deps, s.update, s.record, opts)
	if err != nil {
		return nil, err
	}
	s.dev.AddTransition(device.MustTransition(ResetTransition,
		device.WithTransitionLabel("Reset "+name),
		device.WithTransitionDescription("Reset "+name),
		device.WithEffect(func(ctx context.Context, _ *device.Device, w world.World, _ parameter.Values) error {
			s.Reset(ctx, w)
			return nil
		}),
	))
	return s, nil
}

// Options returns the reset policies.
func (s *Latch) Options() LatchOptions { return s.opts }

// Recheck re-evaluates w at its clock, applying any deadline that passed.
func (s *Latch) Recheck(ctx context.Context, w world.World) {
	s.update(ctx, w)
}

// Reset clears the latch in w unless the input still holds, in which case
// the latch stays on and its deadlines are recomputed.
func (s *Latch) Reset(ctx context.Context, w world.World) {
	s.locked(ctx, w, func(ctx context.Context, st *state) {
		s.reset(ctx, w, st)
	})
}

func (s *Latch) reset(ctx context.Context, w world.World, st *state) {
	holds, err := s.in.holds(ctx, w)
	if err != nil {
		s.fail(w, err)
		return
	}
	if holds {
		s.recheck(ctx, w, st, true)
		return
	}
	st.start, st.off = time.Time{}, time.Time{}
	st.timer.Cancel()
	s.publish(ctx, w, false)
}

func (s *Latch) update(ctx context.Context, w world.World) {
	s.locked(ctx, w, func(ctx context.Context, st *state) {
		holds, err := s.in.holds(ctx, w)
		if err != nil {
			s.fail(w, err)
			return
		}
		now := w.Time()
		if !holds {
			if v, _ := w.Value(s.dev.Key(Output)); v == nil {
				s.publish(ctx, w, false)
			}
			if st.off.IsZero() {
				if s.opts.ResetAfter == 0 {
					st.start = time.Time{}
				}
				st.off = now
			}
			s.recheck(ctx, w, st, false)
			return
		}
		st.off = time.Time{}
		if st.start.IsZero() {
			st.start = now
		}
		s.publish(ctx, w, true)
		s.recheck(ctx, w, st, true)
	})
}

// recheck schedules the single timer for the earliest future deadline. A
// deadline that already passed resets the latch at once unless the input
// holds.
func (s *Latch) recheck(ctx context.Context, w world.World, st *state, holds bool) {
	now := w.Time()
	var deadlines []time.Time
	if s.opts.HasResetAt {
		// The daily reset counts from when the latch last changed, so a
		// hypothetical clock that jumps past it still resets.
		ref := st.start
		if st.off.After(ref) {
			ref = st.off
		}
		if !ref.IsZero() {
			deadlines = append(deadlines, s.nextReset(ref))
		}
	}
	if s.opts.OffAfter > 0 && !st.off.IsZero() {
		deadlines = append(deadlines, st.off.Add(s.opts.OffAfter))
	}
	if s.opts.ResetAfter > 0 && !st.start.IsZero() {
		deadlines = append(deadlines, st.start.Add(s.opts.ResetAfter))
	}
	var next time.Time
	for _, d := range deadlines {
		if !d.After(now) {
			if !holds {
				st.start, st.off = time.Time{}, time.Time{}
				st.timer.Cancel()
				s.publish(ctx, w, false)
				return
			}
			continue
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	if next.IsZero() {
		st.timer.Cancel()
		return
	}
	s.schedule(w, st, next.Sub(now), s.Reset)
}

func (s *Latch) nextReset(after time.Time) time.Time {
	local := after.In(s.loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).Add(s.opts.ResetAt)
	for !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at.UTC()
}

func (s *Latch) record(rec store.Record) {
	rec[keyBaseSensor] = s.in.dev.ID()
	rec[keyBaseParam] = s.in.param.Name()
	rec[keyBaseSet] = s.in.text()
	if s.opts.HasResetAt {
		rec[keyReset] = store.Millis(s.opts.ResetAt)
	}
	rec[keyAfter] = store.Millis(s.opts.ResetAfter)
	rec[keyOffAfter] = store.Millis(s.opts.OffAfter)
}
