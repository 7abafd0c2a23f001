package sensor

import (
	"context"
	"time"

	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/store"
	"homectl/internal/world"
)

const keyStable = "STABLE"

// Debouncer mirrors a device parameter once its value has been stable for
// a while. The output has the input parameter's type.
type Debouncer struct {
	virtual
	source *device.Device
	param  *parameter.Parameter
	stable time.Duration
}

// NewDebouncer builds a debouncer over d's parameter name.
func NewDebouncer(name string, d *device.Device, param string, stable time.Duration, deps Deps, opts ...device.Option) (*Debouncer, error) {
	if d == nil {
		return nil, ErrMissingDevice
	}
	p := d.FindParameter(param)
	if p == nil || stable < 0 {
		return nil, ErrInvalid
	}
	s := &Debouncer{source: d, param: p, stable: stable}
	if err := s.build(name, KindDebouncer, p.Rename(Output), []*device.Device{d}, deps, s.update, s.record, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Stable returns the time a value must hold before it is propagated.
func (s *Debouncer) Stable() time.Duration { return s.stable }

// Recheck notes any change in w and propagates a value that has been
// stable long enough at w's clock.
func (s *Debouncer) Recheck(ctx context.Context, w world.World) {
	s.update(ctx, w)
}

func (s *Debouncer) update(ctx context.Context, w world.World) {
	s.locked(ctx, w, func(ctx context.Context, st *state) {
		v, err := s.source.ValueInWorld(ctx, s.param, w)
		if err != nil {
			s.fail(w, err)
			return
		}
		if v == nil {
			return
		}
		if st.saved == nil || !parameter.Equal(v, st.saved) {
			st.saved = v
			st.start = w.Time()
			s.schedule(w, st, s.stable, s.settle)
		}
		s.settleLocked(ctx, w, st)
	})
}

func (s *Debouncer) settle(ctx context.Context, w world.World) {
	s.locked(ctx, w, func(ctx context.Context, st *state) {
		s.settleLocked(ctx, w, st)
	})
}

// settleLocked propagates the saved value if it is still live and has been
// stable for long enough.
func (s *Debouncer) settleLocked(ctx context.Context, w world.World, st *state) {
	if st.saved == nil || w.Time().Sub(st.start) < s.stable {
		return
	}
	live, err := s.source.ValueInWorld(ctx, s.param, w)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !parameter.Equal(live, st.saved) {
		return
	}
	st.timer.Cancel()
	s.publish(ctx, w, st.saved)
}

func (s *Debouncer) record(rec store.Record) {
	rec[keyBaseSensor] = s.source.ID()
	rec[keyBaseParam] = s.param.Name()
	rec[keyStable] = store.Millis(s.stable)
}
