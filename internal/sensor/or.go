package sensor

import (
	"context"

	"homectl/internal/device"
	"homectl/internal/store"
	"homectl/internal/world"
)

const keyInputs = "INPUTS"

// Or is on while any of its inputs holds. It has no timers.
type Or struct {
	virtual
	inputs []input
}

// NewOr builds an OR sensor over inputs.
func NewOr(name string, inputs []Input, deps Deps, opts ...device.Option) (*Or, error) {
	if len(inputs) == 0 {
		return nil, ErrInvalid
	}
	s := &Or{}
	devices := make([]*device.Device, 0, len(inputs))
	for _, in := range inputs {
		res, err := resolve(in)
		if err != nil {
			return nil, err
		}
		s.inputs = append(s.inputs, res)
		devices = append(devices, res.dev)
	}
	if err := s.build(name, KindOr, booleanOutput(name), devices, deps, s.update, s.record, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Recheck re-evaluates w.
func (s *Or) Recheck(ctx context.Context, w world.World) {
	s.update(ctx, w)
}

func (s *Or) update(ctx context.Context, w world.World) {
	s.locked(ctx, w, func(ctx context.Context, _ *state) {
		on := false
		for _, in := range s.inputs {
			holds, err := in.holds(ctx, w)
			if err != nil {
				s.fail(w, err)
				continue
			}
			if holds {
				on = true
				break
			}
		}
		s.publish(ctx, w, on)
	})
}

func (s *Or) record(rec store.Record) {
	inputs := make([]store.Record, 0, len(s.inputs))
	for _, in := range s.inputs {
		inputs = append(inputs, store.Record{
			keyBaseSensor: in.dev.ID(),
			keyBaseParam:  in.param.Name(),
			keyBaseSet:    in.text(),
		})
	}
	rec[keyInputs] = inputs
}
