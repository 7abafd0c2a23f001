package sensor

import (
	"fmt"

	"homectl/internal/device"
	"homectl/internal/store"
)

// Finder resolves the devices a sensor reads.
type Finder interface {
	FindDevice(id string) (*device.Device, bool)
}

// FromRecord rebuilds a virtual sensor. Its inputs must already be
// resolvable through finder.
func FromRecord(rec store.Record, finder Finder, deps Deps) (Sensor, error) {
	name := rec.String(store.KeyName, "")
	opts := device.RecordHeader(rec)
	switch kind := rec.String(store.KeyType, ""); kind {
	case KindDuration:
		in, err := inputFromRecord(rec, finder)
		if err != nil {
			return nil, err
		}
		return NewDuration(name, in, rec.Duration(keyMin, 0), rec.Duration(keyMax, 0), deps, opts...)
	case KindLatch:
		in, err := inputFromRecord(rec, finder)
		if err != nil {
			return nil, err
		}
		lo := LatchOptions{
			ResetAfter: rec.Duration(keyAfter, 0),
			OffAfter:   rec.Duration(keyOffAfter, 0),
		}
		if _, ok := rec[keyReset]; ok {
			lo.ResetAt = rec.Duration(keyReset, 0)
			lo.HasResetAt = true
		}
		return NewLatch(name, in, lo, deps, opts...)
	case KindOr:
		var inputs []Input
		for _, sub := range rec.Records(keyInputs) {
			in, err := inputFromRecord(sub, finder)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, in)
		}
		return NewOr(name, inputs, deps, opts...)
	case KindDebouncer:
		d, err := findDevice(rec.String(keyBaseSensor, ""), finder)
		if err != nil {
			return nil, err
		}
		return NewDebouncer(name, d, rec.String(keyBaseParam, ""), rec.Duration(keyStable, 0), deps, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func inputFromRecord(rec store.Record, finder Finder) (Input, error) {
	d, err := findDevice(rec.String(keyBaseSensor, ""), finder)
	if err != nil {
		return Input{}, err
	}
	in := Input{Device: d, Parameter: rec.String(keyBaseParam, "")}
	if v, ok := rec[keyBaseSet]; ok {
		in.Value = v
	}
	return in, nil
}

func findDevice(id string, finder Finder) (*device.Device, error) {
	if finder == nil || id == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingDevice, id)
	}
	d, ok := finder.FindDevice(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDevice, id)
	}
	return d, nil
}
