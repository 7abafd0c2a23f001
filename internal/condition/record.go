package condition

import (
	"fmt"

	"homectl/internal/device"
	"homectl/internal/store"
)

// Condition record types.
const (
	TypeParameter = "Parameter"
	TypeRange     = "Range"
	TypeAnd       = "And"
	TypeOr        = "Or"
	TypeDuration  = "Duration"
	TypeTime      = "Time"
	TypeDisabled  = "Disabled"
)

const (
	keyTrigger    = "TRIGGER"
	keyDevice     = "DEVICE"
	keyParameter  = "PARAMETER"
	keyValue      = "VALUE"
	keyOperator   = "OPERATOR"
	keyLow        = "LOW"
	keyHigh       = "HIGH"
	keyConditions = "CONDITIONS"
	keyCondition  = "CONDITION"
	keyMin        = "MIN"
	keyMax        = "MAX"
	keyFrom       = "FROM"
	keyTo         = "TO"
)

// Finder resolves device references while loading records.
type Finder interface {
	FindDevice(id string) (*device.Device, bool)
}

// FromRecord rebuilds a condition, including nested subconditions.
func FromRecord(rec store.Record, finder Finder, deps Deps) (Condition, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: empty record", ErrInvalid)
	}
	opts := headerOptions(rec, deps)
	switch typ := rec.String(store.KeyType, ""); typ {
	case TypeParameter:
		d, err := findDevice(rec, finder)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithOperator(Operator(rec.String(keyOperator, string(OpEQL)))))
		return NewParameter(d, rec.String(keyParameter, ""), rec[keyValue], opts...)
	case TypeRange:
		d, err := findDevice(rec, finder)
		if err != nil {
			return nil, err
		}
		return NewRange(d, rec.String(keyParameter, ""), rec.Float(keyLow, 0), rec.Float(keyHigh, 0), opts...)
	case TypeAnd, TypeOr:
		var subs []Condition
		for _, sub := range rec.Records(keyConditions) {
			c, err := FromRecord(sub, finder, deps)
			if err != nil {
				return nil, err
			}
			subs = append(subs, c)
		}
		if typ == TypeAnd {
			return NewAnd(subs, opts...)
		}
		return NewOr(subs, opts...)
	case TypeDuration:
		subRec, ok := rec.Record(keyCondition)
		if !ok {
			return nil, fmt.Errorf("%w: duration without %s", ErrInvalid, keyCondition)
		}
		sub, err := FromRecord(subRec, finder, deps)
		if err != nil {
			return nil, err
		}
		return NewDuration(sub, rec.Duration(keyMin, 0), rec.Duration(keyMax, 0), deps, opts...)
	case TypeTime:
		from, err := ParseClock(rec.String(keyFrom, ""))
		if err != nil {
			return nil, err
		}
		to, err := ParseClock(rec.String(keyTo, ""))
		if err != nil {
			return nil, err
		}
		return NewTime(from, to, deps, opts...)
	case TypeDisabled:
		d, err := findDevice(rec, finder)
		if err != nil {
			return nil, err
		}
		return NewDisabled(d, deps, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func headerOptions(rec store.Record, deps Deps) []Option {
	opts := []Option{
		WithID(rec.String(store.KeyID, "")),
		WithName(rec.String(store.KeyName, "")),
		WithLabel(rec.String(store.KeyLabel, "")),
		WithDescription(rec.String(store.KeyDescription, "")),
		WithLogger(deps.Logger),
	}
	if rec.Bool(keyTrigger, false) {
		opts = append(opts, AsTrigger())
	}
	return opts
}

func findDevice(rec store.Record, finder Finder) (*device.Device, error) {
	id := rec.String(keyDevice, "")
	if finder == nil || id == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingDevice, id)
	}
	d, ok := finder.FindDevice(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDevice, id)
	}
	return d, nil
}
