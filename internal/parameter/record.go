package parameter

import (
	"math"

	"homectl/internal/store"
)

const (
	keyMin     = "MIN"
	keyMax     = "MAX"
	keyValues  = "VALUES"
	keySensor  = "ISSENSOR"
	keyUnits   = "UNITS"
	keyTrack   = "TRACK_CHANGES"
	keyDefault = "DEFAULT"
)

// ToRecord serializes the descriptor.
func (p *Parameter) ToRecord() store.Record {
	rec := store.Record{
		store.KeyName: p.name,
		store.KeyType: string(p.typ),
	}
	if p.label != "" {
		rec[store.KeyLabel] = p.label
	}
	if p.description != "" {
		rec[store.KeyDescription] = p.description
	}
	if !math.IsInf(p.min, -1) {
		rec[keyMin] = p.min
	}
	if !math.IsInf(p.max, 1) {
		rec[keyMax] = p.max
	}
	if len(p.values) > 0 {
		rec[keyValues] = append([]string(nil), p.values...)
	}
	if p.sensor {
		rec[keySensor] = true
	}
	if p.units != "" {
		rec[keyUnits] = p.units
	}
	if p.trackChanges {
		rec[keyTrack] = true
	}
	return rec
}

// FromRecord rebuilds a descriptor saved by ToRecord.
func FromRecord(rec store.Record) (*Parameter, error) {
	opts := []Option{
		WithLabel(rec.String(store.KeyLabel, "")),
		WithDescription(rec.String(store.KeyDescription, "")),
		WithUnits(rec.String(keyUnits, "")),
		WithRange(rec.Float(keyMin, math.Inf(-1)), rec.Float(keyMax, math.Inf(1))),
	}
	if values := rec.Strings(keyValues); len(values) > 0 {
		opts = append(opts, WithValues(values...))
	}
	if rec.Bool(keySensor, false) {
		opts = append(opts, AsSensor())
	}
	if rec.Bool(keyTrack, false) {
		opts = append(opts, TrackChanges())
	}
	return New(rec.String(store.KeyName, ""), Type(rec.String(store.KeyType, "")), opts...)
}

// Values maps parameter names to values, as carried by actions and transitions.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge overlays other onto a copy of v.
func (v Values) Merge(other Values) Values {
	out := v.Clone()
	for k, val := range other {
		out[k] = val
	}
	return out
}

// DefaultKey is the record key holding a transition parameter's default.
const DefaultKey = keyDefault
