package device

import (
	"context"
	"errors"
	"strings"

	"homectl/internal/parameter"
	"homectl/internal/store"
	"homectl/internal/world"
)

// TransitionType classifies what a transition does to its device.
type TransitionType string

const (
	// StateChange sets a persistent state, e.g. switching a light on.
	StateChange TransitionType = "STATE_CHANGE"
	// TemporaryChange changes state for a while, e.g. flashing a light.
	TemporaryChange TransitionType = "TEMPORARY_CHANGE"
	// Trigger fires a one-off event with no lasting state.
	Trigger TransitionType = "TRIGGER"
)

// Effect performs a transition locally against a world.
type Effect func(ctx context.Context, d *Device, w world.World, values parameter.Values) error

// Transition is a named, parameterized operation a device can perform.
type Transition struct {
	name        string
	label       string
	description string
	typ         TransitionType
	params      []*parameter.Parameter
	defaults    parameter.Values
	target      string
	effect      Effect
}

// TransitionOption customizes a transition.
type TransitionOption func(*Transition)

// WithTransitionLabel sets the display label.
func WithTransitionLabel(label string) TransitionOption {
	return func(t *Transition) {
		t.label = label
	}
}

// WithTransitionDescription sets the description.
func WithTransitionDescription(description string) TransitionOption {
	return func(t *Transition) {
		t.description = description
	}
}

// WithTransitionType overrides the default StateChange type.
func WithTransitionType(typ TransitionType) TransitionOption {
	return func(t *Transition) {
		if typ != "" {
			t.typ = typ
		}
	}
}

// WithParameter declares a transition parameter and its default value.
func WithParameter(p *parameter.Parameter, def any) TransitionOption {
	return func(t *Transition) {
		if p == nil {
			return
		}
		t.params = append(t.params, p)
		if def != nil {
			t.defaults[p.Name()] = def
		}
	}
}

// WithDefault sets a default value without declaring a parameter, used for
// fixed-value transitions such as "on" and "off".
func WithDefault(name string, value any) TransitionOption {
	return func(t *Transition) {
		t.defaults[name] = value
	}
}

// WithTarget names the device parameter the transition writes.
func WithTarget(name string) TransitionOption {
	return func(t *Transition) {
		t.target = name
	}
}

// WithEffect installs a local effect.
func WithEffect(effect Effect) TransitionOption {
	return func(t *Transition) {
		t.effect = effect
	}
}

// NewTransition constructs a transition.
func NewTransition(name string, opts ...TransitionOption) (*Transition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("device: empty transition name")
	}
	t := &Transition{name: name, typ: StateChange, defaults: make(parameter.Values)}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// MustTransition is NewTransition for names known to be valid.
func MustTransition(name string, opts ...TransitionOption) *Transition {
	t, err := NewTransition(name, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Transition) Name() string         { return t.name }
func (t *Transition) Type() TransitionType { return t.typ }
func (t *Transition) Target() string       { return t.target }
func (t *Transition) Description() string  { return t.description }
func (t *Transition) HasEffect() bool      { return t.effect != nil }

// Label returns the display label, falling back to the name.
func (t *Transition) Label() string {
	if t.label == "" {
		return t.name
	}
	return t.label
}

// Parameters returns the declared transition parameters.
func (t *Transition) Parameters() []*parameter.Parameter {
	return append([]*parameter.Parameter(nil), t.params...)
}

// Defaults returns a copy of the default values.
func (t *Transition) Defaults() parameter.Values {
	return t.defaults.Clone()
}

// FindParameter returns a declared parameter by name.
func (t *Transition) FindParameter(name string) *parameter.Parameter {
	for _, p := range t.params {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Merge combines defaults, action values and trigger properties, in that
// order of precedence from lowest to highest. Properties only override names
// the transition declares or defaults.
func (t *Transition) Merge(values parameter.Values, props world.Properties) parameter.Values {
	out := t.defaults.Merge(values)
	for k, v := range props {
		if _, ok := t.defaults[k]; ok || t.FindParameter(k) != nil {
			out[k] = v
		}
	}
	return out
}

// ToRecord serializes the transition. Local effects are code and are
// reattached by whatever rebuilds the device.
func (t *Transition) ToRecord() store.Record {
	rec := store.Record{
		store.KeyName: t.name,
		store.KeyType: string(t.typ),
	}
	if t.label != "" {
		rec[store.KeyLabel] = t.label
	}
	if t.description != "" {
		rec[store.KeyDescription] = t.description
	}
	if t.target != "" {
		rec["TARGET"] = t.target
	}
	params := make([]store.Record, 0, len(t.params))
	for _, p := range t.params {
		params = append(params, p.ToRecord())
	}
	rec["PARAMETERS"] = params
	if len(t.defaults) > 0 {
		rec[parameter.DefaultKey] = map[string]any(t.defaults.Clone())
	}
	return rec
}

// TransitionFromRecord rebuilds a transition saved by ToRecord.
func TransitionFromRecord(rec store.Record) (*Transition, error) {
	opts := []TransitionOption{
		WithTransitionLabel(rec.String(store.KeyLabel, "")),
		WithTransitionDescription(rec.String(store.KeyDescription, "")),
		WithTransitionType(TransitionType(rec.String(store.KeyType, string(StateChange)))),
		WithTarget(rec.String("TARGET", "")),
	}
	for _, prec := range rec.Records("PARAMETERS") {
		p, err := parameter.FromRecord(prec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithParameter(p, nil))
	}
	for k, v := range rec.Map(parameter.DefaultKey) {
		opts = append(opts, WithDefault(k, v))
	}
	return NewTransition(rec.String(store.KeyName, ""), opts...)
}
