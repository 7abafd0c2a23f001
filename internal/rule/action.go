package rule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/world"
)

// Action applies one device transition with fixed parameter values.
type Action struct {
	id         string
	name       string
	device     *device.Device
	transition string
	values     parameter.Values
	trigger    bool
}

// ActionOption customizes an action.
type ActionOption func(*Action)

// WithActionID assigns a stable id.
func WithActionID(id string) ActionOption {
	return func(a *Action) {
		if id != "" {
			a.id = id
		}
	}
}

// WithActionName overrides the generated name.
func WithActionName(name string) ActionOption {
	return func(a *Action) {
		if name != "" {
			a.name = name
		}
	}
}

// TriggerOnly marks an action that runs only when its rule becomes active,
// not on every pass that finds the rule still active.
func TriggerOnly() ActionOption {
	return func(a *Action) {
		a.trigger = true
	}
}

// NewAction binds transition of d with values.
func NewAction(d *device.Device, transition string, values parameter.Values, opts ...ActionOption) (*Action, error) {
	if d == nil {
		return nil, ErrMissingDevice
	}
	if d.FindTransition(transition) == nil {
		return nil, fmt.Errorf("%w: %s.%s", device.ErrUnknownTransition, d.Name(), transition)
	}
	a := &Action{
		id:         "ACTION_" + uuid.NewString(),
		device:     d,
		transition: transition,
		values:     values.Clone(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.name == "" {
		a.name = a.describe()
	}
	return a, nil
}

func (a *Action) ID() string               { return a.id }
func (a *Action) Name() string             { return a.name }
func (a *Action) Device() *device.Device   { return a.device }
func (a *Action) TransitionName() string   { return a.transition }
func (a *Action) Values() parameter.Values { return a.values.Clone() }
func (a *Action) IsTrigger() bool          { return a.trigger }
func (a *Action) String() string           { return a.name }

// Perform applies the transition in w. Trigger properties override action
// values for the parameters the transition declares.
func (a *Action) Perform(ctx context.Context, w world.World, props world.Properties) error {
	t := a.device.FindTransition(a.transition)
	if t == nil {
		return &device.ActionError{Device: a.device.Name(), Transition: a.transition, Err: device.ErrUnknownTransition}
	}
	return a.device.Apply(ctx, t, t.Merge(a.values, props), w)
}

// describe renders device.transition(k=v,...) with keys sorted.
func (a *Action) describe() string {
	keys := make([]string, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.values[k]))
	}
	return fmt.Sprintf("%s.%s(%s)", a.device.Name(), a.transition, strings.Join(parts, ","))
}
