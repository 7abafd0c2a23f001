package rule

import (
	"fmt"

	"homectl/internal/condition"
	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/store"
)

const (
	keyPriority   = "PRIORITY"
	keyExplicit   = "EXPLICIT"
	keyCreated    = "CREATED"
	keyCondition  = "CONDITION"
	keyActions    = "ACTIONS"
	keyDevice     = "DEVICE"
	keyTransition = "TRANSITION"
	keyParameters = "PARAMETERS"
	keyTrigger    = "TRIGGER"
)

// Finder resolves the devices rules refer to.
type Finder interface {
	FindDevice(id string) (*device.Device, bool)
}

// ToRecord serializes the rule with its condition and actions inline.
func (r *Rule) ToRecord() store.Record {
	rec := store.Record{
		store.KeyID:    r.id,
		store.KeyName:  r.name,
		store.KeyLabel: r.label,
		keyPriority:    r.Priority(),
		keyExplicit:    r.explicit,
		keyCreated:     r.created.UnixMilli(),
		keyCondition:   r.cond.ToRecord(),
	}
	if r.description != "" {
		rec[store.KeyDescription] = r.description
	}
	actions := make([]store.Record, 0, len(r.actions))
	for _, a := range r.actions {
		actions = append(actions, a.ToRecord())
	}
	rec[keyActions] = actions
	return rec
}

// FromRecord rebuilds a rule. Devices are resolved through finder.
func FromRecord(rec store.Record, finder Finder, deps condition.Deps) (*Rule, error) {
	condRec, ok := rec.Record(keyCondition)
	if !ok {
		return nil, ErrMissingCondition
	}
	cond, err := condition.FromRecord(condRec, finder, deps)
	if err != nil {
		return nil, err
	}
	var actions []*Action
	for _, arec := range rec.Records(keyActions) {
		a, err := ActionFromRecord(arec, finder)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	opts := []Option{
		WithID(rec.String(store.KeyID, "")),
		WithName(rec.String(store.KeyName, "")),
		WithLabel(rec.String(store.KeyLabel, "")),
		WithDescription(rec.String(store.KeyDescription, "")),
		WithCreated(rec.Time(keyCreated)),
	}
	if !rec.Bool(keyExplicit, true) {
		opts = append(opts, Implicit())
	}
	return New(cond, actions, rec.Float(keyPriority, -1), opts...)
}

// ToRecord serializes the action. The device is stored by id.
func (a *Action) ToRecord() store.Record {
	rec := store.Record{
		store.KeyID:   a.id,
		store.KeyName: a.name,
		keyDevice:     a.device.ID(),
		keyTransition: a.transition,
		keyParameters: map[string]any(a.values.Clone()),
	}
	if a.trigger {
		rec[keyTrigger] = true
	}
	return rec
}

// ActionFromRecord rebuilds an action.
func ActionFromRecord(rec store.Record, finder Finder) (*Action, error) {
	id := rec.String(keyDevice, "")
	if finder == nil || id == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingDevice, id)
	}
	d, ok := finder.FindDevice(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDevice, id)
	}
	opts := []ActionOption{
		WithActionID(rec.String(store.KeyID, "")),
		WithActionName(rec.String(store.KeyName, "")),
	}
	if rec.Bool(keyTrigger, false) {
		opts = append(opts, TriggerOnly())
	}
	return NewAction(d, rec.String(keyTransition, ""), parameter.Values(rec.Map(keyParameters)), opts...)
}
