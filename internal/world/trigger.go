package world

import (
	"maps"
	"sort"
)

// TriggerKey marks properties produced by a trigger condition.
const TriggerKey = "*TRIGGER*"

// Properties are the string properties a condition reports while it holds.
type Properties map[string]string

// Clone returns a copy. A nil receiver yields an empty set.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both property sets hold the same pairs.
func (p Properties) Equal(other Properties) bool {
	return maps.Equal(p, other)
}

// TriggerContext describes what changed during a world update.
type TriggerContext struct {
	conditions map[string]Properties
	devices    map[string]struct{}
}

// NewTriggerContext returns an empty context.
func NewTriggerContext() *TriggerContext {
	return &TriggerContext{
		conditions: make(map[string]Properties),
		devices:    make(map[string]struct{}),
	}
}

// AddCondition records that a condition fired with props.
func (t *TriggerContext) AddCondition(conditionID string, props Properties) {
	t.conditions[conditionID] = props.Clone()
}

// AddDevice records that a device changed.
func (t *TriggerContext) AddDevice(deviceID string) {
	t.devices[deviceID] = struct{}{}
}

// Condition returns the properties a condition fired with.
func (t *TriggerContext) Condition(conditionID string) (Properties, bool) {
	if t == nil {
		return nil, false
	}
	props, ok := t.conditions[conditionID]
	return props, ok
}

// Changed reports whether a device changed.
func (t *TriggerContext) Changed(deviceID string) bool {
	if t == nil {
		return false
	}
	_, ok := t.devices[deviceID]
	return ok
}

// Devices returns the changed device ids in sorted order.
func (t *TriggerContext) Devices() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.devices))
	for id := range t.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether nothing was recorded.
func (t *TriggerContext) Empty() bool {
	return t == nil || (len(t.conditions) == 0 && len(t.devices) == 0)
}

// Merge folds other into t.
func (t *TriggerContext) Merge(other *TriggerContext) {
	if other == nil {
		return
	}
	for id, props := range other.conditions {
		t.conditions[id] = props
	}
	for id := range other.devices {
		t.devices[id] = struct{}{}
	}
}
