package device

import (
	"fmt"

	"homectl/internal/parameter"
	"homectl/internal/store"
)

const (
	keyEnabled      = "ENABLED"
	keyCapabilities = "CAPABILITIES"
	keyParameters   = "PARAMETERS"
	keyTransitions  = "TRANSITIONS"
	keyBridge       = "BRIDGE"
	keyDepends      = "DEPENDS"
)

// BridgeFinder resolves a bridge by name.
type BridgeFinder interface {
	FindBridge(name string) (Bridge, bool)
}

// ToRecord serializes the device. Kind-specific fields come from the
// Record hook.
func (d *Device) ToRecord() store.Record {
	rec := store.Record{
		store.KeyID:   d.id,
		store.KeyName: d.name,
		store.KeyType: d.kind,
		keyEnabled:    d.Enabled(),
	}
	if d.label != "" {
		rec[store.KeyLabel] = d.label
	}
	if d.description != "" {
		rec[store.KeyDescription] = d.description
	}
	if caps := d.Capabilities(); len(caps) > 0 {
		rec[keyCapabilities] = caps
	}
	if d.bridge != nil {
		rec[keyBridge] = d.bridge.Name()
	}
	var deps []string
	for _, dep := range d.Dependencies() {
		deps = append(deps, dep.ID())
	}
	if len(deps) > 0 {
		rec[keyDepends] = deps
	}
	params := make([]store.Record, 0)
	for _, p := range d.Parameters() {
		params = append(params, p.ToRecord())
	}
	rec[keyParameters] = params
	transitions := make([]store.Record, 0)
	for _, t := range d.Transitions() {
		transitions = append(transitions, t.ToRecord())
	}
	rec[keyTransitions] = transitions
	if d.hooks.Record != nil {
		d.hooks.Record(rec)
	}
	return rec
}

// RecordHeader extracts the options every device kind shares from a record.
func RecordHeader(rec store.Record) []Option {
	opts := []Option{
		WithID(rec.String(store.KeyID, "")),
		WithLabel(rec.String(store.KeyLabel, "")),
		WithDescription(rec.String(store.KeyDescription, "")),
	}
	if !rec.Bool(keyEnabled, true) {
		opts = append(opts, Disabled())
	}
	return opts
}

// FromRecord rebuilds a plain device. Capabilities are re-attached through
// caps so transitions regain their local effects; the bridge is resolved
// through bridges.
func FromRecord(rec store.Record, caps *Capabilities, bridges BridgeFinder) (*Device, error) {
	if kind := rec.String(store.KeyType, KindDevice); kind != KindDevice {
		return nil, fmt.Errorf("device: record type %q is not a plain device", kind)
	}
	opts := RecordHeader(rec)
	if name := rec.String(keyBridge, ""); name != "" {
		if bridges == nil {
			return nil, fmt.Errorf("device: bridge %q: no bridges configured", name)
		}
		b, ok := bridges.FindBridge(name)
		if !ok {
			return nil, fmt.Errorf("device: bridge %q not found", name)
		}
		opts = append(opts, WithBridge(b))
	}
	d, err := New(rec.String(store.KeyName, ""), opts...)
	if err != nil {
		return nil, err
	}
	for _, prec := range rec.Records(keyParameters) {
		p, err := parameter.FromRecord(prec)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.name, err)
		}
		d.AddParameter(p)
	}
	for _, trec := range rec.Records(keyTransitions) {
		t, err := TransitionFromRecord(trec)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.name, err)
		}
		d.AddTransition(t)
	}
	if caps != nil {
		if err := caps.Attach(d, rec.Strings(keyCapabilities)...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DependencyIDs returns the ids of the devices a record depends on.
func DependencyIDs(rec store.Record) []string {
	return rec.Strings(keyDepends)
}
