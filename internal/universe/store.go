package universe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"homectl/internal/device"
	"homectl/internal/rule"
	"homectl/internal/sensor"
	"homectl/internal/store"
)

// Save writes every device, virtual sensor and rule to st.
func (u *Universe) Save(ctx context.Context, st store.Store) error {
	for _, d := range u.registry.Devices() {
		if err := st.Save(ctx, store.KindDevice, d.ToRecord()); err != nil {
			return fmt.Errorf("universe: save device %s: %w", d.Name(), err)
		}
	}
	for _, r := range u.program.Rules() {
		if err := st.Save(ctx, store.KindRule, r.ToRecord()); err != nil {
			return fmt.Errorf("universe: save rule %s: %w", r.Name(), err)
		}
	}
	u.logger.Printf("universe: saved devices=%d rules=%d", len(u.registry.Devices()), len(u.program.Rules()))
	return nil
}

// Load rebuilds devices, virtual sensors and rules from st. Devices load in
// dependency order; rules load last so their references resolve.
func (u *Universe) Load(ctx context.Context, st store.Store) error {
	records, err := st.List(ctx, store.KindDevice)
	if err != nil {
		return fmt.Errorf("universe: list devices: %w", err)
	}
	pending := append([]store.Record(nil), records...)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].String(store.KeyID, "") < pending[j].String(store.KeyID, "")
	})
	for len(pending) > 0 {
		var next []store.Record
		progress := false
		for _, rec := range pending {
			if !u.resolvable(rec) {
				next = append(next, rec)
				continue
			}
			if err := u.loadDevice(ctx, rec); err != nil {
				return err
			}
			progress = true
		}
		if !progress {
			names := make([]string, 0, len(next))
			for _, rec := range next {
				names = append(names, rec.String(store.KeyName, rec.String(store.KeyID, "")))
			}
			return fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(names, ", "))
		}
		pending = next
	}

	rules, err := st.List(ctx, store.KindRule)
	if err != nil {
		return fmt.Errorf("universe: list rules: %w", err)
	}
	for _, rec := range rules {
		r, err := rule.FromRecord(rec, u, u.ConditionDeps())
		if err != nil {
			return fmt.Errorf("universe: rule %s: %w", rec.String(store.KeyName, rec.String(store.KeyID, "")), err)
		}
		if err := u.program.AddRule(r); err != nil {
			return err
		}
	}
	u.logger.Printf("universe: loaded devices=%d rules=%d", len(records), len(rules))
	return nil
}

// resolvable reports whether every device rec depends on is loaded.
func (u *Universe) resolvable(rec store.Record) bool {
	for _, id := range device.DependencyIDs(rec) {
		if _, ok := u.registry.Find(id); !ok {
			return false
		}
	}
	return true
}

func (u *Universe) loadDevice(ctx context.Context, rec store.Record) error {
	name := rec.String(store.KeyName, rec.String(store.KeyID, ""))
	if sensor.IsKind(rec.String(store.KeyType, "")) {
		s, err := sensor.FromRecord(rec, u, u.SensorDeps())
		if err != nil {
			return fmt.Errorf("universe: sensor %s: %w", name, err)
		}
		return u.AddSensor(ctx, s)
	}
	d, err := device.FromRecord(rec, u.caps, u)
	if err != nil {
		return fmt.Errorf("universe: device %s: %w", name, err)
	}
	return u.AddDevice(ctx, d)
}
