package condition

import (
	"context"
	"fmt"
	"strings"

	"homectl/internal/device"
	"homectl/internal/store"
	"homectl/internal/world"
)

// Logical combines subconditions with AND or OR.
type Logical struct {
	base
	typ  string
	subs []Condition
}

// NewAnd holds while every subcondition holds.
func NewAnd(subs []Condition, opts ...Option) (*Logical, error) {
	return newLogical(TypeAnd, subs, opts)
}

// NewOr holds while any subcondition holds.
func NewOr(subs []Condition, opts ...Option) (*Logical, error) {
	return newLogical(TypeOr, subs, opts)
}

func newLogical(typ string, subs []Condition, opts []Option) (*Logical, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: %s needs subconditions", ErrInvalid, typ)
	}
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub == nil {
			return nil, fmt.Errorf("%w: nil subcondition", ErrInvalid)
		}
		names = append(names, sub.Name())
	}
	s := buildSettings(opts)
	c := &Logical{typ: typ, subs: append([]Condition(nil), subs...)}
	for _, sub := range subs {
		if sub.IsTrigger() {
			s.trigger = true
		}
	}
	sep := " & "
	if typ == TypeOr {
		sep = " | "
	}
	c.init(c, s, "("+strings.Join(names, sep)+")")
	c.attach = c.listen
	return c, nil
}

func (c *Logical) Type() string { return c.typ }

// Subconditions returns the combined conditions.
func (c *Logical) Subconditions() []Condition {
	return append([]Condition(nil), c.subs...)
}

// Sensors is the union of the subconditions' sensors.
func (c *Logical) Sensors() []*device.Device {
	return sensorUnion(c.subs...)
}

func (c *Logical) listen() func() {
	h := Funcs{
		OnFunc: func(ctx context.Context, w world.World, _ Condition, _ world.Properties) {
			c.recheck(ctx, w)
		},
		OffFunc: func(ctx context.Context, w world.World, _ Condition) {
			c.recheck(ctx, w)
		},
		TriggerFunc: func(ctx context.Context, w world.World, _ Condition, props world.Properties) {
			c.recheckTrigger(ctx, w, props)
		},
		ErrorFunc: func(ctx context.Context, w world.World, _ Condition, err error) {
			c.fireError(ctx, w, err)
		},
	}
	removers := make([]func(), 0, len(c.subs))
	for _, sub := range c.subs {
		removers = append(removers, sub.AddHandler(h))
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

func (c *Logical) recheck(ctx context.Context, w world.World) {
	props, err := c.Status(ctx, w)
	if c.trigger && err == nil {
		// Only trigger subconditions fire a trigger combination.
		if props == nil {
			c.setState(w, nil)
		}
		return
	}
	c.publish(ctx, w, props, err)
}

// recheckTrigger fires when a trigger subcondition fires and the rest of
// the combination holds at that moment.
func (c *Logical) recheckTrigger(ctx context.Context, w world.World, fired world.Properties) {
	props, err := c.Status(ctx, w)
	if err != nil {
		c.fireError(ctx, w, err)
		return
	}
	if props == nil && c.typ == TypeOr {
		props = world.Properties{}
	}
	if props == nil {
		return
	}
	merged := props.Clone()
	for k, v := range fired {
		merged[k] = v
	}
	c.setState(w, merged)
	c.fireTrigger(ctx, w, merged)
}

// Status merges the properties of the holding subconditions. An AND fails
// on the first subcondition that does not hold; an OR returns the first one
// that does. Evaluation errors make the combination fail.
func (c *Logical) Status(ctx context.Context, w world.World) (world.Properties, error) {
	merged := world.Properties{}
	for _, sub := range c.subs {
		props, err := sub.Status(ctx, w)
		if err != nil {
			return nil, evalError(c.name, err)
		}
		if c.typ == TypeOr {
			if props != nil {
				return props, nil
			}
			continue
		}
		if props == nil {
			return nil, nil
		}
		for k, v := range props {
			merged[k] = v
		}
	}
	if c.typ == TypeOr {
		return nil, nil
	}
	return merged, nil
}

// IsConsistentWith requires every subcondition of an AND, or any
// subcondition of an OR, to be consistent with other.
func (c *Logical) IsConsistentWith(other Condition) bool {
	if other == nil || other == Condition(c) {
		return true
	}
	if c.typ == TypeOr {
		for _, sub := range c.subs {
			if sub.IsConsistentWith(other) {
				return true
			}
		}
		return false
	}
	for _, sub := range c.subs {
		if !sub.IsConsistentWith(other) {
			return false
		}
	}
	return true
}

// ToRecord serializes the condition with its subconditions inline.
func (c *Logical) ToRecord() store.Record {
	rec := c.header(c.typ)
	subs := make([]store.Record, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub.ToRecord())
	}
	rec[keyConditions] = subs
	return rec
}
