package device

import (
	"fmt"
	"sort"
	"sync"

	"homectl/internal/parameter"
)

// Builder returns the parameters and transitions a capability adds to a
// device. It is called once per device so results are never shared.
type Builder func() ([]*parameter.Parameter, []*Transition)

// Capabilities maps capability tags to builders. One instance is created at
// startup and handed to whatever constructs devices.
type Capabilities struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewCapabilities returns a registry holding the built-in capabilities.
func NewCapabilities() *Capabilities {
	c := &Capabilities{builders: make(map[string]Builder)}
	c.Register("switch", switchCapability)
	c.Register("level", levelCapability)
	c.Register("motion", sensorCapability(parameter.NewBoolean("motion", parameter.AsSensor(), parameter.TrackChanges())))
	c.Register("presence", sensorCapability(parameter.NewEnum("presence", []string{"present", "not_present"}, parameter.AsSensor())))
	c.Register("contact", sensorCapability(parameter.NewEnum("contact", []string{"open", "closed"}, parameter.AsSensor(), parameter.TrackChanges())))
	c.Register("temperature", sensorCapability(parameter.NewReal("temperature", -50, 150, parameter.AsSensor(), parameter.WithUnits("C"))))
	c.Register("color", colorCapability)
	c.Register("lock", lockCapability)
	return c
}

// Register adds or replaces the builder for tag.
func (c *Capabilities) Register(tag string, b Builder) {
	if tag == "" || b == nil {
		return
	}
	c.mu.Lock()
	c.builders[tag] = b
	c.mu.Unlock()
}

// Tags returns the registered tags in sorted order.
func (c *Capabilities) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.builders))
	for tag := range c.builders {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Attach adds the parameters and transitions of each tag to d. Parameters
// the device already has are kept; transitions are replaced so that local
// effects survive a reload.
func (c *Capabilities) Attach(d *Device, tags ...string) error {
	for _, tag := range tags {
		c.mu.RLock()
		b, ok := c.builders[tag]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCapability, tag)
		}
		params, transitions := b()
		for _, p := range params {
			d.AddParameter(p)
		}
		for _, t := range transitions {
			d.AddTransition(t)
		}
		d.addCapability(tag)
	}
	return nil
}

func sensorCapability(p *parameter.Parameter) Builder {
	return func() ([]*parameter.Parameter, []*Transition) {
		return []*parameter.Parameter{p.Rename(p.Name())}, nil
	}
}

func switchCapability() ([]*parameter.Parameter, []*Transition) {
	p := parameter.NewEnum("switch", []string{"on", "off"}, parameter.TrackChanges())
	return []*parameter.Parameter{p}, []*Transition{
		MustTransition("on", WithTarget("switch"), WithDefault("switch", "on"), WithTransitionLabel("Turn on")),
		MustTransition("off", WithTarget("switch"), WithDefault("switch", "off"), WithTransitionLabel("Turn off")),
	}
}

func levelCapability() ([]*parameter.Parameter, []*Transition) {
	p := parameter.NewInteger("level", 0, 100, parameter.WithUnits("%"))
	return []*parameter.Parameter{p}, []*Transition{
		MustTransition("setLevel", WithTarget("level"), WithParameter(p.Rename("level"), int64(100)), WithTransitionLabel("Set level")),
	}
}

func colorCapability() ([]*parameter.Parameter, []*Transition) {
	p := parameter.MustNew("color", parameter.TypeColor)
	return []*parameter.Parameter{p}, []*Transition{
		MustTransition("setColor", WithTarget("color"), WithParameter(p.Rename("color"), "#ffffff"), WithTransitionLabel("Set color")),
	}
}

func lockCapability() ([]*parameter.Parameter, []*Transition) {
	p := parameter.NewEnum("lock", []string{"locked", "unlocked"}, parameter.TrackChanges())
	return []*parameter.Parameter{p}, []*Transition{
		MustTransition("lock", WithTarget("lock"), WithDefault("lock", "locked")),
		MustTransition("unlock", WithTarget("lock"), WithDefault("lock", "unlocked")),
	}
}
