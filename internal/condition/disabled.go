package condition

import (
	"context"

	"homectl/internal/device"
	"homectl/internal/store"
	"homectl/internal/world"
)

// Disabled holds while a device is disabled. Enablement is not per world,
// so the condition only publishes for the current world.
type Disabled struct {
	base
	device  *device.Device
	current world.World
}

// NewDisabled watches the enablement of d.
func NewDisabled(d *device.Device, deps Deps, opts ...Option) (*Disabled, error) {
	if d == nil {
		return nil, ErrMissingDevice
	}
	s := buildSettings(opts)
	c := &Disabled{device: d, current: deps.Current}
	c.init(c, s, d.Name()+" disabled")
	c.attach = func() func() {
		return d.AddEnableListener(func(ctx context.Context, _ *device.Device, _ bool) {
			if c.current != nil {
				c.Recheck(ctx, c.current)
			}
		})
	}
	return c, nil
}

func (c *Disabled) Type() string              { return TypeDisabled }
func (c *Disabled) IsBase() bool              { return true }
func (c *Disabled) Device() *device.Device    { return c.device }
func (c *Disabled) Sensors() []*device.Device { return []*device.Device{c.device} }

func (c *Disabled) IsConsistentWith(Condition) bool { return true }

// Status holds while the device is disabled.
func (c *Disabled) Status(context.Context, world.World) (world.Properties, error) {
	if c.device.Enabled() {
		return nil, nil
	}
	return world.Properties{PropDevice: c.device.Name()}, nil
}

// Recheck re-evaluates w.
func (c *Disabled) Recheck(ctx context.Context, w world.World) {
	props, err := c.Status(ctx, w)
	c.publish(ctx, w, props, err)
}

// ToRecord serializes the condition.
func (c *Disabled) ToRecord() store.Record {
	rec := c.header(TypeDisabled)
	rec[keyDevice] = c.device.ID()
	return rec
}
