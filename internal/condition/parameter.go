package condition

import (
	"context"
	"fmt"

	"homectl/internal/device"
	"homectl/internal/parameter"
	"homectl/internal/store"
	"homectl/internal/world"
)

// Operator compares a device value with a bound value.
type Operator string

const (
	OpEQL Operator = "EQL"
	OpNEQ Operator = "NEQ"
	OpGTR Operator = "GTR"
	OpLSS Operator = "LSS"
	OpGEQ Operator = "GEQ"
	OpLEQ Operator = "LEQ"
)

// Matches applies the operator to a value and its bound.
func (op Operator) Matches(value, bound any) bool {
	if value == nil {
		return false
	}
	switch op {
	case OpNEQ:
		return !parameter.Equal(value, bound)
	case OpGTR:
		return parameter.Compare(value, bound) > 0
	case OpLSS:
		return parameter.Compare(value, bound) < 0
	case OpGEQ:
		return parameter.Compare(value, bound) >= 0
	case OpLEQ:
		return parameter.Compare(value, bound) <= 0
	}
	return parameter.Equal(value, bound)
}

func (op Operator) valid() bool {
	switch op {
	case OpEQL, OpNEQ, OpGTR, OpLSS, OpGEQ, OpLEQ:
		return true
	}
	return false
}

func (op Operator) symbol() string {
	switch op {
	case OpNEQ:
		return "!="
	case OpGTR:
		return ">"
	case OpLSS:
		return "<"
	case OpGEQ:
		return ">="
	case OpLEQ:
		return "<="
	}
	return "="
}

// Property keys reported by device-bound conditions.
const (
	PropDevice    = "DEVICE"
	PropParameter = "PARAMETER"
	PropValue     = "VALUE"
)

// Parameter is the base condition: a device parameter compared with a
// bound value.
type Parameter struct {
	base
	device *device.Device
	param  *parameter.Parameter
	value  any
	op     Operator
}

// NewParameter binds a condition to a device parameter and value.
func NewParameter(d *device.Device, name string, value any, opts ...Option) (*Parameter, error) {
	if d == nil {
		return nil, ErrMissingDevice
	}
	p := d.FindParameter(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingParameter, d.Name(), name)
	}
	v, err := p.Normalize(value)
	if err != nil {
		return nil, err
	}
	s := buildSettings(opts)
	if !s.op.valid() {
		return nil, fmt.Errorf("%w: operator %q", ErrInvalid, s.op)
	}
	c := &Parameter{device: d, param: p, value: v, op: s.op}
	text, _ := p.Unnormalize(v)
	c.init(c, s, fmt.Sprintf("%s.%s%s%s", d.Name(), p.Name(), s.op.symbol(), text))
	c.attach = func() func() {
		return d.AddListener(device.ListenerFunc(func(ctx context.Context, w world.World, _ *device.Device) {
			c.recheck(ctx, w)
		}))
	}
	return c, nil
}

func (c *Parameter) Type() string                    { return TypeParameter }
func (c *Parameter) IsBase() bool                    { return true }
func (c *Parameter) Device() *device.Device          { return c.device }
func (c *Parameter) Parameter() *parameter.Parameter { return c.param }
func (c *Parameter) Value() any                      { return c.value }
func (c *Parameter) Operator() Operator              { return c.op }
func (c *Parameter) Sensors() []*device.Device       { return []*device.Device{c.device} }

// Status reports whether the device value satisfies the operator in w.
func (c *Parameter) Status(ctx context.Context, w world.World) (world.Properties, error) {
	v, err := c.device.ValueInWorld(ctx, c.param, w)
	if err != nil {
		return nil, evalError(c.name, err)
	}
	if !c.op.Matches(v, c.value) {
		return nil, nil
	}
	text, _ := c.param.Unnormalize(v)
	return world.Properties{
		PropDevice:    c.device.Name(),
		PropParameter: c.param.Name(),
		PropValue:     text,
	}, nil
}

func (c *Parameter) recheck(ctx context.Context, w world.World) {
	props, err := c.Status(ctx, w)
	c.publish(ctx, w, props, err)
}

// IsConsistentWith is false only for another condition on the same device
// parameter that requires a value this one excludes.
func (c *Parameter) IsConsistentWith(other Condition) bool {
	if other == nil || other == Condition(c) {
		return true
	}
	switch o := other.(type) {
	case *Parameter:
		if o.device != c.device || o.param.Name() != c.param.Name() {
			return true
		}
		switch {
		case c.op == OpEQL && o.op == OpEQL:
			return parameter.Equal(c.value, o.value)
		case c.op == OpEQL:
			return o.op.Matches(c.value, o.value)
		case o.op == OpEQL:
			return c.op.Matches(o.value, c.value)
		}
		return true
	case *Range:
		return o.IsConsistentWith(c)
	case *Logical:
		return o.IsConsistentWith(c)
	}
	return true
}

// ToRecord serializes the condition.
func (c *Parameter) ToRecord() store.Record {
	rec := c.header(TypeParameter)
	rec[keyDevice] = c.device.ID()
	rec[keyParameter] = c.param.Name()
	text, _ := c.param.Unnormalize(c.value)
	rec[keyValue] = text
	rec[keyOperator] = string(c.op)
	return rec
}

// Range holds while a numeric parameter lies within [low, high].
type Range struct {
	base
	device *device.Device
	param  *parameter.Parameter
	low    float64
	high   float64
}

// NewRange binds a range condition to a numeric device parameter.
func NewRange(d *device.Device, name string, low, high float64, opts ...Option) (*Range, error) {
	if d == nil {
		return nil, ErrMissingDevice
	}
	p := d.FindParameter(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingParameter, d.Name(), name)
	}
	if p.Type() != parameter.TypeInteger && p.Type() != parameter.TypeReal {
		return nil, fmt.Errorf("%w: %s.%s is not numeric", ErrInvalid, d.Name(), name)
	}
	if low > high {
		low, high = high, low
	}
	s := buildSettings(opts)
	c := &Range{device: d, param: p, low: low, high: high}
	c.init(c, s, fmt.Sprintf("%s.%s in [%g,%g]", d.Name(), p.Name(), low, high))
	c.attach = func() func() {
		return d.AddListener(device.ListenerFunc(func(ctx context.Context, w world.World, _ *device.Device) {
			props, err := c.Status(ctx, w)
			c.publish(ctx, w, props, err)
		}))
	}
	return c, nil
}

func (c *Range) Type() string              { return TypeRange }
func (c *Range) IsBase() bool              { return true }
func (c *Range) Sensors() []*device.Device { return []*device.Device{c.device} }

func (c *Range) contains(v any) bool {
	return parameter.Compare(v, c.low) >= 0 && parameter.Compare(v, c.high) <= 0
}

// Status reports whether the value lies within the range in w.
func (c *Range) Status(ctx context.Context, w world.World) (world.Properties, error) {
	v, err := c.device.ValueInWorld(ctx, c.param, w)
	if err != nil {
		return nil, evalError(c.name, err)
	}
	if v == nil || !c.contains(v) {
		return nil, nil
	}
	text, _ := c.param.Unnormalize(v)
	return world.Properties{
		PropDevice:    c.device.Name(),
		PropParameter: c.param.Name(),
		PropValue:     text,
	}, nil
}

// IsConsistentWith checks overlap with other conditions on the same
// parameter.
func (c *Range) IsConsistentWith(other Condition) bool {
	if other == nil || other == Condition(c) {
		return true
	}
	switch o := other.(type) {
	case *Range:
		if o.device != c.device || o.param.Name() != c.param.Name() {
			return true
		}
		return c.low <= o.high && o.low <= c.high
	case *Parameter:
		if o.device != c.device || o.param.Name() != c.param.Name() || o.op != OpEQL {
			return true
		}
		return c.contains(o.value)
	case *Logical:
		return o.IsConsistentWith(c)
	}
	return true
}

// ToRecord serializes the condition.
func (c *Range) ToRecord() store.Record {
	rec := c.header(TypeRange)
	rec[keyDevice] = c.device.ID()
	rec[keyParameter] = c.param.Name()
	rec[keyLow] = c.low
	rec[keyHigh] = c.high
	return rec
}
