// Package sensor implements virtual devices whose boolean state is derived
// from other devices over time.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homectl/internal/device"
	"homectl/internal/observability/metrics"
	"homectl/internal/parameter"
	"homectl/internal/scheduler"
	"homectl/internal/store"
	"homectl/internal/world"
)

// Output is the name of the parameter every virtual sensor publishes.
const Output = "state"

// Device record types of the virtual sensors.
const (
	KindDuration  = "DurationSensor"
	KindLatch     = "LatchSensor"
	KindOr        = "OrSensor"
	KindDebouncer = "Debouncer"
)

var (
	// ErrInvalid is returned for a malformed sensor definition.
	ErrInvalid = errors.New("sensor: invalid definition")
	// ErrMissingDevice is returned when an input device cannot be resolved.
	ErrMissingDevice = errors.New("sensor: missing device")
	// ErrUnknownKind is returned for a record that is not a virtual sensor.
	ErrUnknownKind = errors.New("sensor: unknown kind")
)

// Sensor is a virtual device.
type Sensor interface {
	Device() *device.Device
	// Recheck re-evaluates w at its current clock. Hypothetical worlds have
	// no timers and rely on it after their clock moves.
	Recheck(ctx context.Context, w world.World)
}

// IsKind reports whether a device record type belongs to a virtual sensor.
func IsKind(kind string) bool {
	switch kind {
	case KindDuration, KindLatch, KindOr, KindDebouncer:
		return true
	}
	return false
}

// Deps are the collaborators a sensor needs.
type Deps struct {
	Scheduler scheduler.Scheduler
	Current   world.World
	Logger    *log.Logger
	Location  *time.Location
}

func (d Deps) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

func (d Deps) location() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

// Input selects the state of a device parameter a sensor watches. A nil
// Value means true.
type Input struct {
	Device    *device.Device
	Parameter string
	Value     any
}

type input struct {
	dev   *device.Device
	param *parameter.Parameter
	value any
}

func resolve(in Input) (input, error) {
	if in.Device == nil {
		return input{}, ErrMissingDevice
	}
	p := in.Device.FindParameter(in.Parameter)
	if p == nil {
		return input{}, fmt.Errorf("%w: %s has no parameter %q", ErrInvalid, in.Device.Name(), in.Parameter)
	}
	raw := in.Value
	if raw == nil {
		raw = true
	}
	v, err := p.Normalize(raw)
	if err != nil {
		return input{}, err
	}
	return input{dev: in.Device, param: p, value: v}, nil
}

func (in input) holds(ctx context.Context, w world.World) (bool, error) {
	v, err := in.dev.ValueInWorld(ctx, in.param, w)
	if err != nil {
		return false, err
	}
	return v != nil && parameter.Equal(v, in.value), nil
}

func (in input) text() string {
	s, _ := in.param.Unnormalize(in.value)
	return s
}

// state is the per-world record of a sensor. Each world has at most one
// pending timer. mu guards the fields and is held while the sensor
// evaluates the world.
type state struct {
	mu    sync.Mutex
	timer scheduler.Slot
	start time.Time
	off   time.Time
	saved any
}

type stateTable struct {
	key    string
	mu     sync.Mutex
	states map[string]*state
}

func newStateTable(key string) *stateTable {
	return &stateTable{key: key, states: make(map[string]*state)}
}

// get returns w's record. A clone's first record starts from a copy of the
// record of the world it was cloned from; the timer is never copied.
func (t *stateTable) get(w world.World) *state {
	t.mu.Lock()
	st, ok := t.states[w.ID()]
	if ok {
		t.mu.Unlock()
		return st
	}
	st = &state{}
	t.states[w.ID()] = st
	parent := t.states[w.ParentID()]
	t.mu.Unlock()

	w.OnDiscard(t.key, t.drop)
	if parent != nil && parent != st {
		parent.mu.Lock()
		st.start, st.off, st.saved = parent.start, parent.off, parent.saved
		parent.mu.Unlock()
	}
	return st
}

func (t *stateTable) drop(w world.World) {
	t.mu.Lock()
	st, ok := t.states[w.ID()]
	delete(t.states, w.ID())
	t.mu.Unlock()
	if ok {
		st.timer.Cancel()
	}
}

// clear cancels every timer and forgets every world, so the next
// evaluation starts as if the input had just changed.
func (t *stateTable) clear() {
	t.mu.Lock()
	states := t.states
	t.states = make(map[string]*state)
	t.mu.Unlock()
	for _, st := range states {
		st.timer.Cancel()
	}
}

// virtual carries what every sensor shares: the backing device, its output
// parameter and the input subscriptions.
type virtual struct {
	dev    *device.Device
	out    *parameter.Parameter
	deps   Deps
	logger *log.Logger
	states *stateTable

	mu       sync.Mutex
	removers []func()
}

func (v *virtual) Device() *device.Device { return v.dev }

// build creates the backing device. update re-evaluates one world; the
// sensor runs it on start and whenever a watched device changes.
func (v *virtual) build(name, kind string, out *parameter.Parameter, inputs []*device.Device, deps Deps,
	update func(context.Context, world.World), record func(store.Record), opts []device.Option) error {
	v.deps = deps
	v.logger = deps.logger()
	hooks := device.Hooks{
		Start: func(ctx context.Context, _ *device.Device) {
			for _, d := range uniqueDevices(inputs) {
				v.watch(d, update)
			}
			if deps.Current != nil {
				update(ctx, deps.Current)
			}
		},
		Stop: func(context.Context, *device.Device) {
			v.unwatch()
			v.states.clear()
		},
	}
	hooks.Record = record
	all := []device.Option{device.WithKind(kind), device.WithLogger(deps.Logger), device.WithDependencies(uniqueDevices(inputs)...)}
	all = append(all, opts...)
	all = append(all, device.WithHooks(hooks))
	d, err := device.New(name, all...)
	if err != nil {
		return err
	}
	v.dev = d
	v.out = d.AddParameter(out)
	v.states = newStateTable(d.ID() + ":sensor")
	return nil
}

func uniqueDevices(in []*device.Device) []*device.Device {
	seen := make(map[*device.Device]bool)
	var out []*device.Device
	for _, d := range in {
		if d != nil && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func (v *virtual) watch(d *device.Device, update func(context.Context, world.World)) {
	remove := d.AddListener(device.ListenerFunc(func(ctx context.Context, w world.World, _ *device.Device) {
		update(ctx, w)
	}))
	v.mu.Lock()
	v.removers = append(v.removers, remove)
	v.mu.Unlock()
}

func (v *virtual) unwatch() {
	v.mu.Lock()
	removers := v.removers
	v.removers = nil
	v.mu.Unlock()
	for _, remove := range removers {
		remove()
	}
}

// locked runs fn inside the world's update bracket, which also guards the
// sensor's state for that world.
func (v *virtual) locked(ctx context.Context, w world.World, fn func(ctx context.Context, st *state)) {
	if w == nil {
		return
	}
	ctx, err := w.StartUpdate(ctx)
	if err != nil {
		v.logger.Printf("sensor: name=%s world=%s err=%v", v.dev.Name(), w.ID(), err)
		return
	}
	defer w.EndUpdate(ctx)
	st := v.states.get(w)
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(ctx, st)
}

// schedule arms the world's timer. Only the current world gets timers.
func (v *virtual) schedule(w world.World, st *state, delay time.Duration, fn func(context.Context, world.World)) {
	if !w.IsCurrent() || v.deps.Scheduler == nil {
		return
	}
	metrics.IncTimer("scheduled")
	st.timer.Set(v.deps.Scheduler, func() {
		metrics.IncTimer("fired")
		fn(context.Background(), w)
	}, delay)
}

// publish writes the output value unless it is already set.
func (v *virtual) publish(ctx context.Context, w world.World, value any) {
	if old, ok := w.Value(v.dev.Key(v.out.Name())); ok && parameter.Equal(old, value) {
		return
	}
	if err := v.dev.SetValueInWorld(ctx, v.out, value, w); err != nil {
		v.logger.Printf("sensor: name=%s world=%s publish err=%v", v.dev.Name(), w.ID(), err)
	}
}

func (v *virtual) fail(w world.World, err error) {
	v.logger.Printf("sensor: name=%s world=%s err=%v", v.dev.Name(), w.ID(), err)
}

func booleanOutput(label string) *parameter.Parameter {
	return parameter.NewBoolean(Output, parameter.AsSensor(), parameter.WithLabel(label))
}
