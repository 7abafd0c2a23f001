package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"homectl/internal/observability/metrics"
	"homectl/internal/parameter"
	"homectl/internal/store"
	"homectl/internal/world"
)

// KindDevice is the record type of a plain device.
const KindDevice = "Device"

// Listener is notified after a device value changes in some world.
type Listener interface {
	StateChanged(ctx context.Context, w world.World, d *Device)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, w world.World, d *Device)

// StateChanged calls f.
func (f ListenerFunc) StateChanged(ctx context.Context, w world.World, d *Device) {
	f(ctx, w, d)
}

// EnableListener is notified when a device is enabled or disabled.
type EnableListener func(ctx context.Context, d *Device, enabled bool)

// Bridge performs transitions on real hardware for a device family.
type Bridge interface {
	Name() string
	ApplyTransition(ctx context.Context, d *Device, t *Transition, values parameter.Values, w world.World) error
}

// Refresher is implemented by bridges that can re-poll a device before its
// current value is read.
type Refresher interface {
	Refresh(ctx context.Context, d *Device, w world.World) error
}

// Hooks customize a device without subclassing it. Virtual sensors use them
// to attach their state machines.
type Hooks struct {
	// Start runs when the device is started or re-enabled.
	Start func(ctx context.Context, d *Device)
	// Stop runs when the device is disabled or removed.
	Stop func(ctx context.Context, d *Device)
	// Refresh runs before a value is read from the current world.
	Refresh func(ctx context.Context, d *Device, w world.World) error
	// Record adds kind-specific fields to the device record.
	Record func(rec store.Record)
}

// Device owns parameters and transitions and reads and writes its values
// through whatever world it is handed.
type Device struct {
	id          string
	name        string
	label       string
	description string
	kind        string
	logger      *log.Logger
	bridge      Bridge
	hooks       Hooks

	mu           sync.RWMutex
	params       []*parameter.Parameter
	transitions  []*Transition
	capabilities []string
	dependsOn    []*Device
	enabled      bool
	running      bool

	listenerMu      sync.Mutex
	nextListener    int
	listeners       []listenerEntry
	enableListeners []enableEntry
}

type listenerEntry struct {
	id int
	l  Listener
}

type enableEntry struct {
	id int
	fn EnableListener
}

// Option customizes a device at construction.
type Option func(*Device)

// WithID assigns a stable id. Without it a random one is generated.
func WithID(id string) Option {
	return func(d *Device) {
		if id != "" {
			d.id = id
		}
	}
}

// WithLabel sets the display label.
func WithLabel(label string) Option {
	return func(d *Device) {
		d.label = label
	}
}

// WithDescription sets the description.
func WithDescription(description string) Option {
	return func(d *Device) {
		d.description = description
	}
}

// WithKind sets the record type.
func WithKind(kind string) Option {
	return func(d *Device) {
		if kind != "" {
			d.kind = kind
		}
	}
}

// WithBridge attaches the adapter that owns the physical device.
func WithBridge(b Bridge) Option {
	return func(d *Device) {
		d.bridge = b
	}
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(d *Device) {
		d.hooks = h
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDependencies declares the devices this one derives its state from.
func WithDependencies(deps ...*Device) Option {
	return func(d *Device) {
		for _, dep := range deps {
			if dep != nil {
				d.dependsOn = append(d.dependsOn, dep)
			}
		}
	}
}

// Disabled creates the device disabled.
func Disabled() Option {
	return func(d *Device) {
		d.enabled = false
	}
}

// New constructs an enabled device.
func New(name string, opts ...Option) (*Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("device: empty name")
	}
	d := &Device{
		id:      uuid.NewString(),
		name:    name,
		kind:    KindDevice,
		logger:  log.Default(),
		enabled: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for _, dep := range d.dependsOn {
		if dep == d || dep.id == d.id {
			return nil, fmt.Errorf("%w: %s depends on itself", ErrCyclicDependency, name)
		}
	}
	return d, nil
}

func (d *Device) ID() string          { return d.id }
func (d *Device) Name() string        { return d.name }
func (d *Device) Kind() string        { return d.kind }
func (d *Device) Description() string { return d.description }
func (d *Device) Bridge() Bridge      { return d.bridge }
func (d *Device) String() string      { return d.name }

// Label returns the display label, falling back to the name.
func (d *Device) Label() string {
	if d.label == "" {
		return d.name
	}
	return d.label
}

// AddParameter adds p unless a parameter of the same name exists, in which
// case the existing one is returned. A parameter that tracks changes also
// gets its last-changed-time companion.
func (d *Device) AddParameter(p *parameter.Parameter) *parameter.Parameter {
	if p == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing := d.findParameterLocked(p.Name()); existing != nil {
		return existing
	}
	d.params = append(d.params, p)
	if p.TracksChanges() && d.findParameterLocked(p.LastChangedName()) == nil {
		d.params = append(d.params, parameter.MustNew(p.LastChangedName(), parameter.TypeDateTime, parameter.AsSensor()))
	}
	return p
}

// FindParameter returns a parameter by name, or nil.
func (d *Device) FindParameter(name string) *parameter.Parameter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findParameterLocked(name)
}

func (d *Device) findParameterLocked(name string) *parameter.Parameter {
	for _, p := range d.params {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Parameters returns the device parameters in declaration order.
func (d *Device) Parameters() []*parameter.Parameter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*parameter.Parameter(nil), d.params...)
}

// AddTransition adds t, replacing a transition of the same name.
func (d *Device) AddTransition(t *Transition) *Transition {
	if t == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.transitions {
		if existing.Name() == t.Name() {
			d.transitions[i] = t
			return t
		}
	}
	d.transitions = append(d.transitions, t)
	return t
}

// FindTransition returns a transition by name, or nil.
func (d *Device) FindTransition(name string) *Transition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.transitions {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Transitions returns the device transitions in declaration order.
func (d *Device) Transitions() []*Transition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Transition(nil), d.transitions...)
}

// Capabilities returns the capability tags attached to the device.
func (d *Device) Capabilities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.capabilities...)
}

func (d *Device) addCapability(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.capabilities {
		if c == tag {
			return false
		}
	}
	d.capabilities = append(d.capabilities, tag)
	sort.Strings(d.capabilities)
	return true
}

// Dependencies returns the devices this one derives its state from.
func (d *Device) Dependencies() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Device(nil), d.dependsOn...)
}

// IsDependentOn reports whether d derives its state from other. It checks
// the declared set only and never recurses.
func (d *Device) IsDependentOn(other *Device) bool {
	if other == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dep := range d.dependsOn {
		if dep == other {
			return true
		}
	}
	return false
}

// Enabled reports whether the device is enabled.
func (d *Device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the device. Disabling stops it and cancels
// its timers; re-enabling restarts it, which forces a recheck.
func (d *Device) SetEnabled(ctx context.Context, enabled bool) {
	d.mu.Lock()
	if d.enabled == enabled {
		d.mu.Unlock()
		return
	}
	d.enabled = enabled
	d.mu.Unlock()

	if enabled {
		d.Start(ctx)
	} else {
		d.Stop(ctx)
	}
	d.logger.Printf("device: name=%s enabled=%t", d.name, enabled)

	d.listenerMu.Lock()
	entries := append([]enableEntry(nil), d.enableListeners...)
	d.listenerMu.Unlock()
	for _, e := range entries {
		e.fn(ctx, d, enabled)
	}
}

// Start runs the start hook once. Disabled devices do not start.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running || !d.enabled {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	if d.hooks.Start != nil {
		d.hooks.Start(ctx, d)
	}
}

// Stop runs the stop hook if the device is running.
func (d *Device) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()
	if d.hooks.Stop != nil {
		d.hooks.Stop(ctx, d)
	}
}

// AddListener registers l for value changes and returns a function that
// removes it.
func (d *Device) AddListener(l Listener) func() {
	if l == nil {
		return func() {}
	}
	d.listenerMu.Lock()
	d.nextListener++
	id := d.nextListener
	d.listeners = append(d.listeners, listenerEntry{id: id, l: l})
	d.listenerMu.Unlock()
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		for i, e := range d.listeners {
			if e.id == id {
				d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// AddEnableListener registers fn for enable changes and returns a function
// that removes it.
func (d *Device) AddEnableListener(fn EnableListener) func() {
	if fn == nil {
		return func() {}
	}
	d.listenerMu.Lock()
	d.nextListener++
	id := d.nextListener
	d.enableListeners = append(d.enableListeners, enableEntry{id: id, fn: fn})
	d.listenerMu.Unlock()
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		for i, e := range d.enableListeners {
			if e.id == id {
				d.enableListeners = append(d.enableListeners[:i], d.enableListeners[i+1:]...)
				return
			}
		}
	}
}

// Key addresses a parameter of this device in a world.
func (d *Device) Key(name string) world.Key {
	return world.Key{Device: d.id, Parameter: name}
}

// ValueInWorld returns the value of p in w. For the current world the device
// is refreshed first; hypothetical worlds are read as they are. A disabled
// device has no value.
func (d *Device) ValueInWorld(ctx context.Context, p *parameter.Parameter, w world.World) (any, error) {
	if p == nil || w == nil {
		return nil, ErrUnknownParameter
	}
	if !d.Enabled() {
		return nil, nil
	}
	if w.IsCurrent() {
		if err := d.refresh(ctx, w); err != nil {
			return nil, err
		}
	}
	v, _ := w.Value(d.Key(p.Name()))
	return v, nil
}

// Value is ValueInWorld by parameter name.
func (d *Device) Value(ctx context.Context, name string, w world.World) (any, error) {
	p := d.FindParameter(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownParameter, d.name, name)
	}
	return d.ValueInWorld(ctx, p, w)
}

func (d *Device) refresh(ctx context.Context, w world.World) error {
	if d.hooks.Refresh != nil {
		return d.hooks.Refresh(ctx, d, w)
	}
	if r, ok := d.bridge.(Refresher); ok {
		return r.Refresh(ctx, d, w)
	}
	return nil
}

// SetValueInWorld normalizes v and writes it into w. Writing an unchanged
// value into the current world does nothing. Listeners are notified inside
// the world's update bracket so they never observe a half-applied change.
func (d *Device) SetValueInWorld(ctx context.Context, p *parameter.Parameter, v any, w world.World) error {
	if p == nil || w == nil {
		return ErrUnknownParameter
	}
	if d.FindParameter(p.Name()) != p {
		return fmt.Errorf("%w: %s.%s", ErrUnknownParameter, d.name, p.Name())
	}
	value, err := p.Normalize(v)
	if err != nil {
		return err
	}

	ctx, err = w.StartUpdate(ctx)
	if err != nil {
		return err
	}
	defer w.EndUpdate(ctx)

	key := d.Key(p.Name())
	old, _ := w.Value(key)
	if w.IsCurrent() && parameter.Equal(old, value) {
		return nil
	}
	if p.TracksChanges() {
		w.SetValue(d.Key(p.LastChangedName()), w.Time())
	}
	w.SetValue(key, value)
	w.NoteChanged(d.id)
	metrics.IncDeviceChange(w.IsCurrent())

	d.fireChanged(ctx, w)
	return nil
}

// SetValue is SetValueInWorld by parameter name.
func (d *Device) SetValue(ctx context.Context, name string, v any, w world.World) error {
	p := d.FindParameter(name)
	if p == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownParameter, d.name, name)
	}
	return d.SetValueInWorld(ctx, p, v, w)
}

func (d *Device) fireChanged(ctx context.Context, w world.World) {
	d.listenerMu.Lock()
	entries := append([]listenerEntry(nil), d.listeners...)
	d.listenerMu.Unlock()
	for _, e := range entries {
		d.notify(ctx, w, e.l)
	}
}

func (d *Device) notify(ctx context.Context, w world.World, l Listener) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("device: listener panic: device=%s world=%s err=%v", d.name, w.ID(), r)
		}
	}()
	l.StateChanged(ctx, w, d)
}

// Apply performs t with values in w. Bridges are only reached from the
// current world; a hypothetical world simulates a bridge transition by
// writing its target parameter.
func (d *Device) Apply(ctx context.Context, t *Transition, values parameter.Values, w world.World) error {
	if t == nil {
		return actionError(d, "", ErrUnknownTransition)
	}
	if d.FindTransition(t.Name()) != t {
		return actionError(d, t.Name(), ErrUnknownTransition)
	}
	if !d.Enabled() {
		return actionError(d, t.Name(), ErrDeviceDisabled)
	}
	values = t.Merge(values, nil)

	switch {
	case d.bridge != nil && w.IsCurrent() && !t.HasEffect():
		return actionError(d, t.Name(), d.bridge.ApplyTransition(ctx, d, t, values, w))
	case t.HasEffect():
		return actionError(d, t.Name(), t.effect(ctx, d, w, values))
	case t.Target() != "":
		v, ok := values[t.Target()]
		if !ok {
			return actionError(d, t.Name(), fmt.Errorf("missing value for %s", t.Target()))
		}
		return actionError(d, t.Name(), d.SetValue(ctx, t.Target(), v, w))
	}
	return actionError(d, t.Name(), ErrActionNotAllowed)
}
