// Package universe ties the device registry, the current world, the rule
// program and the scheduler together and persists them through a store.
package universe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homectl/internal/condition"
	"homectl/internal/device"
	"homectl/internal/rule"
	"homectl/internal/scheduler"
	"homectl/internal/sensor"
	"homectl/internal/world"
)

var (
	// ErrUnresolved is returned when device records reference devices that
	// never load.
	ErrUnresolved = errors.New("universe: unresolved device dependencies")
	// ErrDuplicateBridge is returned when two bridges share a name.
	ErrDuplicateBridge = errors.New("universe: duplicate bridge")
)

// Universe is one controlled installation.
type Universe struct {
	logger   *log.Logger
	clock    world.Clock
	sched    scheduler.Scheduler
	location *time.Location

	caps     *device.Capabilities
	registry *device.Registry
	current  *world.Current
	program  *rule.Program

	mu      sync.RWMutex
	bridges map[string]device.Bridge
	sensors []sensor.Sensor

	pollHandle scheduler.Handle
}

// Option customizes a universe.
type Option func(*settings)

type settings struct {
	logger     *log.Logger
	clock      world.Clock
	sched      scheduler.Scheduler
	location   *time.Location
	caps       *device.Capabilities
	programOps []rule.ProgramOption
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock of the current world.
func WithClock(clock world.Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithScheduler sets the scheduler timers run on.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *settings) {
		if sched != nil {
			s.sched = sched
		}
	}
}

// WithLocation sets the zone time-of-day conditions and latch resets use.
func WithLocation(loc *time.Location) Option {
	return func(s *settings) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithCapabilities replaces the built-in capability registry.
func WithCapabilities(caps *device.Capabilities) Option {
	return func(s *settings) {
		if caps != nil {
			s.caps = caps
		}
	}
}

// WithProgramOptions passes options to the rule program.
func WithProgramOptions(opts ...rule.ProgramOption) Option {
	return func(s *settings) {
		s.programOps = append(s.programOps, opts...)
	}
}

// New constructs an empty universe. Without a scheduler, timers fall back to
// a manual scheduler that never advances.
func New(opts ...Option) *Universe {
	s := settings{logger: log.Default(), clock: scheduler.SystemClock{}, location: time.Local}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.sched == nil {
		s.sched = scheduler.NewManual(s.clock.Now())
	}
	if s.caps == nil {
		s.caps = device.NewCapabilities()
	}
	programOps := append([]rule.ProgramOption{rule.WithLogger(s.logger)}, s.programOps...)
	return &Universe{
		logger:   s.logger,
		clock:    s.clock,
		sched:    s.sched,
		location: s.location,
		caps:     s.caps,
		registry: device.NewRegistry(s.logger),
		current:  world.NewCurrent("CURRENT", world.WithClock(s.clock)),
		program:  rule.NewProgram(programOps...),
		bridges:  make(map[string]device.Bridge),
	}
}

func (u *Universe) Current() *world.Current            { return u.current }
func (u *Universe) Program() *rule.Program             { return u.program }
func (u *Universe) Registry() *device.Registry         { return u.registry }
func (u *Universe) Capabilities() *device.Capabilities { return u.caps }
func (u *Universe) Scheduler() scheduler.Scheduler     { return u.sched }
func (u *Universe) Location() *time.Location           { return u.location }

// ConditionDeps returns the collaborators conditions are built with.
func (u *Universe) ConditionDeps() condition.Deps {
	return condition.Deps{Scheduler: u.sched, Current: u.current, Logger: u.logger, Location: u.location}
}

// SensorDeps returns the collaborators virtual sensors are built with.
func (u *Universe) SensorDeps() sensor.Deps {
	return sensor.Deps{Scheduler: u.sched, Current: u.current, Logger: u.logger, Location: u.location}
}

// AddBridge makes b available to devices loaded afterwards.
func (u *Universe) AddBridge(b device.Bridge) error {
	if b == nil {
		return errors.New("universe: nil bridge")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.bridges[b.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBridge, b.Name())
	}
	u.bridges[b.Name()] = b
	return nil
}

// FindBridge resolves a bridge by name.
func (u *Universe) FindBridge(name string) (device.Bridge, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	b, ok := u.bridges[name]
	return b, ok
}

// FindDevice resolves a device by id, then by name.
func (u *Universe) FindDevice(key string) (*device.Device, bool) {
	if d, ok := u.registry.Find(key); ok {
		return d, true
	}
	return u.registry.FindByName(key)
}

// AddDevice registers and starts d.
func (u *Universe) AddDevice(ctx context.Context, d *device.Device) error {
	return u.registry.Register(ctx, d)
}

// AddSensor registers and starts a virtual sensor.
func (u *Universe) AddSensor(ctx context.Context, s sensor.Sensor) error {
	if s == nil {
		return errors.New("universe: nil sensor")
	}
	if err := u.registry.Register(ctx, s.Device()); err != nil {
		return err
	}
	u.mu.Lock()
	u.sensors = append(u.sensors, s)
	u.mu.Unlock()
	return nil
}

// Sensors returns the virtual sensors in registration order.
func (u *Universe) Sensors() []sensor.Sensor {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]sensor.Sensor(nil), u.sensors...)
}

// AddRule adds r to the program.
func (u *Universe) AddRule(r *rule.Rule) error {
	return u.program.AddRule(r)
}

// Recheck re-evaluates every time-dependent sensor and rule condition in w.
// Hypothetical worlds call it after their clock moves; sensors go first so
// that conditions see their outputs.
func (u *Universe) Recheck(ctx context.Context, w world.World) {
	for _, s := range u.Sensors() {
		s.Recheck(ctx, w)
	}
	seen := make(map[string]bool)
	for _, r := range u.program.Rules() {
		walk(r.Condition(), func(c condition.Condition) {
			if seen[c.ID()] {
				return
			}
			seen[c.ID()] = true
			if rc, ok := c.(condition.Rechecker); ok {
				rc.Recheck(ctx, w)
			}
		})
	}
}

// walk visits subconditions before the conditions built on them.
func walk(c condition.Condition, fn func(condition.Condition)) {
	switch v := c.(type) {
	case *condition.Logical:
		for _, sub := range v.Subconditions() {
			walk(sub, fn)
		}
	case *condition.Duration:
		walk(v.Subcondition(), fn)
	}
	fn(c)
}

// StartPolling refreshes the sensor parameters of bridged devices in the
// current world every interval. A second call replaces the first and a
// non-positive interval stops polling.
func (u *Universe) StartPolling(interval time.Duration) {
	var h scheduler.Handle
	if interval > 0 {
		h = u.sched.ScheduleRepeating(func() { u.pollOnce(context.Background()) }, interval, interval)
	}
	u.mu.Lock()
	old := u.pollHandle
	u.pollHandle = h
	u.mu.Unlock()
	scheduler.Cancel(old)
}

func (u *Universe) pollOnce(ctx context.Context) {
	for _, d := range u.registry.Devices() {
		if d.Bridge() == nil || !d.Enabled() {
			continue
		}
		for _, p := range d.Parameters() {
			if !p.IsSensor() {
				continue
			}
			if _, err := d.ValueInWorld(ctx, p, u.current); err != nil {
				u.logger.Printf("universe: poll device=%s parameter=%s err=%v", d.Name(), p.Name(), err)
			}
		}
	}
}

// Close stops polling, detaches the program and stops every device.
func (u *Universe) Close(ctx context.Context) {
	u.mu.Lock()
	h := u.pollHandle
	u.pollHandle = nil
	u.mu.Unlock()
	scheduler.Cancel(h)
	u.program.Close()
	for _, d := range u.registry.Devices() {
		d.Stop(ctx)
	}
}
