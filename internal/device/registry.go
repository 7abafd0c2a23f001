package device

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Registry holds the devices of a universe and enforces that the dependency
// relation stays acyclic. Disabling a device cascades to its dependents.
type Registry struct {
	logger *log.Logger

	mu        sync.RWMutex
	devices   map[string]*Device
	order     []string
	cascaded  map[string]bool
	unsubsFor map[string]func()
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		logger:    logger,
		devices:   make(map[string]*Device),
		cascaded:  make(map[string]bool),
		unsubsFor: make(map[string]func()),
	}
}

// Register adds d and starts it. Every dependency must already be
// registered, which keeps derived devices from referencing themselves or
// anything built after them.
func (r *Registry) Register(ctx context.Context, d *Device) error {
	if d == nil {
		return ErrNotFound
	}
	r.mu.Lock()
	if _, ok := r.devices[d.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID())
	}
	for _, dep := range d.Dependencies() {
		if registered, ok := r.devices[dep.ID()]; !ok || registered != dep {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, d.Name(), dep.Name())
		}
	}
	if err := checkAcyclic(d); err != nil {
		r.mu.Unlock()
		return err
	}
	r.devices[d.ID()] = d
	r.order = append(r.order, d.ID())
	r.unsubsFor[d.ID()] = d.AddEnableListener(r.cascade)
	r.mu.Unlock()

	d.Start(ctx)
	return nil
}

// checkAcyclic walks the dependency graph from d and fails if d is
// reachable from its own dependencies.
func checkAcyclic(d *Device) error {
	visited := make(map[*Device]bool)
	stack := append([]*Device(nil), d.Dependencies()...)
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if cur == d || cur.ID() == d.ID() {
			return fmt.Errorf("%w: %s", ErrCyclicDependency, d.Name())
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, cur.Dependencies()...)
	}
	return nil
}

// Find returns a device by id.
func (r *Registry) Find(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// FindByName returns a device by name.
func (r *Registry) FindByName(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if d := r.devices[id]; d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Devices returns every device in registration order, which is also a
// valid dependency order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Dependents returns the devices that directly depend on d.
func (r *Registry) Dependents(d *Device) []*Device {
	var out []*Device
	for _, other := range r.Devices() {
		if other.IsDependentOn(d) {
			out = append(out, other)
		}
	}
	return out
}

// Remove stops and unregisters a device. A device others depend on cannot
// be removed.
func (r *Registry) Remove(ctx context.Context, id string) error {
	d, ok := r.Find(id)
	if !ok {
		return ErrNotFound
	}
	if deps := r.Dependents(d); len(deps) > 0 {
		return fmt.Errorf("%w: %s is used by %s", ErrHasDependents, d.Name(), deps[0].Name())
	}
	r.mu.Lock()
	delete(r.devices, id)
	delete(r.cascaded, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	unsub := r.unsubsFor[id]
	delete(r.unsubsFor, id)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	d.Stop(ctx)
	return nil
}

// cascade disables dependents of a disabled device and re-enables the ones
// it disabled once the device comes back.
func (r *Registry) cascade(ctx context.Context, d *Device, enabled bool) {
	for _, dep := range r.Dependents(d) {
		if !enabled {
			if !dep.Enabled() {
				continue
			}
			r.mu.Lock()
			r.cascaded[dep.ID()] = true
			r.mu.Unlock()
			r.logger.Printf("device registry: cascade disable device=%s cause=%s", dep.Name(), d.Name())
			dep.SetEnabled(ctx, false)
			continue
		}
		// The flag survives until every dependency is back.
		if !r.dependenciesEnabled(dep) {
			continue
		}
		r.mu.Lock()
		wasCascaded := r.cascaded[dep.ID()]
		delete(r.cascaded, dep.ID())
		r.mu.Unlock()
		if wasCascaded {
			dep.SetEnabled(ctx, true)
		}
	}
}

func (r *Registry) dependenciesEnabled(d *Device) bool {
	for _, dep := range d.Dependencies() {
		if !dep.Enabled() {
			return false
		}
	}
	return true
}
