package device

import (
	"errors"
	"fmt"
)

var (
	// ErrAction is matched by every ActionError.
	ErrAction = errors.New("device: action failed")
	// ErrActionNotAllowed is returned when a device cannot perform a transition.
	ErrActionNotAllowed = errors.New("device: transition not allowed")
	// ErrDeviceDisabled is returned when acting on a disabled device.
	ErrDeviceDisabled = errors.New("device: disabled")
	// ErrUnknownParameter is returned for a parameter the device does not own.
	ErrUnknownParameter = errors.New("device: unknown parameter")
	// ErrUnknownTransition is returned for a transition the device does not own.
	ErrUnknownTransition = errors.New("device: unknown transition")
	// ErrUnknownCapability is returned for an unregistered capability tag.
	ErrUnknownCapability = errors.New("device: unknown capability")
	// ErrCyclicDependency is returned when registration would create a cycle.
	ErrCyclicDependency = errors.New("device: cyclic dependency")
	// ErrUnknownDependency is returned when a device depends on an unregistered one.
	ErrUnknownDependency = errors.New("device: unknown dependency")
	// ErrHasDependents is returned when removing a device others depend on.
	ErrHasDependents = errors.New("device: has dependents")
	// ErrNotFound is returned when a device id is not registered.
	ErrNotFound = errors.New("device: not found")
	// ErrDuplicate is returned when registering an id twice.
	ErrDuplicate = errors.New("device: duplicate id")
)

// ActionError reports a transition that could not be performed.
type ActionError struct {
	Device     string
	Transition string
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s.%s: %v", e.Device, e.Transition, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrAction.
func (e *ActionError) Is(target error) bool {
	return target == ErrAction
}

func actionError(d *Device, t string, err error) error {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}
	return &ActionError{Device: d.Name(), Transition: t, Err: err}
}
