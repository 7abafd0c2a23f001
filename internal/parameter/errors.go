package parameter

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel matched by every ValidationError.
var ErrValidation = errors.New("parameter: validation failed")

// ValidationError reports a value that a parameter cannot accept.
type ValidationError struct {
	Parameter string
	Value     any
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %s: invalid value %v: %s", e.Parameter, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(p *Parameter, value any, format string, args ...any) error {
	return &ValidationError{Parameter: p.name, Value: value, Reason: fmt.Sprintf(format, args...)}
}
