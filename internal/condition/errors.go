package condition

import (
	"errors"
	"fmt"
)

var (
	// ErrCondition is matched by every *Error.
	ErrCondition = errors.New("condition: evaluation failed")
	// ErrMissingDevice is returned when a referenced device cannot be found.
	ErrMissingDevice = errors.New("condition: missing device")
	// ErrMissingParameter is returned when a device lacks the referenced parameter.
	ErrMissingParameter = errors.New("condition: missing parameter")
	// ErrUnknownType is returned for an unsupported condition record type.
	ErrUnknownType = errors.New("condition: unknown type")
	// ErrInvalid is returned for a malformed condition definition.
	ErrInvalid = errors.New("condition: invalid definition")
)

// Error reports a condition that could not be evaluated.
type Error struct {
	Condition string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("condition %s: %v", e.Condition, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrCondition.
func (e *Error) Is(target error) bool {
	return target == ErrCondition
}

func evalError(name string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Condition: name, Err: err}
}
