package rule

import "errors"

var (
	// ErrNilRule is returned when a nil rule is added to a program.
	ErrNilRule = errors.New("rule: nil rule")
	// ErrMissingCondition is returned for a rule without a condition.
	ErrMissingCondition = errors.New("rule: missing condition")
	// ErrNoActions is returned for a rule without actions.
	ErrNoActions = errors.New("rule: no actions")
	// ErrInvalidPriority is returned for a priority outside [0,1000].
	ErrInvalidPriority = errors.New("rule: invalid priority")
	// ErrMissingDevice is returned when an action has no device.
	ErrMissingDevice = errors.New("rule: missing device")
	// ErrAborted is returned by a rule apply that was aborted between actions.
	ErrAborted = errors.New("rule: aborted")
	// ErrNotFound is returned when a rule id or name is unknown.
	ErrNotFound = errors.New("rule: not found")
)
