package world

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidOperation is returned for operations a world does not permit,
// such as moving the clock of the current world.
var ErrInvalidOperation = errors.New("world: invalid operation")

// Key addresses one parameter of one device.
type Key struct {
	Device    string
	Parameter string
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// UpdateHook runs after the outermost update of a world completes.
type UpdateHook func(ctx context.Context, w World)

// World is a snapshot of device parameter values plus a clock.
type World interface {
	ID() string
	IsCurrent() bool
	// ParentID is the id of the world this one was cloned from, or empty.
	ParentID() string
	Time() time.Time
	SetTime(t time.Time) error

	// Value and SetValue access parameter values directly, with no
	// notification. Callers wanting side effects go through the device.
	Value(key Key) (any, bool)
	SetValue(key Key, value any)
	Snapshot() map[Key]any
	Clone() *Hypothetical

	// StartUpdate acquires the update lock, or joins the update already
	// carried by ctx. The returned context must be passed to EndUpdate and to
	// nested calls made while the update is open.
	StartUpdate(ctx context.Context) (context.Context, error)
	EndUpdate(ctx context.Context)
	InUpdate(ctx context.Context) bool
	WaitForUpdate(ctx context.Context) (*TriggerContext, error)

	AddTrigger(conditionID string, props Properties)
	NoteChanged(deviceID string)
	OnUpdateComplete(key string, hook UpdateHook)
	OnDiscard(key string, fn func(World))
}

// Current is the single live world. Its clock is wall-clock time.
type Current struct {
	*core
	clock Clock
}

// CurrentOption customizes the current world.
type CurrentOption func(*Current)

// WithClock assigns the clock read by the current world.
func WithClock(clock Clock) CurrentOption {
	return func(c *Current) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCurrent constructs the live world.
func NewCurrent(id string, opts ...CurrentOption) *Current {
	if id == "" {
		id = "CURRENT"
	}
	c := &Current{clock: systemClock{}}
	c.core = newCore(id, c)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Current) IsCurrent() bool { return true }

func (c *Current) ParentID() string { return "" }

// Time returns wall-clock time from the configured clock.
func (c *Current) Time() time.Time {
	return c.clock.Now().UTC()
}

// SetTime always fails: the current world follows the wall clock.
func (c *Current) SetTime(time.Time) error {
	return ErrInvalidOperation
}

// Clone returns a hypothetical world with the same values and time.
func (c *Current) Clone() *Hypothetical {
	return newHypothetical(c.ID(), c.Snapshot(), c.Time())
}

// OnDiscard is a no-op: the current world is never discarded.
func (c *Current) OnDiscard(string, func(World)) {}
