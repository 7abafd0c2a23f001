package rule

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"homectl/internal/condition"
	"homectl/internal/device"
	"homectl/internal/world"
)

// Priority bounds.
const (
	MinPriority = 0
	MaxPriority = 1000
)

// Rule pairs a condition with an ordered list of actions.
type Rule struct {
	id          string
	name        string
	label       string
	description string
	cond        condition.Condition
	actions     []*Action
	explicit    bool
	created     time.Time

	mu       sync.Mutex
	priority float64
	runs     map[string]*run
}

// run tracks one in-flight apply so it can be aborted between actions.
type run struct {
	aborted atomic.Bool
}

// Option customizes a rule.
type Option func(*Rule)

// WithID assigns a stable id.
func WithID(id string) Option {
	return func(r *Rule) {
		if id != "" {
			r.id = id
		}
	}
}

// WithName overrides the generated name.
func WithName(name string) Option {
	return func(r *Rule) {
		if name != "" {
			r.name = name
		}
	}
}

// WithLabel overrides the generated label.
func WithLabel(label string) Option {
	return func(r *Rule) {
		if label != "" {
			r.label = label
		}
	}
}

// WithDescription sets the description.
func WithDescription(description string) Option {
	return func(r *Rule) {
		r.description = description
	}
}

// WithCreated sets the creation time, which orders rules of equal high
// priority.
func WithCreated(t time.Time) Option {
	return func(r *Rule) {
		if !t.IsZero() {
			r.created = t.UTC()
		}
	}
}

// Implicit marks a rule the system derived rather than one a user wrote.
func Implicit() Option {
	return func(r *Rule) {
		r.explicit = false
	}
}

// New builds a rule.
func New(cond condition.Condition, actions []*Action, priority float64, opts ...Option) (*Rule, error) {
	if cond == nil {
		return nil, ErrMissingCondition
	}
	if len(actions) == 0 {
		return nil, ErrNoActions
	}
	for _, a := range actions {
		if a == nil {
			return nil, ErrNoActions
		}
	}
	if err := checkPriority(priority); err != nil {
		return nil, err
	}
	r := &Rule{
		id:       "RULE_" + uuid.NewString(),
		cond:     cond,
		actions:  append([]*Action(nil), actions...),
		priority: priority,
		explicit: true,
		created:  time.Now().UTC(),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.name == "" {
		r.name = cond.Name() + "=>" + actions[0].Name()
		if len(actions) > 1 {
			r.name += "..."
		}
	}
	if r.label == "" {
		names := make([]string, 0, len(actions))
		for _, a := range actions {
			names = append(names, a.Name())
		}
		r.label = "WHEN " + cond.Label() + " DO " + strings.Join(names, ", ")
	}
	return r, nil
}

func checkPriority(p float64) error {
	if math.IsNaN(p) || p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %v", ErrInvalidPriority, p)
	}
	return nil
}

func (r *Rule) ID() string                     { return r.id }
func (r *Rule) Name() string                   { return r.name }
func (r *Rule) Label() string                  { return r.label }
func (r *Rule) Description() string            { return r.description }
func (r *Rule) Condition() condition.Condition { return r.cond }
func (r *Rule) IsExplicit() bool               { return r.explicit }
func (r *Rule) Created() time.Time             { return r.created }
func (r *Rule) String() string                 { return r.name }

// Actions returns the actions in execution order.
func (r *Rule) Actions() []*Action {
	return append([]*Action(nil), r.actions...)
}

// Priority returns the current priority.
func (r *Rule) Priority() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority
}

// SetPriority changes the priority. Programs pick it up on their next pass.
func (r *Rule) SetPriority(p float64) error {
	if err := checkPriority(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.priority = p
	r.mu.Unlock()
	return nil
}

// TargetDevices returns the devices the actions act on, in action order.
func (r *Rule) TargetDevices() []*device.Device {
	seen := make(map[*device.Device]bool, len(r.actions))
	out := make([]*device.Device, 0, len(r.actions))
	for _, a := range r.actions {
		if !seen[a.device] {
			seen[a.device] = true
			out = append(out, a.device)
		}
	}
	return out
}

// Overlaps reports whether both rules act on a common device.
func (r *Rule) Overlaps(other *Rule) bool {
	if other == nil {
		return false
	}
	for _, d := range r.TargetDevices() {
		for _, o := range other.TargetDevices() {
			if d == o {
				return true
			}
		}
	}
	return false
}

// Apply performs every action in order against w. The first failure stops
// the rule; earlier actions are not rolled back.
func (r *Rule) Apply(ctx context.Context, w world.World, props world.Properties) error {
	return r.apply(ctx, w, props, true)
}

// apply runs the actions. Trigger-only actions run only when fresh.
func (r *Rule) apply(ctx context.Context, w world.World, props world.Properties, fresh bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rn := &run{}
	r.mu.Lock()
	r.runs[w.ID()] = rn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.runs[w.ID()] == rn {
			delete(r.runs, w.ID())
		}
		r.mu.Unlock()
	}()

	for _, a := range r.actions {
		if a.trigger && !fresh {
			continue
		}
		if rn.aborted.Load() {
			return ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Perform(ctx, w, props); err != nil {
			return err
		}
	}
	return nil
}

// Abort stops every in-flight apply of the rule before its next action.
func (r *Rule) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rn := range r.runs {
		rn.aborted.Store(true)
	}
}

// abortIn stops an in-flight apply in one world and reports whether one
// was running.
func (r *Rule) abortIn(w world.World) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[w.ID()]
	if ok {
		rn.aborted.Store(true)
	}
	return ok
}
