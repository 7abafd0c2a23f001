package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"homectl/internal/device"
	"homectl/internal/eventing"
	"homectl/internal/observability/metrics"
	"homectl/internal/parameter"
	"homectl/internal/rule"
	"homectl/internal/world"
)

var (
	ErrNilUniverse   = errors.New("preview: universe is required")
	ErrUnknownDevice = errors.New("preview: unknown device")
	ErrInvalidStep   = errors.New("preview: step must not be negative")
	ErrTimeReversed  = errors.New("preview: time must not precede the current time")
)

// Universe is what a preview runs against.
type Universe interface {
	Current() *world.Current
	Program() *rule.Program
	FindDevice(key string) (*device.Device, bool)
	Recheck(ctx context.Context, w world.World)
}

// Publisher receives preview events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Change sets one parameter before the clock moves.
type Change struct {
	// Device is a device id or name.
	Device    string
	Parameter string
	Value     any
}

// Request describes a what-if run.
type Request struct {
	Changes []Change
	// At is the time the hypothetical clock is moved to. Zero keeps the
	// clone's time.
	At time.Time
	// Step moves the clock to At in increments, rechecking timers at every
	// step. Zero jumps straight there.
	Step time.Duration
}

// Diff is one parameter that differs between the current world and the
// previewed one.
type Diff struct {
	DeviceID  string
	Device    string
	Parameter string
	Before    any
	After     any
}

// Report is what a preview would do.
type Report struct {
	WorldID string
	Start   time.Time
	At      time.Time
	Passes  []rule.Report
	Diffs   []Diff
}

// Failures returns the outcomes that did not complete cleanly.
func (r Report) Failures() []rule.Outcome {
	var out []rule.Outcome
	for _, pass := range r.Passes {
		for _, o := range pass.Outcomes {
			switch o.Status {
			case rule.StatusActionFailed, rule.StatusConditionError, rule.StatusConflict:
				out = append(out, o)
			}
		}
	}
	return out
}

// Applied returns the rule names whose actions ran, in firing order.
func (r Report) Applied() []string {
	var out []string
	for _, pass := range r.Passes {
		out = append(out, pass.Applied()...)
	}
	return out
}

// Service runs previews. It never touches the current world or a bridge.
type Service struct {
	universe  Universe
	logger    *log.Logger
	publisher Publisher
}

// Option customizes a service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets where PreviewCompleted events go.
func WithPublisher(pub Publisher) Option {
	return func(s *Service) {
		s.publisher = pub
	}
}

// NewService builds a preview service.
func NewService(u Universe, opts ...Option) (*Service, error) {
	if u == nil {
		return nil, ErrNilUniverse
	}
	s := &Service{universe: u, logger: log.New(io.Discard, "", 0)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Preview clones the current world, applies req and reports what the rules
// would do.
func (s *Service) Preview(ctx context.Context, req Request) (report Report, err error) {
	started := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObservePreview(result, time.Since(started))
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Step < 0 {
		return Report{}, ErrInvalidStep
	}

	current := s.universe.Current()
	h := current.Clone()
	defer h.Discard()
	start := h.Time()
	if !req.At.IsZero() && req.At.Before(start) {
		return Report{}, ErrTimeReversed
	}
	before := h.Snapshot()
	stop := s.universe.Program().Trace(h)

	for _, c := range req.Changes {
		if err := s.change(ctx, h, c); err != nil {
			stop()
			return Report{}, err
		}
	}
	if !req.At.IsZero() {
		s.advance(ctx, h, req.At, req.Step)
	}
	s.universe.Recheck(ctx, h)
	if _, err := s.universe.Program().Settle(ctx, h); err != nil {
		stop()
		return Report{}, fmt.Errorf("preview: settle: %w", err)
	}

	report = Report{
		WorldID: h.ID(),
		Start:   start,
		At:      h.Time(),
		Passes:  stop(),
		Diffs:   s.diff(before, h.Snapshot()),
	}
	s.logger.Printf("preview world=%s at=%s passes=%d diffs=%d", report.WorldID, report.At.Format(time.RFC3339), len(report.Passes), len(report.Diffs))
	if s.publisher != nil {
		event := eventing.PreviewCompleted{
			WorldID:    report.WorldID,
			At:         report.At,
			Passes:     len(report.Passes),
			Diffs:      len(report.Diffs),
			OccurredAt: time.Now().UTC(),
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Printf("preview publish failed world=%s err=%v", report.WorldID, err)
		}
	}
	return report, nil
}

func (s *Service) change(ctx context.Context, h *world.Hypothetical, c Change) error {
	d, ok := s.universe.FindDevice(c.Device)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, c.Device)
	}
	if err := d.SetValue(ctx, c.Parameter, c.Value, h); err != nil {
		return fmt.Errorf("preview: set %s.%s: %w", d.Name(), c.Parameter, err)
	}
	return nil
}

// advance moves the clock to at, rechecking timers at every step so short
// windows on the way are observed.
func (s *Service) advance(ctx context.Context, h *world.Hypothetical, at time.Time, step time.Duration) {
	if step > 0 {
		for next := h.Time().Add(step); next.Before(at); next = next.Add(step) {
			_ = h.SetTime(next)
			s.universe.Recheck(ctx, h)
		}
	}
	_ = h.SetTime(at)
}

func (s *Service) diff(before, after map[world.Key]any) []Diff {
	keys := make(map[world.Key]struct{}, len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	var out []Diff
	for k := range keys {
		b, a := before[k], after[k]
		if parameter.Equal(b, a) {
			continue
		}
		name := k.Device
		if d, ok := s.universe.FindDevice(k.Device); ok {
			name = d.Name()
		}
		out = append(out, Diff{DeviceID: k.Device, Device: name, Parameter: k.Parameter, Before: b, After: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out
}
