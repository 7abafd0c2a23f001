package condition

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"homectl/internal/device"
	"homectl/internal/observability/metrics"
	"homectl/internal/scheduler"
	"homectl/internal/store"
	"homectl/internal/world"
)

// Handler receives condition notifications for a world.
type Handler interface {
	On(ctx context.Context, w world.World, c Condition, props world.Properties)
	Off(ctx context.Context, w world.World, c Condition)
	Trigger(ctx context.Context, w world.World, c Condition, props world.Properties)
	Error(ctx context.Context, w world.World, c Condition, err error)
}

// Funcs adapts optional functions to Handler.
type Funcs struct {
	OnFunc      func(ctx context.Context, w world.World, c Condition, props world.Properties)
	OffFunc     func(ctx context.Context, w world.World, c Condition)
	TriggerFunc func(ctx context.Context, w world.World, c Condition, props world.Properties)
	ErrorFunc   func(ctx context.Context, w world.World, c Condition, err error)
}

func (f Funcs) On(ctx context.Context, w world.World, c Condition, props world.Properties) {
	if f.OnFunc != nil {
		f.OnFunc(ctx, w, c, props)
	}
}

func (f Funcs) Off(ctx context.Context, w world.World, c Condition) {
	if f.OffFunc != nil {
		f.OffFunc(ctx, w, c)
	}
}

func (f Funcs) Trigger(ctx context.Context, w world.World, c Condition, props world.Properties) {
	if f.TriggerFunc != nil {
		f.TriggerFunc(ctx, w, c, props)
	}
}

func (f Funcs) Error(ctx context.Context, w world.World, c Condition, err error) {
	if f.ErrorFunc != nil {
		f.ErrorFunc(ctx, w, c, err)
	}
}

// Condition is a predicate over a world.
type Condition interface {
	ID() string
	Name() string
	Label() string
	Type() string

	// Status returns the properties of the condition if it holds in w and
	// nil if it does not.
	Status(ctx context.Context, w world.World) (world.Properties, error)

	IsTrigger() bool
	IsBase() bool

	// Sensors returns every device whose change could affect the condition.
	Sensors() []*device.Device

	// IsConsistentWith reports whether both conditions can hold at once.
	IsConsistentWith(other Condition) bool
	// CanOverlap reports whether rules on both conditions may be active
	// together.
	CanOverlap(other Condition) bool

	// AddHandler registers h and returns a function that removes it. A
	// condition only listens to its inputs while it has handlers.
	AddHandler(h Handler) func()

	ToRecord() store.Record
}

// Deps are the collaborators conditions need beyond their inputs.
type Deps struct {
	Scheduler scheduler.Scheduler
	Current   world.World
	Logger    *log.Logger
	Location  *time.Location
}

func (d Deps) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

func (d Deps) location() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

// Option customizes a condition at construction.
type Option func(*settings)

type settings struct {
	id          string
	name        string
	label       string
	description string
	trigger     bool
	op          Operator
	logger      *log.Logger
}

// WithID assigns a stable id.
func WithID(id string) Option {
	return func(s *settings) {
		s.id = id
	}
}

// WithName overrides the generated name.
func WithName(name string) Option {
	return func(s *settings) {
		s.name = name
	}
}

// WithLabel sets the display label.
func WithLabel(label string) Option {
	return func(s *settings) {
		s.label = label
	}
}

// WithDescription sets the description.
func WithDescription(description string) Option {
	return func(s *settings) {
		s.description = description
	}
}

// AsTrigger makes the condition fire once when it becomes true instead of
// holding an on state.
func AsTrigger() Option {
	return func(s *settings) {
		s.trigger = true
	}
}

// WithOperator sets the comparison of a parameter condition.
func WithOperator(op Operator) Option {
	return func(s *settings) {
		if op != "" {
			s.op = op
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{op: OpEQL, logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.id == "" {
		s.id = "COND_" + uuid.NewString()
	}
	return s
}

type handlerEntry struct {
	id int
	h  Handler
}

// base carries identity, handler bookkeeping and the per-world on state
// shared by every condition kind.
type base struct {
	id          string
	name        string
	label       string
	description string
	trigger     bool
	logger      *log.Logger
	self        Condition

	mu          sync.Mutex
	handlers    []handlerEntry
	nextHandler int
	attach      func() func()
	detach      func()
	states      map[string]world.Properties
	seen        map[string]bool
}

func (b *base) init(self Condition, s settings, name string) {
	b.self = self
	b.id = s.id
	b.name = s.name
	if b.name == "" {
		b.name = name
	}
	b.label = s.label
	b.description = s.description
	b.trigger = s.trigger
	b.logger = s.logger
	b.states = make(map[string]world.Properties)
	b.seen = make(map[string]bool)
}

func (b *base) ID() string      { return b.id }
func (b *base) Name() string    { return b.name }
func (b *base) IsTrigger() bool { return b.trigger }
func (b *base) IsBase() bool    { return false }

// Label returns the display label, falling back to the name.
func (b *base) Label() string {
	if b.label == "" {
		return b.name
	}
	return b.label
}

func (b *base) String() string {
	return b.name
}

// CanOverlap is reflexive and otherwise requires consistency both ways.
func (b *base) CanOverlap(other Condition) bool {
	if other == nil || other == b.self {
		return true
	}
	return b.self.IsConsistentWith(other) && other.IsConsistentWith(b.self)
}

// AddHandler registers h. The first handler attaches the condition to its
// inputs and removing the last one detaches it.
func (b *base) AddHandler(h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextHandler++
	id := b.nextHandler
	b.handlers = append(b.handlers, handlerEntry{id: id, h: h})
	first := len(b.handlers) == 1
	attach := b.attach
	b.mu.Unlock()

	if first && attach != nil {
		detach := attach()
		b.mu.Lock()
		b.detach = detach
		b.mu.Unlock()
	}
	var once sync.Once
	return func() {
		once.Do(func() { b.removeHandler(id) })
	}
}

func (b *base) removeHandler(id int) {
	b.mu.Lock()
	for i, e := range b.handlers {
		if e.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			break
		}
	}
	var detach func()
	if len(b.handlers) == 0 {
		detach = b.detach
		b.detach = nil
	}
	b.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (b *base) snapshot() []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Handler, 0, len(b.handlers))
	for _, e := range b.handlers {
		out = append(out, e.h)
	}
	return out
}

// isOn reports the last published state in w.
func (b *base) isOn(w world.World) bool {
	b.mu.Lock()
	first := b.see(w)
	_, ok := b.states[w.ID()]
	b.mu.Unlock()
	if first {
		b.forgetOnDiscard(w)
	}
	return ok
}

// setState records the published state and reports whether it changed.
func (b *base) setState(w world.World, props world.Properties) bool {
	b.mu.Lock()
	first := b.see(w)
	old, was := b.states[w.ID()]
	changed := true
	switch {
	case props == nil && !was:
		changed = false
	case props == nil:
		delete(b.states, w.ID())
	case was && old.Equal(props):
		changed = false
	default:
		b.states[w.ID()] = props.Clone()
	}
	b.mu.Unlock()
	if first {
		b.forgetOnDiscard(w)
	}
	return changed
}

// see marks w as known, starting a clone from the on state of the world it
// was cloned from. It reports whether w was new. Callers hold b.mu.
func (b *base) see(w world.World) bool {
	if b.seen[w.ID()] {
		return false
	}
	b.seen[w.ID()] = true
	if props, ok := b.states[w.ParentID()]; ok && w.ParentID() != "" {
		b.states[w.ID()] = props.Clone()
	}
	return true
}

func (b *base) forgetOnDiscard(w world.World) {
	w.OnDiscard(b.id+":state", func(w world.World) {
		b.mu.Lock()
		delete(b.states, w.ID())
		delete(b.seen, w.ID())
		b.mu.Unlock()
	})
}

// publish turns a fresh evaluation into notifications. Level conditions
// fire on and off; trigger conditions fire once on each false to true edge.
func (b *base) publish(ctx context.Context, w world.World, props world.Properties, err error) {
	if err != nil {
		b.fireError(ctx, w, err)
		return
	}
	if b.trigger {
		wasOn := b.isOn(w)
		b.setState(w, props)
		if props != nil && !wasOn {
			b.fireTrigger(ctx, w, props)
		}
		return
	}
	if !b.setState(w, props) {
		return
	}
	if props != nil {
		b.fire(ctx, w, "on", func(h Handler, ctx context.Context) { h.On(ctx, w, b.self, props.Clone()) })
		return
	}
	b.fire(ctx, w, "off", func(h Handler, ctx context.Context) { h.Off(ctx, w, b.self) })
}

func (b *base) fireTrigger(ctx context.Context, w world.World, props world.Properties) {
	w.AddTrigger(b.id, props)
	b.fire(ctx, w, "trigger", func(h Handler, ctx context.Context) { h.Trigger(ctx, w, b.self, props.Clone()) })
}

func (b *base) fireError(ctx context.Context, w world.World, err error) {
	b.logger.Printf("condition: name=%s world=%s err=%v", b.name, w.ID(), err)
	b.fire(ctx, w, "error", func(h Handler, ctx context.Context) { h.Error(ctx, w, b.self, err) })
}

// fire calls every handler inside the world's update bracket.
func (b *base) fire(ctx context.Context, w world.World, event string, call func(Handler, context.Context)) {
	metrics.IncConditionEvent(event)
	ctx, err := w.StartUpdate(ctx)
	if err != nil {
		b.logger.Printf("condition: name=%s world=%s event=%s err=%v", b.name, w.ID(), event, err)
		return
	}
	defer w.EndUpdate(ctx)
	for _, h := range b.snapshot() {
		b.safeCall(ctx, w, event, h, call)
	}
}

func (b *base) safeCall(ctx context.Context, w world.World, event string, h Handler, call func(Handler, context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("condition: handler panic name=%s world=%s event=%s err=%v", b.name, w.ID(), event, r)
		}
	}()
	call(h, ctx)
}

func (b *base) header(typ string) store.Record {
	rec := store.Record{
		store.KeyID:   b.id,
		store.KeyName: b.name,
		store.KeyType: typ,
	}
	if b.label != "" {
		rec[store.KeyLabel] = b.label
	}
	if b.description != "" {
		rec[store.KeyDescription] = b.description
	}
	if b.trigger {
		rec[keyTrigger] = true
	}
	return rec
}

func sensorUnion(conds ...Condition) []*device.Device {
	seen := make(map[*device.Device]bool)
	var out []*device.Device
	for _, c := range conds {
		for _, d := range c.Sensors() {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}
