package world

import (
	"context"
	"sync"
	"time"

	"homectl/internal/observability/metrics"
)

type updateKey struct {
	c *core
}

type transaction struct {
	depth int
}

type hookEntry struct {
	key  string
	hook UpdateHook
}

// core holds the state shared by every world kind.
type core struct {
	id   string
	self World

	mu     sync.RWMutex
	values map[Key]any

	// sem is the update lock. A token is held for the duration of the
	// outermost update transaction.
	sem chan struct{}

	pendingMu sync.Mutex
	triggers  *TriggerContext
	hooks     []hookEntry
}

func newCore(id string, self World) *core {
	return &core{
		id:       id,
		self:     self,
		values:   make(map[Key]any),
		sem:      make(chan struct{}, 1),
		triggers: NewTriggerContext(),
	}
}

func (c *core) ID() string {
	return c.id
}

func (c *core) String() string {
	return c.id
}

func (c *core) Value(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *core) SetValue(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		delete(c.values, key)
		return
	}
	c.values[key] = value
}

// Snapshot copies every stored value.
func (c *core) Snapshot() map[Key]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Key]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *core) transaction(ctx context.Context) *transaction {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(updateKey{c}).(*transaction)
	if t == nil || t.depth <= 0 {
		return nil
	}
	return t
}

// InUpdate reports whether ctx carries an open update of this world.
func (c *core) InUpdate(ctx context.Context) bool {
	return c.transaction(ctx) != nil
}

func (c *core) StartUpdate(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t := c.transaction(ctx); t != nil {
		t.depth++
		return ctx, nil
	}
	start := time.Now()
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, ctx.Err()
	}
	metrics.ObserveUpdateWait(c.self.IsCurrent(), time.Since(start))
	return context.WithValue(ctx, updateKey{c}, &transaction{depth: 1}), nil
}

func (c *core) EndUpdate(ctx context.Context) {
	t := c.transaction(ctx)
	if t == nil {
		return
	}
	t.depth--
	if t.depth > 0 {
		return
	}
	c.pendingMu.Lock()
	hooks := c.hooks
	c.hooks = nil
	<-c.sem
	c.pendingMu.Unlock()
	for _, h := range hooks {
		h.hook(ctx, c.self)
	}
}

// WaitForUpdate blocks until no update is in flight and returns what changed
// since the last call. Called from inside an update it returns immediately.
func (c *core) WaitForUpdate(ctx context.Context) (*TriggerContext, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.transaction(ctx) == nil {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-c.sem }()
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	trig := c.triggers
	c.triggers = NewTriggerContext()
	return trig, nil
}

// AddTrigger records a fired condition. Trigger properties gain TriggerKey.
func (c *core) AddTrigger(conditionID string, props Properties) {
	props = props.Clone()
	props[TriggerKey] = "true"
	c.pendingMu.Lock()
	c.triggers.AddCondition(conditionID, props)
	c.pendingMu.Unlock()
}

// NoteChanged records that a device value changed.
func (c *core) NoteChanged(deviceID string) {
	c.pendingMu.Lock()
	c.triggers.AddDevice(deviceID)
	c.pendingMu.Unlock()
}

// OnUpdateComplete runs hook once the outermost open update ends. Hooks with
// the same key registered before that point are coalesced. With no update in
// flight the hook runs immediately on the caller.
func (c *core) OnUpdateComplete(key string, hook UpdateHook) {
	if hook == nil {
		return
	}
	c.pendingMu.Lock()
	select {
	case c.sem <- struct{}{}:
		<-c.sem
		c.pendingMu.Unlock()
		hook(context.Background(), c.self)
		return
	default:
	}
	for _, h := range c.hooks {
		if h.key == key {
			c.pendingMu.Unlock()
			return
		}
	}
	c.hooks = append(c.hooks, hookEntry{key: key, hook: hook})
	c.pendingMu.Unlock()
}
