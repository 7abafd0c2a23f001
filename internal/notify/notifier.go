package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"homectl/internal/eventing"
	"homectl/internal/rule"
)

// ConsumerName identifies the notifier for idempotent delivery.
const ConsumerName = "notify.rule_outcomes"

// Notification events.
const (
	EventFailed    = "failed"
	EventConflict  = "conflict"
	EventRecovered = "recovered"
)

// Clock provides time for cooldowns.
type Clock interface {
	Now() time.Time
}

// Dispatcher runs sends off the publishing goroutine. scheduler.Pool
// satisfies it.
type Dispatcher interface {
	Submit(fn func()) error
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier turns rule outcomes of the current world into notifications. A
// rule that failed and later applies again produces a recovery notice.
type Notifier struct {
	channel        Channel
	template       *Template
	clock          Clock
	logger         *log.Logger
	dispatcher     Dispatcher
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	sent    map[string]sendRecord
	failing map[string]string
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the notifier logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithDispatcher sends through d instead of on the caller's goroutine.
func WithDispatcher(d Dispatcher) Option {
	return func(n *Notifier) {
		n.dispatcher = d
	}
}

// WithRequestTimeout bounds each send.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same rule and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs a rule outcome notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("rule notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         log.New(io.Discard, "", 0),
		requestTimeout: 5 * time.Second,
		sent:           make(map[string]sendRecord),
		failing:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Register subscribes the notifier to rule outcomes on bus. A nil store
// disables idempotency.
func (n *Notifier) Register(bus eventing.EventBus, store eventing.ProcessedStore) {
	eventing.Subscribe(bus, eventing.EventTypeOf[eventing.RuleEvaluated](), ConsumerName, n.Handle, store)
}

// Handle is an eventing.EventHandler for RuleEvaluated events.
func (n *Notifier) Handle(ctx context.Context, event any) error {
	switch e := event.(type) {
	case eventing.RuleEvaluated:
		n.Notify(ctx, e)
	case *eventing.RuleEvaluated:
		if e != nil {
			n.Notify(ctx, *e)
		}
	}
	return nil
}

// Notify reacts to one rule outcome. Hypothetical worlds are ignored.
func (n *Notifier) Notify(ctx context.Context, event eventing.RuleEvaluated) {
	if n == nil || !event.Current || event.RuleID == "" {
		return
	}
	kind := n.classify(event)
	if kind == "" {
		return
	}
	content, err := n.template.Render(buildTemplateData(kind, event))
	if err != nil {
		n.logger.Printf("notify render failed rule=%s err=%v", event.RuleID, err)
		return
	}
	// The time differs on every event so it is left out of the fingerprint.
	fingerprint := event.Status + "|" + event.Error
	if !n.shouldSend(event.RuleID, kind, fingerprint) {
		return
	}
	send := func() {
		sendCtx := context.Background()
		if n.requestTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(sendCtx, n.requestTimeout)
			defer cancel()
		}
		if err := n.channel.Send(sendCtx, content); err != nil {
			n.logger.Printf("notify send failed rule=%s event=%s err=%v", event.RuleID, kind, err)
			return
		}
		n.markSent(event.RuleID, kind, fingerprint)
	}
	if n.dispatcher == nil {
		send()
		return
	}
	if err := n.dispatcher.Submit(send); err != nil {
		n.logger.Printf("notify dropped rule=%s event=%s err=%v", event.RuleID, kind, err)
	}
}

// classify maps a status to a notification event and tracks which rules
// are failing so a later success can be reported.
func (n *Notifier) classify(event eventing.RuleEvaluated) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch event.Status {
	case rule.StatusActionFailed, rule.StatusConditionError:
		n.failing[event.RuleID] = EventFailed
		return EventFailed
	case rule.StatusConflict:
		n.failing[event.RuleID] = EventConflict
		return EventConflict
	case rule.StatusApplied, rule.StatusActive, rule.StatusInactive:
		if _, ok := n.failing[event.RuleID]; !ok {
			return ""
		}
		delete(n.failing, event.RuleID)
		return EventRecovered
	default:
		return ""
	}
}

func buildTemplateData(kind string, event eventing.RuleEvaluated) TemplateData {
	name := event.RuleName
	if name == "" {
		name = event.RuleID
	}
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return TemplateData{
		Rule:       name,
		RuleID:     event.RuleID,
		World:      event.WorldID,
		Priority:   strconv.FormatFloat(event.Priority, 'f', -1, 64),
		Status:     statusLabel(event.Status),
		StatusCode: event.Status,
		Error:      event.Error,
		Time:       at.UTC().Format(time.RFC3339),
		Suggestion: suggestionFor(kind, event.Status),
		Event:      kind,
		EventLabel: eventLabel(kind),
	}
}

func statusLabel(status string) string {
	switch status {
	case rule.StatusApplied:
		return "applied"
	case rule.StatusActive:
		return "active"
	case rule.StatusInactive:
		return "inactive"
	case rule.StatusActionFailed:
		return "action failed"
	case rule.StatusConditionError:
		return "condition error"
	case rule.StatusConflict:
		return "conflict"
	default:
		return status
	}
}

func eventLabel(event string) string {
	switch event {
	case EventFailed:
		return "Failed"
	case EventConflict:
		return "Conflict"
	case EventRecovered:
		return "Recovered"
	default:
		return event
	}
}

func suggestionFor(kind, status string) string {
	switch {
	case kind == EventRecovered:
		return "No action needed."
	case status == rule.StatusActionFailed:
		return "Check the device and its bridge."
	case status == rule.StatusConditionError:
		return "Check the sensors the condition reads."
	case kind == EventConflict:
		return "Give one of the overlapping rules a higher priority."
	default:
		return "Review the rule."
	}
}

func (n *Notifier) shouldSend(ruleID, eventType, fingerprint string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(ruleID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(fingerprint)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(ruleID, eventType, fingerprint string) {
	key := notificationKey(ruleID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(fingerprint),
	}
	n.mu.Unlock()
}

func notificationKey(ruleID, eventType string) string {
	return ruleID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
