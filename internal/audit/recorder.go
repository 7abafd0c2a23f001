package audit

import (
	"context"
	"encoding/json"

	"homectl/internal/eventing"
	"homectl/internal/rule"
)

// ConsumerName identifies the recorder for idempotent delivery.
const ConsumerName = "audit.rule_outcomes"

// Recorder writes an entry for every rule outcome that did something in the
// current world: actions ran, failed or were blocked by a tie.
type Recorder struct {
	logger Logger
}

// NewRecorder constructs a recorder.
func NewRecorder(logger Logger) *Recorder {
	return &Recorder{logger: logger}
}

// Register subscribes the recorder to rule outcomes on bus.
func (r *Recorder) Register(bus eventing.EventBus, store eventing.ProcessedStore) {
	eventing.Subscribe(bus, eventing.EventTypeOf[eventing.RuleEvaluated](), ConsumerName, r.Handle, store)
}

// Handle is an eventing.EventHandler for RuleEvaluated events.
func (r *Recorder) Handle(ctx context.Context, event any) error {
	e, ok := event.(eventing.RuleEvaluated)
	if !ok || r == nil || r.logger == nil || !e.Current {
		return nil
	}
	switch e.Status {
	case rule.StatusApplied, rule.StatusActionFailed, rule.StatusConflict:
	default:
		return nil
	}
	entry := Entry{
		Actor:        "program",
		Action:       "rule." + e.Status,
		ResourceType: "rule",
		ResourceID:   e.RuleID,
		ResourceName: e.RuleName,
		WorldID:      e.WorldID,
		CreatedAt:    e.OccurredAt,
	}
	var pass string
	if env, ok := eventing.EnvelopeFromContext(ctx); ok {
		if env.EventID != "" {
			// The event id keeps redelivered events from duplicating entries.
			entry.ID = "audit-" + env.EventID
		}
		if env.Source != "" {
			entry.Actor = env.Source
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = env.OccurredAt
		}
		pass = env.CorrelationID
	}
	meta, err := json.Marshal(map[string]any{
		"pass":     pass,
		"priority": e.Priority,
		"error":    e.Error,
	})
	if err != nil {
		return err
	}
	entry.Metadata = meta
	return r.logger.Log(ctx, entry)
}
