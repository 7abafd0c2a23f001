package eventing

import (
	"errors"
	"reflect"
	"time"
)

// Envelope carries delivery metadata alongside an event. Handlers read it
// with EnvelopeFromContext: EventID keys idempotent delivery, CorrelationID
// groups the events of one program pass.
type Envelope struct {
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	Source        string    `json:"source"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	CorrelationID string
	Source        string
	OccurredAt    time.Time
}

// BuildEnvelope constructs an envelope from event payload and metadata.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}

	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = extractTimeField(event, "OccurredAt")
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	eventID := meta.EventID
	if eventID == "" {
		eventID = NewEventID()
	}

	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}

	return Envelope{
		EventID:       eventID,
		CorrelationID: correlationID,
		Source:        meta.Source,
		OccurredAt:    occurredAt.UTC(),
	}, nil
}

func extractTimeField(event any, name string) time.Time {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return time.Time{}
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return time.Time{}
	}
	field := value.FieldByName(name)
	if !field.IsValid() {
		return time.Time{}
	}
	if t, ok := field.Interface().(time.Time); ok {
		return t
	}
	return time.Time{}
}
