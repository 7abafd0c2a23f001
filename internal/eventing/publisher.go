package eventing

import "context"

// Publisher stamps events with an envelope and hands them to the bus.
// Handlers find the envelope with EnvelopeFromContext.
type Publisher struct {
	bus    EventBus
	source string
}

// NewPublisher constructs a publisher.
func NewPublisher(bus EventBus, source string) *Publisher {
	return &Publisher{bus: bus, source: source}
}

// Publish builds the envelope and delivers the event.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx, p.source))
	if err != nil {
		return err
	}
	return p.bus.Publish(WithEnvelope(ctx, env), event)
}

// Subscribe delegates to the underlying bus.
func (p *Publisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Subscribe(eventType, handler)
}
