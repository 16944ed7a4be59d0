package events

import (
	"context"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// LoggingPublisher writes each domain event as a structured log entry and
// then fans it out to subscribers synchronously.
type LoggingPublisher struct {
	logger ports.Logger
	subs   map[string][]subscriptionEntry
	nextID int
	mu     sync.RWMutex
}

// NewLoggingPublisher creates an event publisher backed by logger.
func NewLoggingPublisher(logger ports.Logger) *LoggingPublisher {
	return &LoggingPublisher{
		logger: logger,
		subs:   make(map[string][]subscriptionEntry),
	}
}

// Publish logs the event and invokes matching subscribers. Handler failures
// are logged and never stop delivery to the remaining handlers.
func (p *LoggingPublisher) Publish(ctx context.Context, event ports.DomainEvent) error {
	if p == nil || event == nil {
		return nil
	}

	p.mu.RLock()
	handlers := append([]subscriptionEntry(nil), p.subs[event.EventType()]...)
	handlers = append(handlers, p.subs[AllEvents]...)
	p.mu.RUnlock()

	if p.logger != nil {
		p.logger.Debug(ctx, "domain event", eventFields(event)...)
	}

	for _, entry := range handlers {
		if entry.handler == nil {
			continue
		}
		if err := entry.handler(ctx, event); err != nil && p.logger != nil {
			p.logger.Warn(ctx, "event handler failed", "event_type", event.EventType(), "error", err)
		}
	}
	return nil
}

// Subscribe registers a handler for eventType, or for every event when
// eventType is AllEvents.
func (p *LoggingPublisher) Subscribe(eventType string, handler ports.EventHandler) (ports.Subscription, error) {
	if p == nil || handler == nil {
		return noopSubscription{}, nil
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[eventType] = append(p.subs[eventType], subscriptionEntry{id: id, handler: handler})
	p.mu.Unlock()

	return subscription{
		cancel: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			handlers := p.subs[eventType]
			for i, entry := range handlers {
				if entry.id == id {
					p.subs[eventType] = append(handlers[:i:i], handlers[i+1:]...)
					break
				}
			}
		},
	}, nil
}

func eventFields(event ports.DomainEvent) []interface{} {
	fields := []interface{}{"event_type", event.EventType()}
	switch payload := event.Payload().(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(payload))
		for key := range payload {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fields = append(fields, key, payload[key])
		}
	case interface{ Fields() []interface{} }:
		fields = append(fields, payload.Fields()...)
	case nil:
	default:
		fields = append(fields, "payload", payload)
	}
	return fields
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

type subscription struct {
	cancel func()
}

func (s subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriptionEntry struct {
	id      int
	handler ports.EventHandler
}

var _ ports.EventPublisher = (*LoggingPublisher)(nil)
