package ports

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// EventPlanStarted is emitted when the root node of a plan starts.
	EventPlanStarted = "plan.started"
	// EventPlanCompleted is emitted when a plan execution reaches a terminal status.
	EventPlanCompleted = "plan.completed"
	// EventNodeStatusChanged is emitted after every node status transition.
	EventNodeStatusChanged = "node.status_changed"
	// EventInterruptHandled is emitted after an interrupt is processed or discarded.
	EventInterruptHandled = "interrupt.handled"
)

// DomainEvent represents a significant occurrence within the engine.
// Events carry structured payloads that downstream subscribers can use for
// logging, UI updates, or metrics.
type DomainEvent interface {
	EventType() string
	Payload() interface{}
}

// EventPublisher distributes events to interested subscribers. Publish blocks
// until all handlers run. Implementations must be thread-safe.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
}

// EventHandler processes an event of a specific type. Failures are surfaced
// via returned errors so publishers can log diagnostics and continue
// delivering to remaining subscribers.
type EventHandler func(context.Context, DomainEvent) error

// Subscription represents a registered handler. Callers must invoke
// Unsubscribe to stop receiving events.
type Subscription interface {
	Unsubscribe()
}

// EventCategory groups orchestration traffic on the bus.
type EventCategory string

const (
	CategoryOrchestration EventCategory = "orchestration"
	CategoryInterrupt     EventCategory = "interrupt"
)

// EventKind identifies the payload carried by a bus message.
type EventKind string

const (
	KindInitiateNode EventKind = "initiate-node"
	KindStartNode    EventKind = "start-node"
	KindResumeNode   EventKind = "resume-node"
	KindInterrupt    EventKind = "interrupt-event"
)

// Message is a bus envelope. Delivery is at-least-once, so consumers must be
// idempotent.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// MessageHandler consumes one message. Returning an error schedules a
// redelivery.
type MessageHandler func(ctx context.Context, msg Message) error

// Broker moves messages between producers and topic consumers.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(topic string, handler MessageHandler) error
}

// Producer sends typed payloads to one topic.
type Producer interface {
	Topic() string
	Send(ctx context.Context, kind EventKind, payload any) (string, error)
}

// ProducerProvider resolves the producer for a (category, module) pair.
type ProducerProvider interface {
	Producer(category EventCategory, module string) (Producer, error)
}
