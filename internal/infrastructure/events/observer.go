package events

import (
	"context"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// PlanEvent is the payload of plan.started and plan.completed.
type PlanEvent struct {
	PlanExecutionID string
	Status          execution.Status
	At              time.Time
}

// NodeStatusEvent is the payload of node.status_changed.
type NodeStatusEvent struct {
	ports.NodeStatusUpdate
	At time.Time
}

// Fields renders the payload as log fields.
func (e PlanEvent) Fields() []interface{} {
	return []interface{}{"plan_execution_id", e.PlanExecutionID, "status", e.Status}
}

// Fields renders the payload as log fields.
func (e NodeStatusEvent) Fields() []interface{} {
	return []interface{}{
		"plan_execution_id", e.PlanExecutionID,
		"runtime_id", e.RuntimeID,
		"node_id", e.NodeID,
		"step_type", e.StepType,
		"from", e.From,
		"status", e.Status,
	}
}

// InterruptEvent is the payload of interrupt.handled.
type InterruptEvent struct {
	InterruptID     string
	PlanExecutionID string
	Type            execution.InterruptType
	State           execution.InterruptState
	Reason          string
	At              time.Time
}

// Fields renders the payload as log fields.
func (e InterruptEvent) Fields() []interface{} {
	return []interface{}{
		"interrupt_id", e.InterruptID,
		"plan_execution_id", e.PlanExecutionID,
		"interrupt_type", e.Type,
		"state", e.State,
	}
}

type domainEvent struct {
	eventType string
	payload   interface{}
}

func (e domainEvent) EventType() string    { return e.eventType }
func (e domainEvent) Payload() interface{} { return e.payload }

// NewEvent wraps payload as a domain event.
func NewEvent(eventType string, payload interface{}) ports.DomainEvent {
	return domainEvent{eventType: eventType, payload: payload}
}

// ObserverHub adapts engine lifecycle callbacks to domain events. Callbacks
// only enqueue; a single goroutine publishes in order, so slow subscribers
// never stall orchestration. Events are dropped when the buffer is full.
type ObserverHub struct {
	publisher ports.EventPublisher
	logger    ports.Logger
	queue     chan ports.DomainEvent
	now       func() time.Time

	mu      sync.Mutex
	pending sync.WaitGroup
	closed  bool
	done    chan struct{}
}

// NewObserverHub starts the delivery goroutine. Call Close to stop it.
func NewObserverHub(publisher ports.EventPublisher, logger ports.Logger, buffer int) *ObserverHub {
	if buffer <= 0 {
		buffer = 1024
	}
	h := &ObserverHub{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan ports.DomainEvent, buffer),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// OnStart implements ports.Observer.
func (h *ObserverHub) OnStart(_ context.Context, planExecutionID string, status execution.Status) {
	h.enqueue(NewEvent(ports.EventPlanStarted, PlanEvent{PlanExecutionID: planExecutionID, Status: status, At: h.now()}))
}

// OnNodeStatusUpdate implements ports.Observer.
func (h *ObserverHub) OnNodeStatusUpdate(_ context.Context, update ports.NodeStatusUpdate) {
	h.enqueue(NewEvent(ports.EventNodeStatusChanged, NodeStatusEvent{NodeStatusUpdate: update, At: h.now()}))
}

// OnEnd implements ports.Observer.
func (h *ObserverHub) OnEnd(_ context.Context, planExecutionID string, status execution.Status) {
	h.enqueue(NewEvent(ports.EventPlanCompleted, PlanEvent{PlanExecutionID: planExecutionID, Status: status, At: h.now()}))
}

// Flush blocks until every enqueued event was published.
func (h *ObserverHub) Flush() {
	h.pending.Wait()
}

// Close stops accepting events and waits for the queue to drain.
func (h *ObserverHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()
	<-h.done
}

func (h *ObserverHub) enqueue(event ports.DomainEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.pending.Add(1)
	select {
	case h.queue <- event:
	default:
		h.pending.Done()
		if h.logger != nil {
			h.logger.Warn(context.Background(), "observer queue full, dropping event", "event_type", event.EventType())
		}
	}
}

func (h *ObserverHub) run() {
	defer close(h.done)
	for event := range h.queue {
		if h.publisher != nil {
			_ = h.publisher.Publish(context.Background(), event)
		}
		h.pending.Done()
	}
}

var _ ports.Observer = (*ObserverHub)(nil)
