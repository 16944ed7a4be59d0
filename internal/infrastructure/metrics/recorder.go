package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// Recorder turns domain events into metric updates.
type Recorder struct {
	metrics ports.MetricsCollector

	mu      sync.Mutex
	started map[string]time.Time
}

// NewRecorder creates a Recorder writing to metrics.
func NewRecorder(metrics ports.MetricsCollector) *Recorder {
	return &Recorder{metrics: metrics, started: make(map[string]time.Time)}
}

// Attach subscribes the recorder to every event of publisher.
func (r *Recorder) Attach(publisher ports.EventPublisher) (ports.Subscription, error) {
	return publisher.Subscribe(events.AllEvents, r.Handle)
}

// Handle implements ports.EventHandler.
func (r *Recorder) Handle(ctx context.Context, event ports.DomainEvent) error {
	switch payload := event.Payload().(type) {
	case events.PlanEvent:
		r.plan(ctx, event.EventType(), payload)
	case events.NodeStatusEvent:
		if !payload.Status.IsTerminal() {
			return nil
		}
		stepType := string(payload.StepType)
		r.metrics.IncCounter(ctx, NodeExecutionsTotal, map[string]string{
			"step_type": stepType,
			"status":    string(payload.Status),
		})
		r.metrics.ObserveHistogram(ctx, NodeDurationSeconds, payload.Duration.Seconds(), map[string]string{
			"step_type": stepType,
		})
	case events.InterruptEvent:
		r.metrics.IncCounter(ctx, InterruptsTotal, map[string]string{
			"type":  string(payload.Type),
			"state": string(payload.State),
		})
	}
	return nil
}

func (r *Recorder) plan(ctx context.Context, eventType string, payload events.PlanEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch eventType {
	case ports.EventPlanStarted:
		r.started[payload.PlanExecutionID] = payload.At
	case ports.EventPlanCompleted:
		r.metrics.IncCounter(ctx, PlanExecutionsTotal, map[string]string{"status": string(payload.Status)})
		if start, ok := r.started[payload.PlanExecutionID]; ok {
			r.metrics.ObserveHistogram(ctx, PlanDurationSeconds, payload.At.Sub(start).Seconds(), nil)
			delete(r.started, payload.PlanExecutionID)
		}
	default:
		return
	}
	r.metrics.SetGauge(ctx, PlansActive, float64(len(r.started)), nil)
}
