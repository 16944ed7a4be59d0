// Package interrupt registers operator interventions against running plan
// executions and applies them when the bus delivers them.
package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// DefaultModule is the producer module interrupts are sent under.
const DefaultModule = "interrupt"

// Dependencies bundles what the service needs. Events is optional.
type Dependencies struct {
	Engine    *engine.Engine
	Producers ports.ProducerProvider
	Events    ports.EventPublisher
	Logger    ports.Logger
}

// Service raises and handles interrupts.
type Service struct {
	engine    *engine.Engine
	store     ports.ExecutionStore
	producers ports.ProducerProvider
	events    ports.EventPublisher
	logger    ports.Logger
	module    string
}

// Option customises a Service.
type Option func(*Service)

// WithModule overrides the producer module.
func WithModule(module string) Option {
	return func(s *Service) {
		if module != "" {
			s.module = module
		}
	}
}

// New builds a Service.
func New(deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("interrupt: engine is required")
	}
	if deps.Producers == nil {
		return nil, errors.New("interrupt: producer provider is required")
	}
	logger := logging.OrNoOp(deps.Logger)
	s := &Service{
		engine:    deps.Engine,
		store:     deps.Engine.Store(),
		producers: deps.Producers,
		events:    deps.Events,
		logger:    logger.With("component", "interrupt"),
		module:    DefaultModule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Module names the producer module, and with it the topic, the service
// sends interrupts to.
func (s *Service) Module() string {
	return s.module
}

// RaiseRequest describes an interrupt to register. TargetRuntimeID is empty
// for plan-wide interrupts.
type RaiseRequest struct {
	PlanExecutionID string                  `json:"planExecutionId"`
	Type            execution.InterruptType `json:"type"`
	TargetRuntimeID string                  `json:"targetNodeExecutionId,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
}

type message struct {
	InterruptID string `json:"interruptId"`
}

// Raise validates and persists an interrupt, then schedules it. The
// returned record is REGISTERED; handling happens asynchronously.
func (s *Service) Raise(ctx context.Context, req RaiseRequest) (*execution.Interrupt, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	id := engine.NewID()
	interrupt := &execution.Interrupt{
		ID:              id,
		Type:            req.Type,
		PlanExecutionID: req.PlanExecutionID,
		TargetRuntimeID: req.TargetRuntimeID,
		NotifyID:        id,
		State:           execution.InterruptRegistered,
		Reason:          req.Reason,
		CreatedAt:       s.engine.Now(),
	}
	if err := s.store.CreateInterrupt(ctx, interrupt); err != nil {
		return nil, fmt.Errorf("create interrupt: %w", err)
	}

	producer, err := s.producers.Producer(ports.CategoryInterrupt, s.module)
	if err == nil {
		_, err = producer.Send(ctx, ports.KindInterrupt, message{InterruptID: id})
	}
	if err != nil {
		if _, terr := s.store.TransitionInterrupt(ctx, id, execution.InterruptDiscarded, "could not be scheduled"); terr != nil {
			err = errors.Join(err, terr)
		}
		return nil, fmt.Errorf("schedule interrupt: %w", err)
	}

	s.logger.Info(ctx, "interrupt registered",
		"interrupt_id", id,
		"interrupt_type", req.Type,
		"plan_execution_id", req.PlanExecutionID,
		"target_runtime_id", req.TargetRuntimeID,
	)
	return interrupt, nil
}

func (s *Service) validate(ctx context.Context, req RaiseRequest) error {
	if !req.Type.Valid() {
		return pipeline.NewError(pipeline.ErrCodeValidation, "unknown interrupt type", nil, map[string]interface{}{
			"type": string(req.Type),
		})
	}
	if req.PlanExecutionID == "" {
		return pipeline.NewError(pipeline.ErrCodeMissing, "missing required field", nil, map[string]interface{}{
			"field": "planExecutionId",
		})
	}
	if req.Type.RequiresTarget() && req.TargetRuntimeID == "" {
		return pipeline.NewError(pipeline.ErrCodeMissing, "interrupt needs a target node execution", nil, map[string]interface{}{
			"type": string(req.Type),
		})
	}

	plan, err := s.store.GetPlanExecution(ctx, req.PlanExecutionID)
	if errors.Is(err, ports.ErrNotFound) {
		return pipeline.NewError(pipeline.ErrCodeNotFound, "plan execution not found", err, map[string]interface{}{
			"plan_execution_id": req.PlanExecutionID,
		})
	}
	if err != nil {
		return err
	}
	if plan.Status.IsTerminal() {
		return pipeline.NewError(pipeline.ErrCodeState, "plan execution already finished", nil, map[string]interface{}{
			"plan_execution_id": plan.ID,
			"status":            string(plan.Status),
		})
	}

	if req.TargetRuntimeID == "" {
		return nil
	}
	target, err := s.store.GetNodeExecution(ctx, req.TargetRuntimeID)
	if errors.Is(err, ports.ErrNotFound) {
		return pipeline.NewError(pipeline.ErrCodeNotFound, "node execution not found", err, map[string]interface{}{
			"runtime_id": req.TargetRuntimeID,
		})
	}
	if err != nil {
		return err
	}
	if target.PlanExecutionID != plan.ID {
		return pipeline.NewError(pipeline.ErrCodeValidation, "node execution belongs to another plan execution", nil, map[string]interface{}{
			"runtime_id":        target.UUID,
			"plan_execution_id": plan.ID,
		})
	}
	return nil
}

// Get returns one interrupt.
func (s *Service) Get(ctx context.Context, id string) (*execution.Interrupt, error) {
	return s.store.GetInterrupt(ctx, id)
}

// List returns the interrupts raised against a plan execution.
func (s *Service) List(ctx context.Context, planExecutionID string) ([]*execution.Interrupt, error) {
	return s.store.ListInterrupts(ctx, planExecutionID)
}

// Handle consumes one interrupt message. An interrupt is applied only while
// REGISTERED and leaves that state exactly once. Interrupts that no longer
// fit the execution are DISCARDED; other failures are returned so the
// broker redelivers.
func (s *Service) Handle(ctx context.Context, msg ports.Message) error {
	if msg.Kind != ports.KindInterrupt {
		s.logger.Warn(ctx, "dropping message of unknown kind", "event_kind", msg.Kind, "message_id", msg.ID)
		return nil
	}
	var payload message
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.logger.Error(ctx, "dropping undecodable interrupt", "message_id", msg.ID, "error", err)
		return nil
	}

	interrupt, err := s.store.GetInterrupt(ctx, payload.InterruptID)
	if errors.Is(err, ports.ErrNotFound) {
		s.logger.Warn(ctx, "interrupt vanished", "interrupt_id", payload.InterruptID)
		return nil
	}
	if err != nil {
		return err
	}
	if interrupt.State != execution.InterruptRegistered {
		return nil
	}

	state, reason := execution.InterruptProcessed, interrupt.Reason
	if err := s.apply(ctx, interrupt); err != nil {
		if !discardable(err) {
			return err
		}
		state, reason = execution.InterruptDiscarded, err.Error()
	}

	moved, err := s.store.TransitionInterrupt(ctx, interrupt.ID, state, reason)
	if err != nil || !moved {
		return err
	}

	fields := []interface{}{
		"interrupt_id", interrupt.ID,
		"interrupt_type", interrupt.Type,
		"plan_execution_id", interrupt.PlanExecutionID,
		"state", state,
	}
	if state == execution.InterruptDiscarded {
		s.logger.Warn(ctx, "interrupt discarded", append(fields, "reason", reason)...)
	} else {
		s.logger.Info(ctx, "interrupt processed", fields...)
	}

	if s.events != nil {
		event := events.NewEvent(ports.EventInterruptHandled, events.InterruptEvent{
			InterruptID:     interrupt.ID,
			PlanExecutionID: interrupt.PlanExecutionID,
			Type:            interrupt.Type,
			State:           state,
			Reason:          reason,
			At:              s.engine.Now(),
		})
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Warn(ctx, "interrupt event not delivered", "interrupt_id", interrupt.ID, "error", err)
		}
	}
	return nil
}

func discardable(err error) bool {
	if errors.Is(err, ports.ErrNotFound) {
		return true
	}
	code, ok := pipeline.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case pipeline.ErrCodeValidation, pipeline.ErrCodeState, pipeline.ErrCodeNotFound, pipeline.ErrCodeMissing:
		return true
	}
	return false
}
