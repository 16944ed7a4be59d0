// Package execution is the application layer of pipewright: it submits
// plans, reports their progress and forwards operator and worker input to
// the engine.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/interrupt"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

const defaultPollInterval = 50 * time.Millisecond

// Dependencies bundles what the service needs. Loader is only required by
// SubmitFile.
type Dependencies struct {
	Engine     *engine.Engine
	Interrupts *interrupt.Service
	Loader     ports.PlanLoader
	Logger     ports.Logger
}

// Service coordinates plan submission and inspection for the CLI, the HTTP
// API and the watch UI.
type Service struct {
	engine       *engine.Engine
	store        ports.ExecutionStore
	interrupts   *interrupt.Service
	loader       ports.PlanLoader
	logger       ports.Logger
	pollInterval time.Duration
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithPollInterval sets how often Await re-reads a plan execution.
func WithPollInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New builds a Service.
func New(deps Dependencies, opts ...ServiceOption) *Service {
	logger := logging.OrNoOp(deps.Logger)
	s := &Service{
		engine:       deps.Engine,
		store:        deps.Engine.Store(),
		interrupts:   deps.Interrupts,
		loader:       deps.Loader,
		logger:       logger.With("component", "service"),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitRequest describes a plan to run.
type SubmitRequest struct {
	// PlanExecutionID is optional; resubmitting the same id is a no-op.
	PlanExecutionID string
	Plan            pipeline.Plan
	Setup           map[string]string
}

// Submit validates and schedules a plan and returns its plan execution id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id, err := s.engine.SubmitPlan(ctx, engine.SubmitRequest{
		PlanExecutionID:   req.PlanExecutionID,
		Plan:              req.Plan,
		SetupAbstractions: req.Setup,
	})
	if err != nil {
		s.logger.Warn(ctx, "plan rejected", "plan", req.Plan.Name, "error", err)
		return "", err
	}
	s.logger.Info(ctx, "plan submitted", "plan", req.Plan.Name, "plan_execution_id", id, "nodes", len(req.Plan.Nodes))
	return id, nil
}

// SubmitFile loads a plan document and submits it.
func (s *Service) SubmitFile(ctx context.Context, path string, setup map[string]string) (string, error) {
	if s.loader == nil {
		return "", errors.New("execution: no plan loader configured")
	}
	plan, err := s.loader.Load(ctx, path)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, SubmitRequest{Plan: *plan, Setup: setup})
}

// PlanStatus is a consistent-enough snapshot of one plan execution.
type PlanStatus struct {
	Plan       *execution.PlanExecution   `json:"planExecution"`
	Nodes      []*execution.NodeExecution `json:"nodeExecutions"`
	Interrupts []*execution.Interrupt     `json:"interrupts,omitempty"`
}

// Counts tallies node executions by status.
func (p PlanStatus) Counts() map[execution.Status]int {
	counts := make(map[execution.Status]int)
	for _, node := range p.Nodes {
		counts[node.Status]++
	}
	return counts
}

// Status returns the plan execution with its node executions in creation
// order, and the interrupts raised against it.
func (s *Service) Status(ctx context.Context, planExecutionID string) (*PlanStatus, error) {
	plan, err := s.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, notFound(err, "plan execution not found", planExecutionID)
	}
	nodes, err := s.store.ListNodeExecutions(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	interrupts, err := s.store.ListInterrupts(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	return &PlanStatus{Plan: plan, Nodes: nodes, Interrupts: interrupts}, nil
}

// List returns every known plan execution, newest first.
func (s *Service) List(ctx context.Context) ([]*execution.PlanExecution, error) {
	plans, err := s.store.ListPlanExecutions(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})
	return plans, nil
}

// Interrupt registers an operator interrupt.
func (s *Service) Interrupt(ctx context.Context, req interrupt.RaiseRequest) (*execution.Interrupt, error) {
	if s.interrupts == nil {
		return nil, errors.New("execution: interrupts are not available")
	}
	return s.interrupts.Raise(ctx, req)
}

// TaskResult reports the outcome of a delegated task.
func (s *Service) TaskResult(ctx context.Context, taskID string, result []byte) error {
	return s.engine.OnTaskResult(ctx, taskID, result)
}

// Notify answers an asynchronous step waiting on correlationID.
func (s *Service) Notify(ctx context.Context, correlationID string, payload json.RawMessage) error {
	return s.engine.Notify(ctx, correlationID, payload)
}

// Await blocks until the plan execution is terminal or ctx is done.
func (s *Service) Await(ctx context.Context, planExecutionID string) (*execution.PlanExecution, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		plan, err := s.store.GetPlanExecution(ctx, planExecutionID)
		if err != nil {
			return nil, notFound(err, "plan execution not found", planExecutionID)
		}
		if plan.Status.IsTerminal() {
			return plan, nil
		}
		select {
		case <-ctx.Done():
			return plan, ctx.Err()
		case <-ticker.C:
		}
	}
}

func notFound(err error, message, id string) error {
	if errors.Is(err, ports.ErrNotFound) {
		return pipeline.NewError(pipeline.ErrCodeNotFound, message, err, map[string]interface{}{"id": id})
	}
	return err
}
