package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// SubmitRequest describes a plan run.
type SubmitRequest struct {
	// PlanExecutionID is optional; a random id is generated when empty.
	// Submitting the same id twice is a no-op.
	PlanExecutionID   string
	Plan              pipeline.Plan
	SetupAbstractions map[string]string
	// RollbackOf marks this run as the rollback of another plan execution.
	RollbackOf string
}

// SubmitPlan persists a plan execution and schedules its root node.
func (e *Engine) SubmitPlan(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.Plan.Validate(); err != nil {
		return "", err
	}
	id := req.PlanExecutionID
	if id == "" {
		id = NewID()
	}

	now := e.now()
	record := &execution.PlanExecution{
		ID:                id,
		Plan:              req.Plan,
		SetupAbstractions: req.SetupAbstractions,
		Status:            execution.StatusRunning,
		RootRuntimeID:     rootRuntimeID(id),
		CreatedAt:         now,
		StartTs:           now,
		RollbackOf:        req.RollbackOf,
	}
	err := e.store.CreatePlanExecution(ctx, record)
	if errors.Is(err, ports.ErrDuplicate) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("create plan execution: %w", err)
	}
	e.cachePlan(id, req.Plan)

	e.logger.Info(ctx, "plan submitted",
		"plan_execution_id", id,
		"plan", req.Plan.Name,
		"nodes", len(req.Plan.Nodes),
		"rollback_of", req.RollbackOf,
	)
	e.observer.OnStart(ctx, id, record.Status)

	_, err = e.InitiateNode(ctx, InitiateRequest{
		PlanExecutionID: id,
		Ambiance:        execution.NewAmbiance(id, req.SetupAbstractions),
		NodeID:          req.Plan.StartingNodeID,
		RuntimeID:       record.RootRuntimeID,
		Start:           true,
	})
	if err != nil {
		return id, err
	}
	return id, nil
}

// FinalizePlan records the terminal status of a plan execution. A broken
// forward run triggers its rollback run. It is a no-op for a plan that is
// already terminal.
func (e *Engine) FinalizePlan(ctx context.Context, planExecutionID string, status execution.Status, info *execution.FailureInfo) error {
	return e.finalizePlan(ctx, planExecutionID, status, info, true)
}

func (e *Engine) finalizePlan(ctx context.Context, planExecutionID string, status execution.Status, info *execution.FailureInfo, allowRollback bool) error {
	if !status.IsTerminal() {
		status = execution.StatusFailed
	}
	updated, err := e.UpdatePlanExecution(ctx, planExecutionID, func(plan *execution.PlanExecution) error {
		if plan.Status.IsTerminal() {
			return ErrNoChange
		}
		plan.Status = status
		plan.EndTs = e.now()
		if status.IsPositive() {
			plan.FailureInfo = nil
		} else {
			plan.FailureInfo = info
		}
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	fields := []interface{}{
		"plan_execution_id", planExecutionID,
		"status", status,
		"duration", updated.EndTs.Sub(updated.StartTs),
	}
	if info != nil && !status.IsPositive() {
		fields = append(fields, "failure", info.Message)
	}
	e.logger.Info(ctx, "plan finished", fields...)
	e.observer.OnEnd(ctx, planExecutionID, status)

	if !allowRollback || !status.IsBroken() || updated.RollbackOf != "" {
		return nil
	}
	return e.startRollback(ctx, updated)
}

func (e *Engine) startRollback(ctx context.Context, forward *execution.PlanExecution) error {
	execs, err := e.store.ListNodeExecutions(ctx, forward.ID)
	if err != nil {
		return fmt.Errorf("list executions for rollback: %w", err)
	}
	plan, ok := e.planner.Plan(forward.Plan, execs)
	if !ok {
		return nil
	}

	rollbackID := RollbackPlanExecutionID(forward.ID)
	if _, err := e.UpdatePlanExecution(ctx, forward.ID, func(p *execution.PlanExecution) error {
		if p.RollbackID == rollbackID {
			return ErrNoChange
		}
		p.RollbackID = rollbackID
		return nil
	}); err != nil && !errors.Is(err, ErrNoChange) {
		return err
	}

	e.logger.Info(ctx, "starting rollback",
		"plan_execution_id", forward.ID,
		"rollback_plan_execution_id", rollbackID,
		"nodes", len(plan.Nodes),
	)
	_, err = e.SubmitPlan(ctx, SubmitRequest{
		PlanExecutionID:   rollbackID,
		Plan:              plan,
		SetupAbstractions: forward.SetupAbstractions,
		RollbackOf:        forward.ID,
	})
	return err
}
