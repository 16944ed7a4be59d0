package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// ErrNoChange is returned by a mutation that has nothing to do. It aborts
// the update without writing.
var ErrNoChange = errors.New("no change")

// NodeMutation edits a working copy of a node execution.
type NodeMutation func(exec *execution.NodeExecution) error

// UpdateNodeExecution applies mutate under compare-and-swap, re-reading
// and re-applying on version conflicts up to the configured attempt count.
// It returns the stored record. When mutate returns ErrNoChange the current
// record is returned together with ErrNoChange.
func (e *Engine) UpdateNodeExecution(ctx context.Context, runtimeID string, mutate NodeMutation) (*execution.NodeExecution, error) {
	for attempt := 1; ; attempt++ {
		current, err := e.store.GetNodeExecution(ctx, runtimeID)
		if err != nil {
			return nil, fmt.Errorf("load node execution %s: %w", runtimeID, err)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return current, err
		}

		err = e.store.CompareAndSwapNodeExecution(ctx, current.Version, next)
		if err == nil {
			e.emitStatusChange(ctx, current.Status, next)
			return next, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, fmt.Errorf("update node execution %s: %w", runtimeID, err)
		}
		if attempt >= e.casAttempts {
			return nil, pipeline.NewError(pipeline.ErrCodeConflict, "node execution update kept conflicting", err, map[string]interface{}{
				"runtime_id": runtimeID,
				"attempts":   attempt,
			})
		}
		if err := sleepContext(ctx, e.casBackoff); err != nil {
			return nil, err
		}
	}
}

// PlanMutation edits a working copy of a plan execution.
type PlanMutation func(plan *execution.PlanExecution) error

// UpdatePlanExecution is UpdateNodeExecution for plan executions.
func (e *Engine) UpdatePlanExecution(ctx context.Context, planExecutionID string, mutate PlanMutation) (*execution.PlanExecution, error) {
	for attempt := 1; ; attempt++ {
		current, err := e.store.GetPlanExecution(ctx, planExecutionID)
		if err != nil {
			return nil, fmt.Errorf("load plan execution %s: %w", planExecutionID, err)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return current, err
		}

		err = e.store.CompareAndSwapPlanExecution(ctx, current.Version, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, fmt.Errorf("update plan execution %s: %w", planExecutionID, err)
		}
		if attempt >= e.casAttempts {
			return nil, pipeline.NewError(pipeline.ErrCodeConflict, "plan execution update kept conflicting", err, map[string]interface{}{
				"plan_execution_id": planExecutionID,
				"attempts":          attempt,
			})
		}
		if err := sleepContext(ctx, e.casBackoff); err != nil {
			return nil, err
		}
	}
}

// transition moves exec to status along a legal edge and stamps times.
func (e *Engine) transition(exec *execution.NodeExecution, status execution.Status) error {
	if exec.Status == status {
		return ErrNoChange
	}
	if !exec.Status.CanTransitionTo(status) {
		return pipeline.NewError(pipeline.ErrCodeState, "illegal status transition", nil, map[string]interface{}{
			"runtime_id": exec.UUID,
			"from":       string(exec.Status),
			"to":         string(status),
		})
	}
	e.stamp(exec, status)
	return nil
}

func (e *Engine) stamp(exec *execution.NodeExecution, status execution.Status) {
	now := e.now()
	exec.Status = status
	if status == execution.StatusRunning && exec.StartTs.IsZero() {
		exec.StartTs = now
	}
	if status.IsTerminal() {
		exec.EndTs = now
		exec.Deferred = false
	}
}

// ForceStatus moves a non-terminal execution straight to a terminal status,
// bypassing the transition table. It is the override used by error-out,
// abort and mark-as-success. It reports whether this call wrote the status.
func (e *Engine) ForceStatus(ctx context.Context, runtimeID string, status execution.Status, info *execution.FailureInfo) (*execution.NodeExecution, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("force status: %s is not terminal", status)
	}
	updated, err := e.UpdateNodeExecution(ctx, runtimeID, func(exec *execution.NodeExecution) error {
		if exec.Status.IsTerminal() {
			return ErrNoChange
		}
		if status == execution.StatusFailed && !exec.Status.CanForceFail() {
			return ErrNoChange
		}
		e.stamp(exec, status)
		exec.FailureInfo = info
		exec.PendingResponse = nil
		exec.InterventionWaiting = false
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return updated, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (e *Engine) emitStatusChange(ctx context.Context, from execution.Status, exec *execution.NodeExecution) {
	if from == exec.Status {
		return
	}
	e.logger.Debug(ctx, "node status changed",
		"plan_execution_id", exec.PlanExecutionID,
		"runtime_id", exec.UUID,
		"node_id", exec.NodeID,
		"step_type", exec.StepType,
		"from", from,
		"status", exec.Status,
	)
	e.observer.OnNodeStatusUpdate(ctx, ports.NodeStatusUpdate{
		PlanExecutionID: exec.PlanExecutionID,
		RuntimeID:       exec.UUID,
		NodeID:          exec.NodeID,
		Identifier:      exec.Identifier,
		StepType:        exec.StepType,
		Depth:           exec.Ambiance.Depth() - 1,
		From:            from,
		Status:          exec.Status,
		Duration:        exec.Duration(),
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
