package engine

import (
	"context"
	"errors"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// PauseNode moves a RUNNING execution to PAUSED. A node that is already
// paused is left alone and reported unchanged; any other status is a state
// error.
func (e *Engine) PauseNode(ctx context.Context, runtimeID string) (*execution.NodeExecution, bool, error) {
	updated, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if x.Status == execution.StatusPaused {
			return ErrNoChange
		}
		return e.transition(x, execution.StatusPaused)
	})
	if errors.Is(err, ErrNoChange) {
		return updated, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// UnpauseNode moves a PAUSED execution back to RUNNING and replays what
// arrived while it was paused: a held step response is applied, and a
// complete set of responses is resumed. A parent that spawned children
// while paused goes to SUSPENDED instead, so the usual wake applies.
func (e *Engine) UnpauseNode(ctx context.Context, runtimeID string) (bool, error) {
	updated, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if x.Status != execution.StatusPaused {
			return ErrNoChange
		}
		if x.Mode.SpawnsChildren() && len(x.WaitingOn) > 0 && x.PendingResponse == nil {
			return e.transition(x, execution.StatusSuspended)
		}
		return e.transition(x, execution.StatusRunning)
	})
	if errors.Is(err, ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case updated.PendingResponse != nil:
		return true, e.ApplyStepResponse(ctx, runtimeID, *updated.PendingResponse)
	case len(updated.WaitingOn) > 0 && updated.ResponsesComplete():
		return true, e.PublishResume(ctx, runtimeID)
	}
	return true, nil
}

// RestartDeferred re-schedules a QUEUED execution whose start was deferred
// by a pause. The start gate runs again, so a node still under a paused
// ancestor is deferred again.
func (e *Engine) RestartDeferred(ctx context.Context, runtimeID string) (bool, error) {
	_, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if x.Status != execution.StatusQueued || !x.Deferred {
			return ErrNoChange
		}
		x.Deferred = false
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, e.PublishStart(ctx, runtimeID)
}

// ClearIntervention drops the manual-intervention hold of a terminal
// execution.
func (e *Engine) ClearIntervention(ctx context.Context, runtimeID string) (*execution.NodeExecution, bool, error) {
	updated, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if !x.InterventionWaiting {
			return ErrNoChange
		}
		x.InterventionWaiting = false
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

// RequeueFailure replaces a FAILED execution with a fresh QUEUED execution
// of the same plan node. The failure must be held for manual intervention,
// or be a child whose parent still waits on other children; in the latter
// case the failed response is withdrawn from the parent. The replacement
// takes over the original's place under its parent and lists the original
// in its retry ids; the original is kept for audit. The same key always
// yields the same replacement.
func (e *Engine) RequeueFailure(ctx context.Context, runtimeID, key string) (*execution.NodeExecution, error) {
	failed, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	replacementID := DeriveID(failed.UUID, "retry", key)
	// A redelivery finds the replacement already created.
	if existing, err := e.store.GetNodeExecution(ctx, replacementID); err == nil {
		return existing, nil
	}

	switch {
	case failed.InterventionWaiting:
	case failed.Status == execution.StatusFailed && failed.ParentID != "":
		if err := e.withdrawFromParent(ctx, failed); err != nil {
			return nil, err
		}
	default:
		return nil, pipeline.NewError(pipeline.ErrCodeState, "node execution failure can no longer be replaced", nil, map[string]interface{}{
			"runtime_id": failed.UUID,
			"status":     string(failed.Status),
		})
	}

	var metadata *execution.StrategyMetadata
	if level, ok := failed.Ambiance.CurrentLevel(); ok {
		metadata = level.StrategyMetadata
	}
	replacement, err := e.InitiateNode(ctx, InitiateRequest{
		PlanExecutionID:  failed.PlanExecutionID,
		Ambiance:         failed.Ambiance.Parent(),
		NodeID:           failed.NodeID,
		RuntimeID:        replacementID,
		NotifyID:         failed.NotifyID,
		ParentID:         failed.ParentID,
		ChildIndex:       failed.ChildIndex,
		RetryIDs:         append(append([]string(nil), failed.RetryIDs...), failed.UUID),
		StrategyMetadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := e.ClearIntervention(ctx, failed.UUID); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "failed node requeued",
		"plan_execution_id", failed.PlanExecutionID,
		"runtime_id", failed.UUID,
		"replacement_id", replacement.UUID,
	)
	return replacement, nil
}

// withdrawFromParent takes the response of a failed child back from a
// parent that is still waiting on its other children. Throttled parents
// are refused since their cursor already moved past the failed child.
func (e *Engine) withdrawFromParent(ctx context.Context, failed *execution.NodeExecution) error {
	_, err := e.UpdateNodeExecution(ctx, failed.ParentID, func(x *execution.NodeExecution) error {
		if x.Status != execution.StatusSuspended || x.Throttled || !x.IsWaitingOn(failed.NotifyID) || x.ResponsesComplete() {
			return pipeline.NewError(pipeline.ErrCodeState, "parent no longer waits on the failed node", nil, map[string]interface{}{
				"runtime_id":        failed.UUID,
				"parent_runtime_id": x.UUID,
				"parent_status":     string(x.Status),
			})
		}
		if !x.WithdrawResponse(failed.NotifyID) {
			return errResponsePending
		}
		return nil
	})
	return err
}

// errResponsePending is retried by the broker until the failed child's
// response reaches the parent.
var errResponsePending = errors.New("response of the failed node has not reached its parent yet")
