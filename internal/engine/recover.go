package engine

import (
	"context"
	"errors"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

// Recover re-schedules the work of every unfinished plan execution after a
// restart. Every action it takes is idempotent, so running it against a
// healthy store only produces redundant events. It returns the number of
// executions it acted on.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	plans, err := e.store.ListPlanExecutions(ctx)
	if err != nil {
		return 0, err
	}

	var errs error
	acted := 0
	for _, plan := range plans {
		if plan.Status.IsTerminal() {
			continue
		}
		n, err := e.recoverPlan(ctx, plan)
		acted += n
		errs = errors.Join(errs, err)
	}
	if acted > 0 {
		e.logger.Info(ctx, "recovered unfinished executions", "plans", len(plans), "executions", acted)
	}
	return acted, errs
}

func (e *Engine) recoverPlan(ctx context.Context, plan *execution.PlanExecution) (int, error) {
	execs, err := e.store.ListNodeExecutions(ctx, plan.ID)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]*execution.NodeExecution, len(execs))
	superseded := make(map[string]bool)
	for _, exec := range execs {
		byID[exec.UUID] = exec
		for _, id := range exec.RetryIDs {
			superseded[id] = true
		}
	}

	var errs error
	acted := 0
	for _, exec := range execs {
		if superseded[exec.UUID] {
			continue
		}
		var parent *execution.NodeExecution
		if !exec.IsRoot() {
			parent = byID[exec.ParentID]
		}
		act, err := e.recoverExecution(ctx, exec, parent)
		if act {
			acted++
		}
		errs = errors.Join(errs, err)
	}
	return acted, errs
}

func (e *Engine) recoverExecution(ctx context.Context, exec, parent *execution.NodeExecution) (bool, error) {
	if parent != nil && parent.Status.IsTerminal() {
		return false, nil
	}

	switch {
	case exec.Status == execution.StatusQueued:
		if exec.Deferred {
			return false, nil
		}
		launched, err := e.launched(ctx, exec, parent)
		if err != nil || !launched {
			return false, err
		}
		return true, e.PublishStart(ctx, exec.UUID)

	case exec.Status.IsTerminal():
		if exec.InterventionWaiting {
			return false, nil
		}
		if parent != nil && (!parent.IsWaitingOn(exec.NotifyID) || parent.HasResponse(exec.NotifyID)) {
			return false, nil
		}
		return true, e.CompleteNode(ctx, exec)

	case exec.Status == execution.StatusRunning && len(exec.WaitingOn) == 0:
		updated, changed, err := e.ForceStatus(ctx, exec.UUID, execution.StatusFailed, &execution.FailureInfo{
			Message: "interrupted by restart",
			Code:    "INTERRUPTED",
		})
		if err != nil || !changed {
			return false, err
		}
		return true, e.CompleteNode(ctx, updated)

	case exec.Status == execution.StatusRunning && exec.ResponsesComplete() && isParentMode(exec.Mode):
		return true, e.advance(ctx, exec, true)

	case exec.Status == execution.StatusRunning, exec.Status == execution.StatusSuspended:
		return true, e.PublishResume(ctx, exec.UUID)
	}
	return false, nil
}

// launched reports whether a QUEUED child is within the launched window of
// a throttled parent.
func (e *Engine) launched(ctx context.Context, exec, parent *execution.NodeExecution) (bool, error) {
	if parent == nil || !parent.Throttled {
		return true, nil
	}
	instance, err := e.store.GetConcurrentChildInstance(ctx, parent.UUID)
	if err != nil {
		return false, err
	}
	for i, id := range instance.ChildrenRuntimeIDs {
		if id == exec.UUID {
			return i < instance.Cursor, nil
		}
	}
	return true, nil
}

func isParentMode(mode execution.Mode) bool {
	switch mode {
	case execution.ModeChild, execution.ModeChildren, execution.ModeChildChain:
		return true
	}
	return false
}
