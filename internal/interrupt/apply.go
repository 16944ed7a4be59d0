package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine"
)

// apply works from persisted state only: the plan, the target and the
// target's subtree are re-read on every delivery.
func (s *Service) apply(ctx context.Context, interrupt *execution.Interrupt) error {
	plan, err := s.store.GetPlanExecution(ctx, interrupt.PlanExecutionID)
	if err != nil {
		return err
	}
	if plan.Status.IsTerminal() {
		return stateError("plan execution already finished", map[string]interface{}{
			"plan_execution_id": plan.ID,
			"status":            string(plan.Status),
		})
	}

	var target *execution.NodeExecution
	if interrupt.TargetRuntimeID != "" {
		target, err = s.store.GetNodeExecution(ctx, interrupt.TargetRuntimeID)
		if err != nil {
			return err
		}
	}

	switch interrupt.Type {
	case execution.InterruptAbortAll:
		return s.terminate(ctx, interrupt, plan, target, execution.StatusAborted)
	case execution.InterruptExpireAll:
		return s.terminate(ctx, interrupt, plan, target, execution.StatusExpired)
	case execution.InterruptPause:
		return s.pause(ctx, plan, target)
	case execution.InterruptResume:
		return s.resume(ctx, plan, target)
	case execution.InterruptRetry:
		return s.retry(ctx, interrupt, target)
	case execution.InterruptMarkAsSuccess:
		return s.markAsSuccess(ctx, interrupt, target)
	}
	return pipeline.NewError(pipeline.ErrCodeValidation, "unknown interrupt type", nil, map[string]interface{}{
		"type": string(interrupt.Type),
	})
}

func stateError(message string, context map[string]interface{}) error {
	return pipeline.NewError(pipeline.ErrCodeState, message, nil, context)
}

// scope returns the executions at or below target, or the whole plan when
// target is nil, deepest first.
func (s *Service) scope(ctx context.Context, planExecutionID string, target *execution.NodeExecution) ([]*execution.NodeExecution, error) {
	execs, err := s.store.ListNodeExecutions(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	out := execs[:0]
	for _, exec := range execs {
		if target == nil || exec.Ambiance.Contains(target.UUID) {
			out = append(out, exec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Ambiance.Depth() > out[j].Ambiance.Depth()
	})
	return out, nil
}

// terminate forces every non-terminal execution in scope to status,
// deepest first, and releases what they waited on. Failures held for
// intervention are released too. Executions whose parent was not forced
// report upward so the rest of the plan sees the outcome.
func (s *Service) terminate(ctx context.Context, interrupt *execution.Interrupt, plan *execution.PlanExecution, target *execution.NodeExecution, status execution.Status) error {
	execs, err := s.scope(ctx, plan.ID, target)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("%s by interrupt %s", verb(status), interrupt.ID)
	if interrupt.Reason != "" {
		message += ": " + interrupt.Reason
	}
	info := &execution.FailureInfo{Message: message, Code: string(interrupt.Type)}

	var errs error
	forced := make(map[string]bool)
	var finished []*execution.NodeExecution
	for _, exec := range execs {
		switch {
		case !exec.Status.IsTerminal():
			updated, changed, err := s.engine.ForceStatus(ctx, exec.UUID, status, info)
			if err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			if changed {
				forced[exec.UUID] = true
				s.engine.ReleaseWaits(ctx, updated)
				finished = append(finished, updated)
			}
		case exec.InterventionWaiting:
			updated, changed, err := s.engine.ClearIntervention(ctx, exec.UUID)
			if err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			if changed {
				finished = append(finished, updated)
			}
		}
	}
	if errs != nil {
		return errs
	}

	for _, exec := range finished {
		if exec.ParentID != "" && forced[exec.ParentID] {
			continue
		}
		errs = errors.Join(errs, s.engine.CompleteNode(ctx, exec))
	}
	if target == nil && len(finished) == 0 {
		errs = errors.Join(errs, s.engine.FinalizePlan(ctx, plan.ID, status, info))
	}
	s.logger.Info(ctx, "executions terminated by interrupt",
		"interrupt_id", interrupt.ID,
		"plan_execution_id", plan.ID,
		"status", status,
		"forced", len(forced),
	)
	return errs
}

func verb(status execution.Status) string {
	if status == execution.StatusExpired {
		return "expired"
	}
	return "aborted"
}

// pause pauses one RUNNING execution, or the whole plan. A paused plan
// defers every node that has not started yet.
func (s *Service) pause(ctx context.Context, plan *execution.PlanExecution, target *execution.NodeExecution) error {
	if target != nil {
		if target.Status != execution.StatusRunning && target.Status != execution.StatusPaused {
			return stateError("only a RUNNING node execution can be paused", map[string]interface{}{
				"runtime_id": target.UUID,
				"status":     string(target.Status),
			})
		}
		_, _, err := s.engine.PauseNode(ctx, target.UUID)
		return err
	}

	_, err := s.engine.UpdatePlanExecution(ctx, plan.ID, func(p *execution.PlanExecution) error {
		switch p.Status {
		case execution.StatusPaused:
			return engine.ErrNoChange
		case execution.StatusRunning:
			p.Status = execution.StatusPaused
			return nil
		}
		return stateError("only a RUNNING plan execution can be paused", map[string]interface{}{
			"plan_execution_id": p.ID,
			"status":            string(p.Status),
		})
	})
	if err != nil && !errors.Is(err, engine.ErrNoChange) {
		return err
	}

	execs, err := s.store.ListNodeExecutions(ctx, plan.ID)
	if err != nil {
		return err
	}
	var errs error
	for _, exec := range execs {
		if exec.Status != execution.StatusRunning {
			continue
		}
		if _, _, err := s.engine.PauseNode(ctx, exec.UUID); err != nil && !pipeline.HasCode(err, pipeline.ErrCodeState) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// resume reverses pause: paused executions run again and deferred starts
// are rescheduled.
func (s *Service) resume(ctx context.Context, plan *execution.PlanExecution, target *execution.NodeExecution) error {
	if target != nil {
		if target.Status != execution.StatusPaused {
			return stateError("only a PAUSED node execution can be resumed", map[string]interface{}{
				"runtime_id": target.UUID,
				"status":     string(target.Status),
			})
		}
		if _, err := s.engine.UnpauseNode(ctx, target.UUID); err != nil {
			return err
		}
		return s.restartDeferred(ctx, plan.ID, target)
	}

	execs, err := s.store.ListNodeExecutions(ctx, plan.ID)
	if err != nil {
		return err
	}
	if plan.Status != execution.StatusPaused && !anyHeld(execs) {
		return stateError("only a PAUSED plan execution can be resumed", map[string]interface{}{
			"plan_execution_id": plan.ID,
			"status":            string(plan.Status),
		})
	}
	_, err = s.engine.UpdatePlanExecution(ctx, plan.ID, func(p *execution.PlanExecution) error {
		if p.Status != execution.StatusPaused {
			return engine.ErrNoChange
		}
		p.Status = execution.StatusRunning
		return nil
	})
	if err != nil && !errors.Is(err, engine.ErrNoChange) {
		return err
	}

	var errs error
	for _, exec := range execs {
		if exec.Status == execution.StatusPaused {
			if _, err := s.engine.UnpauseNode(ctx, exec.UUID); err != nil {
				errs = errors.Join(errs, err)
			}
		}
	}
	return errors.Join(errs, s.restartDeferred(ctx, plan.ID, nil))
}

// anyHeld reports whether a pause is still holding anything back.
func anyHeld(execs []*execution.NodeExecution) bool {
	for _, exec := range execs {
		if exec.Status == execution.StatusPaused || (exec.Status == execution.StatusQueued && exec.Deferred) {
			return true
		}
	}
	return false
}

func (s *Service) restartDeferred(ctx context.Context, planExecutionID string, target *execution.NodeExecution) error {
	execs, err := s.scope(ctx, planExecutionID, target)
	if err != nil {
		return err
	}
	var errs error
	for _, exec := range execs {
		if exec.Status == execution.StatusQueued && exec.Deferred {
			if _, err := s.engine.RestartDeferred(ctx, exec.UUID); err != nil {
				errs = errors.Join(errs, err)
			}
		}
	}
	return errs
}

// retry replaces a failed node execution with a fresh execution of the
// same node and starts it. The failure must be held for intervention or
// still awaited by a parent waiting on other children.
func (s *Service) retry(ctx context.Context, interrupt *execution.Interrupt, target *execution.NodeExecution) error {
	if target.Status != execution.StatusFailed {
		return stateError("only a FAILED node execution can be retried", map[string]interface{}{
			"runtime_id": target.UUID,
			"status":     string(target.Status),
		})
	}
	replacement, err := s.engine.RequeueFailure(ctx, target.UUID, interrupt.ID)
	if err != nil {
		return err
	}
	if replacement.Status != execution.StatusQueued {
		return nil
	}
	return s.engine.PublishStart(ctx, replacement.UUID)
}

// markAsSuccess overrides the outcome of a node. A replaceable failure is
// replaced by a SUCCEEDED execution; an active node has its subtree aborted and is
// forced SUCCEEDED. Either way the plan continues as if the node had
// succeeded.
func (s *Service) markAsSuccess(ctx context.Context, interrupt *execution.Interrupt, target *execution.NodeExecution) error {
	if target.Status.IsTerminal() {
		if target.Status != execution.StatusFailed {
			return stateError("node execution already finished", map[string]interface{}{
				"runtime_id": target.UUID,
				"status":     string(target.Status),
			})
		}
		replacement, err := s.engine.RequeueFailure(ctx, target.UUID, interrupt.ID)
		if err != nil {
			return err
		}
		updated, _, err := s.engine.ForceStatus(ctx, replacement.UUID, execution.StatusSucceeded, nil)
		if err != nil {
			return err
		}
		return s.engine.CompleteNode(ctx, updated)
	}

	execs, err := s.scope(ctx, target.PlanExecutionID, target)
	if err != nil {
		return err
	}
	info := &execution.FailureInfo{
		Message: fmt.Sprintf("aborted: ancestor marked as succeeded by interrupt %s", interrupt.ID),
		Code:    string(interrupt.Type),
	}
	var errs error
	for _, exec := range execs {
		if exec.UUID == target.UUID || exec.Status.IsTerminal() {
			continue
		}
		updated, changed, err := s.engine.ForceStatus(ctx, exec.UUID, execution.StatusAborted, info)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if changed {
			s.engine.ReleaseWaits(ctx, updated)
		}
	}
	if errs != nil {
		return errs
	}

	updated, changed, err := s.engine.ForceStatus(ctx, target.UUID, execution.StatusSucceeded, nil)
	if err != nil {
		return err
	}
	if changed {
		s.engine.ReleaseWaits(ctx, updated)
	}
	return s.engine.CompleteNode(ctx, updated)
}
