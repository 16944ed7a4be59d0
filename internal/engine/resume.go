package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// ResumeNodeExecution records responses delivered to a waiting execution
// and, once every awaited response is in, hands them to the strategy.
// Responses already recorded are ignored, so redelivery is harmless.
func (e *Engine) ResumeNodeExecution(ctx context.Context, runtimeID string, responses []execution.ResponseData) error {
	exec, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return fmt.Errorf("load node execution %s: %w", runtimeID, err)
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	if len(responses) > 0 {
		updated, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
			if x.Status.IsTerminal() {
				return ErrNoChange
			}
			recorded := false
			for _, response := range responses {
				if x.RecordResponse(response) {
					recorded = true
				}
			}
			if !recorded {
				return ErrNoChange
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrNoChange) {
			return err
		}
		exec = updated
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	if exec.Throttled {
		if err := e.controller.Advance(ctx, exec.UUID); err != nil {
			return err
		}
	}

	if exec.Status == execution.StatusPaused || !exec.ResponsesComplete() {
		return nil
	}
	return e.advance(ctx, exec, false)
}

// advance hands a fully answered execution back to its strategy. Parents
// waiting on children are woken with a SUSPENDED to RUNNING swap so only
// one delivery proceeds; recovering skips the swap for a parent that was
// already woken before a crash.
func (e *Engine) advance(ctx context.Context, exec *execution.NodeExecution, recovering bool) error {
	node, s, err := e.resolve(ctx, exec)
	if err != nil {
		return err
	}

	switch s.Mode() {
	case execution.ModeTask:
		return e.resumeTask(ctx, exec, node, s.(strategy.Task))
	case execution.ModeAsync:
		in := e.input(exec, node)
		out, err := s.(strategy.Async).HandleAsyncResponse(ctx, in, orderedResponses(exec))
		if err != nil {
			out = execution.Failed(err)
		}
		return e.ApplyStepResponse(ctx, exec.UUID, out)
	}

	woken, err := e.wake(ctx, exec.UUID, recovering)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	in := e.input(woken, node)

	switch s.Mode() {
	case execution.ModeChild:
		out, err := s.(strategy.Child).HandleChildResponse(ctx, in, woken.Responses)
		if err != nil {
			out = execution.Failed(err)
		}
		return e.ApplyStepResponse(ctx, woken.UUID, out)
	case execution.ModeChildren:
		out, err := s.(strategy.Children).HandleChildrenResponse(ctx, in, woken.Responses)
		if err != nil {
			out = execution.Failed(err)
		}
		return e.ApplyStepResponse(ctx, woken.UUID, out)
	case execution.ModeChildChain:
		chain := s.(strategy.ChildChain)
		if woken.LastLink {
			out, err := chain.FinalizeExecution(ctx, in, woken.PassThroughData, woken.ResponseMap())
			if err != nil {
				out = execution.Failed(fmt.Errorf("finalize chain: %w", err))
			}
			return e.ApplyStepResponse(ctx, woken.UUID, out)
		}
		resp, err := chain.ExecuteNextChild(ctx, in, woken.PassThroughData, woken.ResponseMap())
		if err != nil {
			return e.ApplyStepResponse(ctx, woken.UUID, execution.Failed(err))
		}
		return e.chainStep(ctx, woken, in, chain, resp)
	}
	return fmt.Errorf("cannot resume execution %s in mode %s", exec.UUID, s.Mode())
}

func (e *Engine) wake(ctx context.Context, runtimeID string, recovering bool) (*execution.NodeExecution, error) {
	return e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if !x.ResponsesComplete() {
			return ErrNoChange
		}
		if x.Status == execution.StatusRunning && recovering {
			return nil
		}
		if x.Status != execution.StatusSuspended {
			return ErrNoChange
		}
		return e.transition(x, execution.StatusRunning)
	})
}

func (e *Engine) resumeTask(ctx context.Context, exec *execution.NodeExecution, node pipeline.Node, s strategy.Task) error {
	var response execution.ResponseData
	if len(exec.WaitingOn) > 0 {
		response = exec.ResponseMap()[exec.WaitingOn[0]]
	}

	var result execution.TaskResult
	if len(response.Payload) > 0 {
		if err := json.Unmarshal(response.Payload, &result); err != nil {
			result = execution.TaskResult{
				Status: execution.StatusFailed,
				Error:  fmt.Sprintf("undecodable task result: %v", err),
			}
		}
	} else {
		result.Status = response.Status
		if response.FailureInfo != nil {
			result.Error = response.FailureInfo.Message
		}
	}

	out, err := s.HandleTaskResult(ctx, e.input(exec, node), result)
	if err != nil {
		out = execution.Failed(err)
	}
	return e.ApplyStepResponse(ctx, exec.UUID, out)
}

func orderedResponses(exec *execution.NodeExecution) []execution.ResponseData {
	byKey := exec.ResponseMap()
	ordered := make([]execution.ResponseData, 0, len(exec.WaitingOn))
	for _, key := range exec.WaitingOn {
		if response, ok := byKey[key]; ok {
			ordered = append(ordered, response)
		}
	}
	return ordered
}

// ApplyStepResponse persists the outcome a strategy reported for a node and
// completes it. A paused node keeps the response until it is resumed. An
// execution that is already terminal is completed again, which is harmless
// because every completion side effect is idempotent.
func (e *Engine) ApplyStepResponse(ctx context.Context, runtimeID string, resp execution.StepResponse) error {
	exec, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return fmt.Errorf("load node execution %s: %w", runtimeID, err)
	}
	if exec.Status.IsTerminal() {
		return e.CompleteNode(ctx, exec)
	}

	view, err := e.planFor(ctx, exec.PlanExecutionID)
	if err != nil {
		return err
	}
	node, _ := view.node(exec.NodeID)

	if exec.Status != execution.StatusPaused {
		resp, err = e.consumeOutputs(ctx, exec, resp)
		if err != nil {
			return err
		}
	}
	if !resp.Status.IsTerminal() {
		resp = execution.StepResponse{
			Status: execution.StatusFailed,
			FailureInfo: &execution.FailureInfo{
				Message: fmt.Sprintf("step reported non-terminal status %q", resp.Status),
			},
		}
	}

	updated, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if x.Status.IsTerminal() {
			return ErrNoChange
		}
		if x.Status == execution.StatusPaused {
			pending := resp.Clone()
			x.PendingResponse = &pending
			return nil
		}
		if x.Status == execution.StatusSuspended {
			if err := e.transition(x, execution.StatusRunning); err != nil {
				return err
			}
		}
		if err := e.transition(x, resp.Status); err != nil {
			return err
		}
		if resp.Status.IsPositive() {
			x.FailureInfo = nil
		} else {
			x.FailureInfo = resp.FailureInfo
		}
		x.PendingResponse = nil
		x.InterventionWaiting = resp.Status == execution.StatusFailed && node.HoldsOnFailure()
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return e.CompleteNode(ctx, updated)
	}
	if err != nil {
		return err
	}
	if updated.Status == execution.StatusPaused {
		e.logger.Info(ctx, "holding step response until resume",
			"plan_execution_id", updated.PlanExecutionID,
			"runtime_id", updated.UUID,
			"status", resp.Status,
		)
		return nil
	}

	fields := []interface{}{
		"plan_execution_id", updated.PlanExecutionID,
		"runtime_id", updated.UUID,
		"node_id", updated.NodeID,
		"step_type", updated.StepType,
		"status", updated.Status,
		"duration_ms", updated.Duration().Milliseconds(),
	}
	if updated.FailureInfo != nil {
		fields = append(fields, "failure", updated.FailureInfo.Message)
	}
	e.logger.Info(ctx, "node finished", fields...)
	return e.CompleteNode(ctx, updated)
}

// consumeOutputs publishes sweeping outputs into the store. A name already
// published in the same scope by another node fails the step.
func (e *Engine) consumeOutputs(ctx context.Context, exec *execution.NodeExecution, resp execution.StepResponse) (execution.StepResponse, error) {
	if !resp.Status.IsPositive() {
		return resp, nil
	}
	for _, output := range resp.SweepingOutputs {
		scope := exec.Ambiance.OutputScope(output.Group)
		if output.Local {
			scope = exec.Ambiance.NodeScope()
		}
		err := e.store.ConsumeOutput(ctx, execution.OutputRecord{
			PlanExecutionID: exec.PlanExecutionID,
			Scope:           scope,
			Name:            output.Name,
			ProducerID:      exec.UUID,
			Value:           output.Value,
		})
		if errors.Is(err, ports.ErrDuplicate) {
			return execution.StepResponse{
				Status: execution.StatusFailed,
				FailureInfo: &execution.FailureInfo{
					Message: fmt.Sprintf("output %q already published in scope %s", output.Name, scope),
					Code:    "OUTPUT_COLLISION",
				},
			}, nil
		}
		if err != nil {
			return resp, fmt.Errorf("consume output %q: %w", output.Name, err)
		}
	}
	return resp, nil
}

// CompleteNode runs the follow-up of a terminal execution: the next node in
// sequence after a positive outcome, otherwise a response to the parent or,
// for the root, plan finalization. Failures held for manual intervention
// stop here.
func (e *Engine) CompleteNode(ctx context.Context, exec *execution.NodeExecution) error {
	if exec == nil || !exec.Status.IsTerminal() {
		return nil
	}
	if exec.InterventionWaiting {
		e.logger.Warn(ctx, "node failure waiting for intervention",
			"plan_execution_id", exec.PlanExecutionID,
			"runtime_id", exec.UUID,
			"node_id", exec.NodeID,
		)
		return nil
	}

	if exec.Status.IsPositive() {
		view, err := e.planFor(ctx, exec.PlanExecutionID)
		if err != nil {
			return err
		}
		if node, ok := view.node(exec.NodeID); ok && node.NextNodeID != "" {
			return e.PublishInitiate(ctx, InitiateRequest{
				PlanExecutionID: exec.PlanExecutionID,
				Ambiance:        exec.Ambiance.Parent(),
				NodeID:          node.NextNodeID,
				RuntimeID:       nextRuntimeID(exec.UUID),
				NotifyID:        exec.NotifyID,
				ParentID:        exec.ParentID,
				ChildIndex:      exec.ChildIndex,
				Start:           true,
			})
		}
	}
	return e.notifyParent(ctx, exec)
}

func (e *Engine) notifyParent(ctx context.Context, exec *execution.NodeExecution) error {
	if exec.IsRoot() {
		return e.FinalizePlan(ctx, exec.PlanExecutionID, exec.Status, exec.FailureInfo)
	}
	return e.PublishResume(ctx, exec.ParentID, execution.ResponseData{
		Key:         exec.NotifyID,
		RuntimeID:   exec.UUID,
		NodeID:      exec.NodeID,
		Status:      exec.Status,
		FailureInfo: exec.FailureInfo,
		ReceivedAt:  exec.EndTs,
	})
}
