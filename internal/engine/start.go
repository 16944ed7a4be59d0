package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
)

// InitiateNode creates the QUEUED execution of a plan node and, when
// requested, schedules its start. A node id missing from the plan is fatal
// for the whole plan execution.
func (e *Engine) InitiateNode(ctx context.Context, req InitiateRequest) (*execution.NodeExecution, error) {
	view, err := e.planFor(ctx, req.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	node, ok := view.node(req.NodeID)
	if !ok {
		err := pipeline.NewFatalError("plan node not found", nil, map[string]interface{}{
			"plan_execution_id": req.PlanExecutionID,
			"node_id":           req.NodeID,
		})
		e.errorOut(ctx, req.PlanExecutionID, err)
		return nil, err
	}

	runtimeID := req.RuntimeID
	if runtimeID == "" {
		runtimeID = NewID()
	}
	exec := e.newExecution(req, node, runtimeID)
	stored, created, err := e.store.CreateNodeExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("create node execution: %w", err)
	}
	if created {
		e.emitStatusChange(ctx, "", stored)
	}
	if req.Start && stored.Status == execution.StatusQueued {
		if err := e.PublishStart(ctx, stored.UUID); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (e *Engine) newExecution(req InitiateRequest, node pipeline.Node, runtimeID string) *execution.NodeExecution {
	level := execution.Level{
		RuntimeID:        runtimeID,
		SetupID:          node.ID,
		Identifier:       node.Identifier,
		StepType:         node.StepType,
		Group:            node.Group,
		StrategyMetadata: req.StrategyMetadata,
	}
	return &execution.NodeExecution{
		UUID:            runtimeID,
		PlanExecutionID: req.PlanExecutionID,
		NodeID:          node.ID,
		Identifier:      node.Identifier,
		StepType:        node.StepType,
		Ambiance:        req.Ambiance.WithLevel(level),
		Status:          execution.StatusQueued,
		ParentID:        req.ParentID,
		NotifyID:        req.NotifyID,
		ChildIndex:      req.ChildIndex,
		RetryIDs:        append([]string(nil), req.RetryIDs...),
		CreatedAt:       e.now(),
	}
}

// StartNodeExecution moves a QUEUED execution to RUNNING and hands it to
// its strategy. Anything other than QUEUED is a redelivery and is ignored.
func (e *Engine) StartNodeExecution(ctx context.Context, runtimeID string) error {
	exec, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return fmt.Errorf("load node execution %s: %w", runtimeID, err)
	}
	if exec.Status != execution.StatusQueued {
		return nil
	}

	node, s, err := e.resolve(ctx, exec)
	if err != nil {
		return err
	}

	gate, err := e.startGate(ctx, exec)
	if err != nil {
		return err
	}
	if gate == gateClosed {
		_, _, err := e.ForceStatus(ctx, runtimeID, execution.StatusAborted, &execution.FailureInfo{
			Message: "parent finished before the node started",
			Code:    "ORPHANED",
		})
		return err
	}
	if gate == gatePaused {
		_, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
			if x.Status != execution.StatusQueued || x.Deferred {
				return ErrNoChange
			}
			x.Deferred = true
			return nil
		})
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}

	exec, err = e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if x.Status != execution.StatusQueued {
			return ErrNoChange
		}
		if err := e.transition(x, execution.StatusRunning); err != nil {
			return err
		}
		x.Mode = s.Mode()
		x.Deferred = false
		if n := len(x.Ambiance.Levels); n > 0 {
			x.Ambiance.Levels[n-1].StartTs = x.StartTs
		}
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	return e.dispatch(ctx, exec, node, s)
}

// resolve finds the plan node and strategy of an execution. Either missing
// is fatal.
func (e *Engine) resolve(ctx context.Context, exec *execution.NodeExecution) (pipeline.Node, strategy.Strategy, error) {
	view, err := e.planFor(ctx, exec.PlanExecutionID)
	if err != nil {
		return pipeline.Node{}, nil, err
	}
	node, ok := view.node(exec.NodeID)
	if !ok {
		err := pipeline.NewFatalError("plan node not found", nil, map[string]interface{}{
			"runtime_id": exec.UUID,
			"node_id":    exec.NodeID,
		})
		e.errorOut(ctx, exec.PlanExecutionID, err)
		return pipeline.Node{}, nil, err
	}
	s, err := e.strategies.Get(node.StepType)
	if err != nil {
		e.errorOut(ctx, exec.PlanExecutionID, err)
		return pipeline.Node{}, nil, err
	}
	return node, s, nil
}

type gateState int

const (
	gateOpen gateState = iota
	gatePaused
	gateClosed
)

// startGate decides whether a QUEUED execution may start. It is closed when
// the plan or the direct parent already finished, and paused when the plan
// or any ancestor is paused.
func (e *Engine) startGate(ctx context.Context, exec *execution.NodeExecution) (gateState, error) {
	plan, err := e.store.GetPlanExecution(ctx, exec.PlanExecutionID)
	if err != nil {
		return gateOpen, err
	}
	if plan.Status.IsTerminal() {
		return gateClosed, nil
	}
	if exec.ParentID != "" {
		parent, err := e.store.GetNodeExecution(ctx, exec.ParentID)
		if err != nil {
			return gateOpen, err
		}
		if parent.Status.IsTerminal() {
			return gateClosed, nil
		}
	}
	if plan.Status == execution.StatusPaused {
		return gatePaused, nil
	}
	for _, ancestorID := range exec.Ambiance.AncestorRuntimeIDs() {
		ancestor, err := e.store.GetNodeExecution(ctx, ancestorID)
		if err != nil {
			return gateOpen, err
		}
		if ancestor.Status == execution.StatusPaused {
			return gatePaused, nil
		}
	}
	return gateOpen, nil
}

func (e *Engine) input(exec *execution.NodeExecution, node pipeline.Node) strategy.Input {
	return strategy.Input{
		Ambiance:   exec.Ambiance.Clone(),
		Node:       node,
		Parameters: node.Parameters,
		Outputs:    e.outputsFor(exec.Ambiance),
	}
}

func (e *Engine) dispatch(ctx context.Context, exec *execution.NodeExecution, node pipeline.Node, s strategy.Strategy) error {
	in := e.input(exec, node)
	switch s.Mode() {
	case execution.ModeSync:
		return e.runSync(ctx, exec, in, s.(strategy.Sync))
	case execution.ModeTask:
		return e.runTask(ctx, exec, in, s.(strategy.Task))
	case execution.ModeAsync:
		return e.runAsync(ctx, exec, in, s.(strategy.Async))
	case execution.ModeChild:
		resp, err := s.(strategy.Child).ObtainChild(ctx, in)
		if err != nil {
			return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(err))
		}
		return e.spawn(ctx, exec, spawnRequest{children: []strategy.ChildSpec{{NodeID: resp.ChildNodeID}}})
	case execution.ModeChildren:
		children := s.(strategy.Children)
		resp, err := children.ObtainChildren(ctx, in)
		if err != nil {
			return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(err))
		}
		if len(resp.Children) == 0 {
			out, err := children.HandleChildrenResponse(ctx, in, nil)
			if err != nil {
				out = execution.Failed(err)
			}
			return e.ApplyStepResponse(ctx, exec.UUID, out)
		}
		return e.spawn(ctx, exec, spawnRequest{children: resp.Children, maxConcurrency: resp.MaxConcurrency})
	case execution.ModeChildChain:
		chain := s.(strategy.ChildChain)
		resp, err := chain.ExecuteFirstChild(ctx, in)
		if err != nil {
			return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(err))
		}
		return e.chainStep(ctx, exec, in, chain, resp)
	}
	err := pipeline.NewFatalError("strategy has unknown execution mode", nil, map[string]interface{}{
		"step_type": string(node.StepType),
		"mode":      string(s.Mode()),
	})
	e.errorOut(ctx, exec.PlanExecutionID, err)
	return err
}

func (e *Engine) runSync(ctx context.Context, exec *execution.NodeExecution, in strategy.Input, s strategy.Sync) error {
	stepCtx, cancel := context.WithCancel(ctx)
	e.trackRunning(exec.UUID, cancel)
	resp, err := s.Execute(stepCtx, in)
	e.untrackRunning(exec.UUID)
	cancel()

	if err != nil {
		e.logger.Warn(ctx, "step returned error",
			"plan_execution_id", exec.PlanExecutionID,
			"runtime_id", exec.UUID,
			"step_type", exec.StepType,
			"error", err,
		)
		resp = execution.Failed(err)
	}
	return e.ApplyStepResponse(ctx, exec.UUID, resp)
}

func (e *Engine) runTask(ctx context.Context, exec *execution.NodeExecution, in strategy.Input, s strategy.Task) error {
	if e.tasks == nil {
		return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(errors.New("no task dispatcher configured")))
	}
	req, err := s.ObtainTask(ctx, in)
	if err != nil {
		return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(err))
	}
	id := taskID(exec.UUID)
	req.TaskID = id
	req.Owner = exec.UUID

	if err := e.awaitCorrelations(ctx, exec.UUID, []string{id}); err != nil {
		return err
	}
	if _, err := e.tasks.SubmitTask(ctx, req); err != nil {
		e.logger.Warn(ctx, "task submission failed", "runtime_id", exec.UUID, "task_id", id, "error", err)
		return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(fmt.Errorf("submit task: %w", err)))
	}
	return nil
}

func (e *Engine) runAsync(ctx context.Context, exec *execution.NodeExecution, in strategy.Input, s strategy.Async) error {
	resp, err := s.ExecuteAsync(ctx, in)
	if err != nil {
		return e.ApplyStepResponse(ctx, exec.UUID, execution.Failed(err))
	}
	if len(resp.CallbackIDs) == 0 {
		out, err := s.HandleAsyncResponse(ctx, in, nil)
		if err != nil {
			out = execution.Failed(err)
		}
		return e.ApplyStepResponse(ctx, exec.UUID, out)
	}
	return e.awaitCorrelations(ctx, exec.UUID, resp.CallbackIDs)
}

// awaitCorrelations records the ids the execution waits on, then registers
// them so Notify can route results back.
func (e *Engine) awaitCorrelations(ctx context.Context, runtimeID string, ids []string) error {
	_, err := e.UpdateNodeExecution(ctx, runtimeID, func(x *execution.NodeExecution) error {
		if x.Status.IsTerminal() {
			return ErrNoChange
		}
		for _, id := range ids {
			if !x.IsWaitingOn(id) {
				x.WaitingOn = append(x.WaitingOn, id)
				x.CorrelationIDs = append(x.CorrelationIDs, id)
			}
		}
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.store.RegisterCorrelation(ctx, id, runtimeID); err != nil {
			return fmt.Errorf("register correlation %s: %w", id, err)
		}
	}
	return nil
}
