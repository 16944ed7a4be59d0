package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
)

type spawnRequest struct {
	children       []strategy.ChildSpec
	maxConcurrency int
	passThrough    json.RawMessage
	lastLink       bool
	chain          bool
}

// spawn creates child executions of parent and suspends the parent on
// them. Child ids are derived from the parent id and the child ordinal, so
// a redelivered start creates nothing new. A parent paused before it could
// suspend keeps PAUSED but still records its children; their starts are
// deferred by the paused ancestor and UnpauseNode suspends it later.
func (e *Engine) spawn(ctx context.Context, parent *execution.NodeExecution, req spawnRequest) error {
	base := parent.SpawnedChildren
	children := make([]*execution.NodeExecution, 0, len(req.children))
	for i, spec := range req.children {
		ordinal := base + i
		runtimeID := childRuntimeID(parent.UUID, ordinal)
		child, err := e.InitiateNode(ctx, InitiateRequest{
			PlanExecutionID:  parent.PlanExecutionID,
			Ambiance:         parent.Ambiance,
			NodeID:           spec.NodeID,
			RuntimeID:        runtimeID,
			NotifyID:         runtimeID,
			ParentID:         parent.UUID,
			ChildIndex:       ordinal,
			StrategyMetadata: spec.StrategyMetadata,
		})
		if err != nil {
			return err
		}
		children = append(children, child)
	}

	throttled := req.maxConcurrency > 0 && len(children) > req.maxConcurrency
	_, err := e.UpdateNodeExecution(ctx, parent.UUID, func(x *execution.NodeExecution) error {
		if x.Status != execution.StatusRunning && x.Status != execution.StatusPaused {
			return ErrNoChange
		}
		for _, child := range children {
			if !x.IsWaitingOn(child.NotifyID) {
				x.WaitingOn = append(x.WaitingOn, child.NotifyID)
			}
		}
		x.SpawnedChildren = base + len(children)
		x.Throttled = x.Throttled || throttled
		if req.chain {
			x.PassThroughData = append(json.RawMessage(nil), req.passThrough...)
			x.LastLink = req.lastLink
		}
		if x.Status == execution.StatusPaused {
			return nil
		}
		return e.transition(x, execution.StatusSuspended)
	})
	if errors.Is(err, ErrNoChange) {
		return e.discardOrphans(ctx, parent.UUID, children)
	}
	if err != nil {
		return err
	}

	launch := children
	if throttled {
		ids := make([]string, len(children))
		for i, child := range children {
			ids[i] = child.UUID
		}
		if err := e.controller.Create(ctx, parent, ids, req.maxConcurrency); err != nil {
			return err
		}
		launch = children[:req.maxConcurrency]
	}
	for _, child := range launch {
		if err := e.PublishStart(ctx, child.UUID); err != nil {
			return err
		}
	}
	return nil
}

// discardOrphans skips children created for a parent that stopped running
// before it could wait on them.
func (e *Engine) discardOrphans(ctx context.Context, parentID string, children []*execution.NodeExecution) error {
	parent, err := e.store.GetNodeExecution(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if parent.IsWaitingOn(child.NotifyID) {
			continue
		}
		if _, err := e.UpdateNodeExecution(ctx, child.UUID, func(x *execution.NodeExecution) error {
			return e.transition(x, execution.StatusSkipped)
		}); err != nil && !errors.Is(err, ErrNoChange) && !isIllegalTransition(err) {
			return err
		}
	}
	return nil
}

// chainStep acts on a ChildChain decision: spawn the next link or finalize.
func (e *Engine) chainStep(ctx context.Context, exec *execution.NodeExecution, in strategy.Input, s strategy.ChildChain, resp strategy.ChildChainResponse) error {
	if resp.Suspend || resp.NextChildID == "" {
		out, err := s.FinalizeExecution(ctx, in, resp.PassThroughData, exec.ResponseMap())
		if err != nil {
			out = execution.Failed(fmt.Errorf("finalize chain: %w", err))
		}
		return e.ApplyStepResponse(ctx, exec.UUID, out)
	}
	return e.spawn(ctx, exec, spawnRequest{
		children:    []strategy.ChildSpec{{NodeID: resp.NextChildID}},
		passThrough: resp.PassThroughData,
		lastLink:    resp.LastLink,
		chain:       true,
	})
}
