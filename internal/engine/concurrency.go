package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// ConcurrencyController bounds how many children of a fan-out run at once.
// The first maxConcurrency children start with the parent; each child
// completion then advances a persisted cursor by one and starts the child
// it lands on.
type ConcurrencyController struct {
	engine *Engine
}

// Create persists the cursor of a throttled fan-out.
func (c *ConcurrencyController) Create(ctx context.Context, parent *execution.NodeExecution, childIDs []string, maxConcurrency int) error {
	instance := &execution.ConcurrentChildInstance{
		ParentRuntimeID:    parent.UUID,
		PlanExecutionID:    parent.PlanExecutionID,
		ChildrenRuntimeIDs: append([]string(nil), childIDs...),
		MaxConcurrency:     maxConcurrency,
		Cursor:             maxConcurrency,
	}
	if _, _, err := c.engine.store.CreateConcurrentChildInstance(ctx, instance); err != nil {
		return fmt.Errorf("create concurrent child instance: %w", err)
	}
	return nil
}

// Advance is called after child responses were recorded on a throttled
// parent. Under the per-parent lock it moves the cursor until it is
// maxConcurrency ahead of the completed children, starting every child it
// passes that is still QUEUED. Calling it again without new completions is
// a no-op. A missing instance is fatal.
func (c *ConcurrencyController) Advance(ctx context.Context, parentRuntimeID string) error {
	e := c.engine
	release, err := e.locker.Acquire(ctx, "concurrency/"+parentRuntimeID, e.lockTTL)
	if err != nil {
		return err
	}
	defer release()

	parent, err := e.store.GetNodeExecution(ctx, parentRuntimeID)
	if err != nil {
		return fmt.Errorf("load parent %s: %w", parentRuntimeID, err)
	}
	instance, err := e.store.GetConcurrentChildInstance(ctx, parentRuntimeID)
	if errors.Is(err, ports.ErrNotFound) {
		fatal := pipeline.NewFatalError("concurrent child instance missing", err, map[string]interface{}{
			"parent_runtime_id": parentRuntimeID,
		})
		e.errorOut(ctx, parent.PlanExecutionID, fatal)
		return fatal
	}
	if err != nil {
		return err
	}

	target := instance.MaxConcurrency + len(parent.Responses)
	for instance.Cursor < target && !instance.Exhausted() {
		nextID := instance.ChildrenRuntimeIDs[instance.Cursor]
		next := instance.Clone()
		next.Cursor++
		if err := e.store.CompareAndSwapConcurrentChildInstance(ctx, instance.Version, next); err != nil {
			return fmt.Errorf("advance cursor of %s: %w", parentRuntimeID, err)
		}
		instance = next

		child, err := e.store.GetNodeExecution(ctx, nextID)
		if err != nil {
			return fmt.Errorf("load child %s: %w", nextID, err)
		}
		if child.Status != execution.StatusQueued {
			e.logger.Debug(ctx, "skipping child that is no longer queued",
				"parent_runtime_id", parentRuntimeID,
				"runtime_id", nextID,
				"status", child.Status,
			)
			continue
		}
		if err := e.PublishStart(ctx, nextID); err != nil {
			return err
		}
	}
	return nil
}
