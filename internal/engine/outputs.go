package engine

import (
	"context"
	"encoding/json"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// outputResolver resolves sweeping outputs from the scopes visible at one
// ambiance, innermost first.
type outputResolver struct {
	store    ports.OutputStore
	ambiance execution.Ambiance
}

func (r outputResolver) Resolve(ctx context.Context, name string) (json.RawMessage, error) {
	return r.store.ResolveOutput(ctx, r.ambiance.PlanExecutionID, r.ambiance.ResolutionScopes(), name)
}

func (e *Engine) outputsFor(ambiance execution.Ambiance) outputResolver {
	return outputResolver{store: e.store, ambiance: ambiance.Clone()}
}

// ResolveOutput looks a sweeping output up from the point of view of a node
// execution.
func (e *Engine) ResolveOutput(ctx context.Context, runtimeID, name string) (json.RawMessage, error) {
	exec, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	return e.outputsFor(exec.Ambiance).Resolve(ctx, name)
}
