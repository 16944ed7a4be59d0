// Package strategy defines the execution modes a node can take and the
// built-in step types that implement them.
//
// Strategies are stateless. Everything they need arrives through Input and
// everything they decide is returned to the engine, which owns persistence
// and sequencing.
package strategy

import (
	"context"
	"encoding/json"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// OutputResolver looks up sweeping outputs visible from the running node.
type OutputResolver interface {
	Resolve(ctx context.Context, name string) (json.RawMessage, error)
}

// Input is what the engine hands a strategy.
type Input struct {
	Ambiance   execution.Ambiance
	Node       pipeline.Node
	Parameters pipeline.StepParameters
	Outputs    OutputResolver
}

// RuntimeID is the runtime id of the node being executed.
func (in Input) RuntimeID() string {
	return in.Ambiance.RuntimeID()
}

// Strategy is the common part of every execution mode.
type Strategy interface {
	StepType() pipeline.StepType
	Mode() execution.Mode
	// ParametersKind is the parameter record the strategy consumes.
	ParametersKind() pipeline.ParametersKind
}

// Sync strategies finish inline.
type Sync interface {
	Strategy
	Execute(ctx context.Context, in Input) (execution.StepResponse, error)
}

// AsyncResponse lists the correlation ids the node waits on.
type AsyncResponse struct {
	CallbackIDs []string
}

// Async strategies suspend until every callback id is notified.
type Async interface {
	Strategy
	ExecuteAsync(ctx context.Context, in Input) (AsyncResponse, error)
	HandleAsyncResponse(ctx context.Context, in Input, responses []execution.ResponseData) (execution.StepResponse, error)
}

// Task strategies delegate work to the task dispatcher.
type Task interface {
	Strategy
	ObtainTask(ctx context.Context, in Input) (ports.TaskRequest, error)
	HandleTaskResult(ctx context.Context, in Input, result execution.TaskResult) (execution.StepResponse, error)
}

// ChildResponse names the single child to spawn.
type ChildResponse struct {
	ChildNodeID string
}

// Child strategies spawn one child and wait for it.
type Child interface {
	Strategy
	ObtainChild(ctx context.Context, in Input) (ChildResponse, error)
	HandleChildResponse(ctx context.Context, in Input, responses []execution.ResponseData) (execution.StepResponse, error)
}

// ChildSpec is one child of a fan-out.
type ChildSpec struct {
	NodeID           string
	StrategyMetadata *execution.StrategyMetadata
}

// ChildrenResponse lists children to spawn. MaxConcurrency of zero means
// every child starts at once.
type ChildrenResponse struct {
	Children       []ChildSpec
	MaxConcurrency int
}

// Children strategies spawn several children and wait for all of them.
type Children interface {
	Strategy
	ObtainChildren(ctx context.Context, in Input) (ChildrenResponse, error)
	HandleChildrenResponse(ctx context.Context, in Input, responses []execution.ResponseData) (execution.StepResponse, error)
}

// ChildChainResponse tells the engine what to run next. When Suspend is set
// no child is spawned and the engine finalizes the node.
type ChildChainResponse struct {
	NextChildID     string
	PassThroughData json.RawMessage
	LastLink        bool
	Suspend         bool
}

// ChildChain strategies run children one at a time.
type ChildChain interface {
	Strategy
	ExecuteFirstChild(ctx context.Context, in Input) (ChildChainResponse, error)
	ExecuteNextChild(ctx context.Context, in Input, passThrough json.RawMessage, responses map[string]execution.ResponseData) (ChildChainResponse, error)
	FinalizeExecution(ctx context.Context, in Input, passThrough json.RawMessage, responses map[string]execution.ResponseData) (execution.StepResponse, error)
}
