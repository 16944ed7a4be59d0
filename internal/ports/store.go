package ports

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a compare-and-swap loses a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a unique record already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// PlanExecutionStore persists plan executions.
type PlanExecutionStore interface {
	CreatePlanExecution(ctx context.Context, plan *execution.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error)
	// ListPlanExecutions returns every plan execution, oldest first.
	ListPlanExecutions(ctx context.Context) ([]*execution.PlanExecution, error)
	// CompareAndSwapPlanExecution replaces the record when its stored
	// version equals expectedVersion. On success next.Version is advanced.
	CompareAndSwapPlanExecution(ctx context.Context, expectedVersion int64, next *execution.PlanExecution) error
}

// NodeExecutionStore persists node executions.
type NodeExecutionStore interface {
	// CreateNodeExecution inserts exec unless its UUID already exists. It
	// returns the stored record and whether this call created it.
	CreateNodeExecution(ctx context.Context, exec *execution.NodeExecution) (*execution.NodeExecution, bool, error)
	GetNodeExecution(ctx context.Context, runtimeID string) (*execution.NodeExecution, error)
	// CompareAndSwapNodeExecution replaces the record when its stored
	// version equals expectedVersion. On success next.Version is advanced.
	CompareAndSwapNodeExecution(ctx context.Context, expectedVersion int64, next *execution.NodeExecution) error
	// ListNodeExecutions returns every node execution of a plan in creation
	// order.
	ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error)
}

// ConcurrencyStore persists throttled fan-out cursors.
type ConcurrencyStore interface {
	CreateConcurrentChildInstance(ctx context.Context, instance *execution.ConcurrentChildInstance) (*execution.ConcurrentChildInstance, bool, error)
	GetConcurrentChildInstance(ctx context.Context, parentRuntimeID string) (*execution.ConcurrentChildInstance, error)
	CompareAndSwapConcurrentChildInstance(ctx context.Context, expectedVersion int64, next *execution.ConcurrentChildInstance) error
}

// InterruptStore persists interrupts.
type InterruptStore interface {
	CreateInterrupt(ctx context.Context, interrupt *execution.Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*execution.Interrupt, error)
	ListInterrupts(ctx context.Context, planExecutionID string) ([]*execution.Interrupt, error)
	// TransitionInterrupt moves an interrupt out of REGISTERED exactly once.
	// It returns false when the interrupt was already handled.
	TransitionInterrupt(ctx context.Context, id string, state execution.InterruptState, reason string) (bool, error)
}

// CorrelationStore maps wait correlation ids to the node execution waiting
// on them.
type CorrelationStore interface {
	RegisterCorrelation(ctx context.Context, correlationID, runtimeID string) error
	// ClaimCorrelation removes the mapping and returns the waiting runtime
	// id. A second claim returns ErrNotFound.
	ClaimCorrelation(ctx context.Context, correlationID string) (string, error)
}

// OutputStore persists sweeping outputs.
type OutputStore interface {
	// ConsumeOutput stores an output. Re-publishing by the same producer is
	// a no-op; a different producer yields ErrDuplicate.
	ConsumeOutput(ctx context.Context, record execution.OutputRecord) error
	// ResolveOutput returns the value in the first scope that holds name.
	ResolveOutput(ctx context.Context, planExecutionID string, scopes []string, name string) (json.RawMessage, error)
}

// ExecutionStore aggregates every persistence concern of the engine.
type ExecutionStore interface {
	PlanExecutionStore
	NodeExecutionStore
	ConcurrencyStore
	InterruptStore
	CorrelationStore
	OutputStore
	Close() error
}
