package ports

import (
	"context"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// Locker grants short exclusive leases on string keys.
type Locker interface {
	// Acquire blocks until the lease on key is granted or ctx is done. The
	// lease expires after ttl even if release is never called.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// TaskRequest describes work handed to a task dispatcher.
type TaskRequest struct {
	// TaskID is optional; dispatchers generate one when empty.
	TaskID     string
	TaskType   string
	Parameters []byte
	Timeout    time.Duration
	Owner      string
}

// TaskDispatcher runs delegated work out of band and reports results
// through a TaskResultSink.
type TaskDispatcher interface {
	SubmitTask(ctx context.Context, req TaskRequest) (string, error)
	CancelTask(ctx context.Context, taskID string) error
}

// TaskResultSink receives serialized execution.TaskResult values.
type TaskResultSink interface {
	OnTaskResult(ctx context.Context, taskID string, result []byte) error
}

// NodeStatusUpdate describes one node status transition.
type NodeStatusUpdate struct {
	PlanExecutionID string
	RuntimeID       string
	NodeID          string
	Identifier      string
	StepType        pipeline.StepType
	Depth           int
	From            execution.Status
	Status          execution.Status
	Duration        time.Duration
}

// Observer receives lifecycle notifications. Observers must not block the
// engine; implementations deliver asynchronously.
type Observer interface {
	OnStart(ctx context.Context, planExecutionID string, status execution.Status)
	OnNodeStatusUpdate(ctx context.Context, update NodeStatusUpdate)
	OnEnd(ctx context.Context, planExecutionID string, status execution.Status)
}

// PlanLoader reads plan documents from disk. Failures are DomainErrors:
// NOT_FOUND for missing files, VALIDATION_ERROR for syntax problems and the
// plan's own validation codes otherwise.
type PlanLoader interface {
	Load(ctx context.Context, path string) (*pipeline.Plan, error)
	Validate(ctx context.Context, path string) error
}
