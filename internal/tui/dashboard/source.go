package dashboard

import (
	"context"

	appexec "github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/interrupt"
)

// Source exposes the operations the dashboard needs to list plan
// executions, inspect one and intervene on it. *appexec.Service
// satisfies it.
type Source interface {
	List(ctx context.Context) ([]*execution.PlanExecution, error)
	Status(ctx context.Context, planExecutionID string) (*appexec.PlanStatus, error)
	Interrupt(ctx context.Context, req interrupt.RaiseRequest) (*execution.Interrupt, error)
}
