package dashboard

import (
	appexec "github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

// ViewMode determines which screen to render
type ViewMode int

const (
	ViewList ViewMode = iota
	ViewDetail
	ViewHelp
	ViewConfirm
)

// PlansLoadedMsg carries a fresh list of plan executions.
type PlansLoadedMsg struct {
	Plans []*execution.PlanExecution
	Err   error
}

// DetailLoadedMsg carries the snapshot of the selected plan execution.
type DetailLoadedMsg struct {
	PlanExecutionID string
	Status          *appexec.PlanStatus
	Err             error
}

// InterruptRaisedMsg reports the outcome of an operator action.
type InterruptRaisedMsg struct {
	PlanExecutionID string
	Type            execution.InterruptType
	Interrupt       *execution.Interrupt
	Err             error
}

// ClearErrorMsg requests error banner dismissal
type ClearErrorMsg struct{}

type refreshMsg struct{}
