package dashboard

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/interrupt"
)

const actionReason = "raised from the dashboard"

// loadPlansCmd lists plan executions asynchronously
func loadPlansCmd(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		plans, err := src.List(ctx)
		return PlansLoadedMsg{Plans: plans, Err: err}
	}
}

// loadDetailCmd reads one plan execution with its nodes and interrupts
func loadDetailCmd(ctx context.Context, src Source, planExecutionID string) tea.Cmd {
	return func() tea.Msg {
		status, err := src.Status(ctx, planExecutionID)
		return DetailLoadedMsg{PlanExecutionID: planExecutionID, Status: status, Err: err}
	}
}

// raiseCmd registers a plan-wide interrupt
func raiseCmd(ctx context.Context, src Source, planExecutionID string, typ execution.InterruptType) tea.Cmd {
	return func() tea.Msg {
		raised, err := src.Interrupt(ctx, interrupt.RaiseRequest{
			PlanExecutionID: planExecutionID,
			Type:            typ,
			Reason:          actionReason,
		})
		return InterruptRaisedMsg{PlanExecutionID: planExecutionID, Type: typ, Interrupt: raised, Err: err}
	}
}

func refreshAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return refreshMsg{} })
}
