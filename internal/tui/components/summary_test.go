package components

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

func TestSummaryView(t *testing.T) {
	t.Parallel()

	t.Run("renders nothing without data", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "", NewSummary(SummaryData{}).View())
	})

	t.Run("renders progress and counts in a stable order", func(t *testing.T) {
		t.Parallel()
		view := NewSummary(SummaryData{
			PlanStatus: execution.StatusRunning,
			Total:      4,
			Finished:   2,
			Counts: map[execution.Status]int{
				execution.StatusFailed:    1,
				execution.StatusSucceeded: 1,
				execution.StatusRunning:   2,
			},
		}).View()
		require.Contains(t, view, "Nodes: 2/4 finished")
		require.Contains(t, view, "succeeded 1 · running 2 · failed 1")
		require.NotContains(t, view, "Plan finished")
	})

	t.Run("renders terminal status and rollback", func(t *testing.T) {
		t.Parallel()
		view := NewSummary(SummaryData{
			PlanStatus: execution.StatusFailed,
			Total:      1,
			Finished:   1,
			RollbackID: "rb-1",
		}).View()
		require.Contains(t, view, "Plan finished FAILED")
		require.Contains(t, view, "Rollback: rb-1")
	})

	t.Run("renders detached viewer", func(t *testing.T) {
		t.Parallel()
		view := NewSummary(SummaryData{PlanStatus: execution.StatusRunning, Total: 3, Detached: true}).View()
		require.Contains(t, view, "Stopped watching")
	})

	t.Run("renders interrupts", func(t *testing.T) {
		t.Parallel()
		view := NewSummary(SummaryData{
			Interrupts: []InterruptLine{
				{Type: "ABORT_ALL", State: "PROCESSED", Reason: "stop"},
				{Type: "RESUME", State: "DISCARDED"},
			},
		}).View()
		require.Contains(t, view, "Interrupts:")
		require.Contains(t, view, "ABORT_ALL processed (stop)")
		require.Contains(t, view, "RESUME discarded")
	})
}
