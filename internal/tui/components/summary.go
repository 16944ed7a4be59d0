package components

import (
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

// InterruptLine is an interrupt as shown in the summary.
type InterruptLine struct {
	Type   string
	State  string
	Reason string
}

// SummaryData aggregates what the summary renders.
type SummaryData struct {
	PlanStatus execution.Status
	Total      int
	Finished   int
	Counts     map[execution.Status]int
	// Detached means the viewer stopped watching before the plan ended.
	Detached   bool
	RollbackID string
	Interrupts []InterruptLine
}

// Summary renders a textual plan summary.
type Summary struct {
	data SummaryData
}

// NewSummary creates a new Summary component.
func NewSummary(data SummaryData) Summary {
	return Summary{data: data}
}

var countOrder = []execution.Status{
	execution.StatusSucceeded,
	execution.StatusSkipped,
	execution.StatusRunning,
	execution.StatusQueued,
	execution.StatusSuspended,
	execution.StatusPaused,
	execution.StatusFailed,
	execution.StatusAborted,
	execution.StatusExpired,
}

// View renders the summary.
func (s Summary) View() string {
	var lines []string
	if s.data.Total > 0 {
		lines = append(lines, fmt.Sprintf("Nodes: %d/%d finished", s.data.Finished, s.data.Total))
	}

	var counts []string
	for _, status := range countOrder {
		if n := s.data.Counts[status]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s %d", strings.ToLower(string(status)), n))
		}
	}
	if len(counts) > 0 {
		lines = append(lines, strings.Join(counts, " · "))
	}

	switch {
	case s.data.Detached:
		lines = append(lines, "Stopped watching; the plan keeps running")
	case s.data.PlanStatus.IsTerminal():
		lines = append(lines, fmt.Sprintf("Plan finished %s", s.data.PlanStatus))
	}
	if s.data.RollbackID != "" {
		lines = append(lines, fmt.Sprintf("Rollback: %s", s.data.RollbackID))
	}

	if len(s.data.Interrupts) > 0 {
		lines = append(lines, "Interrupts:")
		for _, in := range s.data.Interrupts {
			line := fmt.Sprintf("  %s %s", in.Type, strings.ToLower(in.State))
			if in.Reason != "" {
				line = fmt.Sprintf("%s (%s)", line, in.Reason)
			}
			lines = append(lines, line)
		}
	}

	return strings.Join(lines, "\n")
}
