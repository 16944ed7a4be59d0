package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/tui/components"
)

// View renders the current state of the model.
func (m Model) View() string {
	header := titleStyle.Render(fmt.Sprintf("pipewright • %s", m.heading()))
	if !m.finished && !m.detached {
		header = lipgloss.JoinHorizontal(lipgloss.Left, m.spinner.View(), " ", header)
	}
	sections := []string{header}

	if m.status == nil || m.status.Plan == nil {
		if m.err != nil {
			sections = append(sections, failureStyle.Render(m.err.Error()))
		} else {
			sections = append(sections, dimStyle.Render("waiting for plan execution "+m.planID))
		}
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	counts := m.status.Counts()
	total := len(m.status.Nodes)
	finished := 0
	for status, n := range counts {
		if status.IsTerminal() {
			finished += n
		}
	}

	progress := components.NewProgress(total)
	if m.width > 20 {
		progress = progress.WithWidth(m.width / 2)
	}
	sections = append(sections, sectionStyle.Render("Progress"), progress.View(finished))

	entries := components.NewNodeList(m.status.Nodes, m.now()).Entries()
	if len(entries) > 0 {
		sections = append(sections, sectionStyle.Render("Nodes"), RenderNodes(entries))
	}

	summary := components.NewSummary(components.SummaryData{
		PlanStatus: m.status.Plan.Status,
		Total:      total,
		Finished:   finished,
		Counts:     counts,
		Detached:   m.detached,
		RollbackID: m.status.Plan.RollbackID,
		Interrupts: InterruptLines(m.status.Interrupts),
	}).View()
	if strings.TrimSpace(summary) != "" {
		sections = append(sections, sectionStyle.Render("Summary"), summaryStyle.Render(summary))
	}

	if m.err != nil {
		sections = append(sections, failureStyle.Render(m.err.Error()))
	}
	if !m.finished && !m.detached {
		sections = append(sections, helpStyle.Render("q to stop watching"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) heading() string {
	if strings.TrimSpace(m.title) != "" {
		return m.title
	}
	if m.status != nil && m.status.Plan != nil && m.status.Plan.Plan.Name != "" {
		return m.status.Plan.Plan.Name
	}
	return m.planID
}

// RenderNodes renders node entries as an indented tree.
func RenderNodes(entries []components.NodeEntry) string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", entry.Depth), StatusIcon(entry.Status), entry.Name)
		if entry.StepType != "" {
			line = fmt.Sprintf("%s %s", line, dimStyle.Render(entry.StepType))
		}
		if entry.Duration > 0 {
			line = fmt.Sprintf("%s (%s)", line, entry.Duration.Truncate(10*time.Millisecond))
		}
		if strings.TrimSpace(entry.Message) != "" {
			line = fmt.Sprintf("%s: %s", line, entry.Message)
		}
		if entry.Waiting {
			line = fmt.Sprintf("%s %s", line, failureStyle.Render("[awaiting intervention]"))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// InterruptLines converts interrupts for the summary component.
func InterruptLines(interrupts []*execution.Interrupt) []components.InterruptLine {
	if len(interrupts) == 0 {
		return nil
	}
	lines := make([]components.InterruptLine, 0, len(interrupts))
	for _, in := range interrupts {
		lines = append(lines, components.InterruptLine{
			Type:   string(in.Type),
			State:  string(in.State),
			Reason: in.Reason,
		})
	}
	return lines
}

// StatusIcon returns the glyph representing a node status.
func StatusIcon(status execution.Status) string {
	switch status {
	case execution.StatusSucceeded:
		return successStyle.Render("✓")
	case execution.StatusRunning:
		return runningStyle.Render("⏳")
	case execution.StatusSuspended, execution.StatusPaused:
		return runningStyle.Render("⏸")
	case execution.StatusFailed, execution.StatusExpired:
		return failureStyle.Render("✗")
	case execution.StatusAborted:
		return failureStyle.Render("■")
	case execution.StatusSkipped:
		return skippedStyle.Render("⊘")
	default:
		return pendingStyle.Render("…")
	}
}
