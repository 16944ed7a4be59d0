package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/tui/components"
	"github.com/alexisbeaulieu97/pipewright/internal/tui/watch"
)

var headerOrder = []execution.Status{
	execution.StatusRunning,
	execution.StatusPaused,
	execution.StatusSucceeded,
	execution.StatusFailed,
	execution.StatusAborted,
	execution.StatusExpired,
}

// View renders the current model state
func (m Model) View() string {
	switch m.viewMode {
	case ViewDetail:
		return m.renderDetailView()
	case ViewHelp:
		return m.renderHelpView()
	case ViewConfirm:
		return m.renderConfirmView()
	default:
		return m.renderListView()
	}
}

func (m Model) renderListView() string {
	sections := []string{m.renderHeader()}
	if banner := m.renderBanner(); banner != "" {
		sections = append(sections, banner)
	}
	sections = append(sections, m.renderPlanList(), m.renderFooter(
		"↑/↓: navigate", "enter: open", "a: abort", "p: pause", "u: resume", "r: refresh", "?: help",
	))
	return m.fit(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

// renderHeader renders the title and a count per status
func (m Model) renderHeader() string {
	title := titleStyle.Render("pipewright dashboard")

	counts := m.CountByStatus()
	var parts []string
	for _, status := range headerOrder {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d %s", watch.StatusIcon(status), n, strings.ToLower(string(status))))
		}
	}
	summary := dimStyle.Render(fmt.Sprintf("%d plan executions", len(m.plans)))
	if len(parts) > 0 {
		summary = strings.Join(parts, "  ")
	}
	return headerStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, summary))
}

func (m Model) renderBanner() string {
	if m.showError {
		return errorBannerStyle.Render(m.errorMsg)
	}
	if m.notice != "" {
		return noticeStyle.Render(m.notice)
	}
	return ""
}

func (m Model) renderPlanList() string {
	if !m.loaded {
		return emptyStateStyle.Render(m.spinner.View() + " Loading plan executions...")
	}
	if len(m.plans) == 0 {
		return emptyStateStyle.Render("No plan executions recorded yet.\n\nStart one with:\n  pipewright run <plan.yaml>")
	}

	start := m.scrollOffset
	end := start + m.visibleRows()
	if end > len(m.plans) {
		end = len(m.plans)
	}

	var items []string
	if start > 0 {
		items = append(items, dimStyle.Render("▲ More above"))
	}
	for i := start; i < end; i++ {
		items = append(items, m.renderPlanItem(m.plans[i], i == m.cursor))
	}
	if end < len(m.plans) {
		items = append(items, dimStyle.Render("▼ More below"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, items...)
}

func (m Model) renderPlanItem(plan *execution.PlanExecution, selected bool) string {
	icon := watch.StatusIcon(plan.Status)
	if _, busy := m.pending[plan.ID]; busy {
		icon = m.spinner.View()
	}
	name := plan.Plan.Name
	if name == "" {
		name = "(unnamed)"
	}
	line := fmt.Sprintf("%s %s  %s  %s", icon, name,
		dimStyle.Render(plan.ID),
		dimStyle.Render(strings.ToLower(string(plan.Status))+" · "+m.describeTiming(plan)),
	)
	if selected {
		return selectedItemStyle.Render(line)
	}
	return itemStyle.Render(line)
}

func (m Model) renderFooter(hints ...string) string {
	if m.showError {
		hints = append(hints, "x: dismiss error")
	}
	hints = append(hints, "q: quit")
	return footerStyle.Render(strings.Join(hints, "  •  "))
}

func (m Model) renderDetailView() string {
	plan, _ := m.findPlan(m.selectedID)
	if m.detail != nil && m.detail.Plan != nil {
		plan = m.detail.Plan
	}

	heading := m.selectedID
	if plan != nil {
		heading = planLabel(plan)
	}
	sections := []string{headerStyle.Render(titleStyle.Render("pipewright • " + heading))}
	if banner := m.renderBanner(); banner != "" {
		sections = append(sections, banner)
	}

	if m.detail == nil || m.detail.Plan == nil {
		sections = append(sections, emptyStateStyle.Render(m.spinner.View()+" Loading plan execution..."))
		sections = append(sections, m.renderFooter("esc: back"))
		return m.fit(lipgloss.JoinVertical(lipgloss.Left, sections...))
	}

	rows := []string{
		detailRow("Status", string(plan.Status)),
		detailRow("Started", formatTime(plan.StartTs)),
		detailRow("Duration", m.describeDuration(plan)),
	}
	if setup := formatSetup(plan.SetupAbstractions); setup != "" {
		rows = append(rows, detailRow("Setup", setup))
	}
	if plan.RollbackOf != "" {
		rows = append(rows, detailRow("Rollback of", plan.RollbackOf))
	}
	if plan.FailureInfo != nil && plan.FailureInfo.Message != "" {
		rows = append(rows, detailRow("Failure", plan.FailureInfo.Message))
	}
	sections = append(sections, lipgloss.JoinVertical(lipgloss.Left, rows...))

	counts := m.detail.Counts()
	total := len(m.detail.Nodes)
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

	if entries := components.NewNodeList(m.detail.Nodes, m.now()).Entries(); len(entries) > 0 {
		sections = append(sections, sectionStyle.Render("Nodes"), watch.RenderNodes(entries))
	}

	summary := components.NewSummary(components.SummaryData{
		PlanStatus: plan.Status,
		Total:      total,
		Finished:   finished,
		Counts:     counts,
		RollbackID: plan.RollbackID,
		Interrupts: watch.InterruptLines(m.detail.Interrupts),
	}).View()
	if strings.TrimSpace(summary) != "" {
		sections = append(sections, sectionStyle.Render("Summary"), summary)
	}

	sections = append(sections, m.renderFooter("esc: back", "a: abort", "p: pause", "u: resume", "r: refresh"))
	return m.fit(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m Model) renderHelpView() string {
	bindings := [][2]string{
		{"↑/k ↓/j", "move the cursor"},
		{"enter", "open the plan execution"},
		{"esc", "back to the list"},
		{"a", "abort the plan (asks first)"},
		{"p", "pause the plan"},
		{"u", "resume a paused plan"},
		{"r", "refresh now"},
		{"x", "dismiss the error banner"},
		{"q", "quit"},
	}
	lines := []string{titleStyle.Render("Keyboard shortcuts"), ""}
	for _, b := range bindings {
		lines = append(lines, helpKeyStyle.Render(b[0])+b[1])
	}
	lines = append(lines, "", dimStyle.Render("press any key to close"))
	return helpBoxStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderConfirmView() string {
	body := lipgloss.JoinVertical(lipgloss.Left,
		confirmTitleStyle.Render("Confirm "+string(m.confirmAction)),
		"",
		m.confirmMessage,
		"",
		"[y] yes   [n] no",
	)
	return confirmBoxStyle.Render(body)
}

func (m Model) fit(view string) string {
	if m.width <= 0 {
		return view
	}
	return lipgloss.NewStyle().MaxWidth(m.width).Render(view)
}

func (m Model) describeTiming(plan *execution.PlanExecution) string {
	if plan.StartTs.IsZero() {
		return "queued " + formatAge(plan.CreatedAt, m.now())
	}
	if plan.Status.IsTerminal() && !plan.EndTs.IsZero() {
		return "ended " + formatAge(plan.EndTs, m.now())
	}
	return "started " + formatAge(plan.StartTs, m.now())
}

func (m Model) describeDuration(plan *execution.PlanExecution) string {
	if plan.StartTs.IsZero() {
		return "-"
	}
	end := plan.EndTs
	if end.IsZero() {
		end = m.now()
	}
	return end.Sub(plan.StartTs).Truncate(10 * time.Millisecond).String()
}

func detailRow(label, value string) string {
	return detailLabelStyle.Render(label) + value
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func formatSetup(setup map[string]string) string {
	if len(setup) == 0 {
		return ""
	}
	keys := make([]string, 0, len(setup))
	for k := range setup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+setup[k])
	}
	return strings.Join(pairs, " ")
}
