// Package dashboard is an interactive overview of every plan execution in a
// store. Operators can drill into one plan and abort, pause or resume it.
package dashboard

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	appexec "github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

const defaultRefreshInterval = time.Second

// Option customises a Model.
type Option func(*Model)

// WithRefreshInterval sets how often the plan list is re-read.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.refreshInterval = d
		}
	}
}

// WithConfirmations toggles the confirmation dialog shown before an abort.
func WithConfirmations(enabled bool) Option {
	return func(m *Model) { m.confirmations = enabled }
}

// WithClock replaces time.Now for age and duration rendering.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		if now != nil {
			m.now = now
		}
	}
}

// Model is the main dashboard model
type Model struct {
	ctx    context.Context
	source Source

	// Core data
	plans  []*execution.PlanExecution
	detail *appexec.PlanStatus
	loaded bool

	// UI state
	viewMode     ViewMode
	previousMode ViewMode
	cursor       int
	selectedID   string
	scrollOffset int

	spinner spinner.Model

	// Operation state: plan id -> interrupt in flight
	pending   map[string]execution.InterruptType
	showError bool
	errorMsg  string
	notice    string

	// Confirmation state
	confirmAction  execution.InterruptType
	confirmPlan    string
	confirmMessage string

	width  int
	height int

	refreshInterval time.Duration
	confirmations   bool
	now             func() time.Time
}

// NewModel creates a new dashboard model
func NewModel(ctx context.Context, source Source, opts ...Option) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	m := Model{
		ctx:             ctx,
		source:          source,
		viewMode:        ViewList,
		spinner:         s,
		pending:         make(map[string]execution.InterruptType),
		refreshInterval: defaultRefreshInterval,
		confirmations:   true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init loads the plan list and starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		loadPlansCmd(m.ctx, m.source),
		refreshAfter(m.refreshInterval),
	)
}

// Run starts the dashboard and blocks until the operator quits or ctx is
// done.
func Run(ctx context.Context, source Source, programOpts []tea.ProgramOption, opts ...Option) error {
	model := NewModel(ctx, source, opts...)
	programOpts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, programOpts...)
	_, err := tea.NewProgram(model, programOpts...).Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// setPlans replaces the list and keeps the cursor on the same plan.
func (m *Model) setPlans(plans []*execution.PlanExecution) {
	current := ""
	if plan, ok := m.SelectedPlan(); ok {
		current = plan.ID
	}
	m.plans = plans
	m.loaded = true
	m.sortPlans()
	for i, plan := range m.plans {
		if plan.ID == current {
			m.cursor = i
			m.ensureVisible()
			return
		}
	}
	if m.cursor >= len(m.plans) {
		m.cursor = len(m.plans) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	m.ensureVisible()
}

// sortPlans puts plans that need attention first, then running ones, then
// the rest. Newer plans come first within a group.
func (m *Model) sortPlans() {
	sort.SliceStable(m.plans, func(i, j int) bool {
		pi, pj := statusPriority(m.plans[i].Status), statusPriority(m.plans[j].Status)
		if pi != pj {
			return pi < pj
		}
		if !m.plans[i].CreatedAt.Equal(m.plans[j].CreatedAt) {
			return m.plans[i].CreatedAt.After(m.plans[j].CreatedAt)
		}
		return m.plans[i].ID < m.plans[j].ID
	})
}

// statusPriority returns sort priority for a status (lower = higher priority)
func statusPriority(status execution.Status) int {
	switch status {
	case execution.StatusFailed, execution.StatusAborted, execution.StatusExpired:
		return 0
	case execution.StatusRunning, execution.StatusPaused, execution.StatusSuspended, execution.StatusQueued:
		return 1
	default:
		return 2
	}
}

// CountByStatus returns counts of plan executions in each status
func (m Model) CountByStatus() map[execution.Status]int {
	counts := make(map[execution.Status]int)
	for _, p := range m.plans {
		counts[p.Status]++
	}
	return counts
}

// Plans returns the plan executions in display order.
func (m Model) Plans() []*execution.PlanExecution {
	return m.plans
}

// SelectedPlan returns the plan execution under the cursor
func (m Model) SelectedPlan() (*execution.PlanExecution, bool) {
	if m.cursor < 0 || m.cursor >= len(m.plans) {
		return nil, false
	}
	return m.plans[m.cursor], true
}

// Detail returns the last snapshot of the opened plan execution.
func (m Model) Detail() *appexec.PlanStatus {
	return m.detail
}

// GetViewMode returns the current view mode
func (m Model) GetViewMode() ViewMode {
	return m.viewMode
}

// Error returns the message of the error banner, if shown.
func (m Model) Error() string {
	if !m.showError {
		return ""
	}
	return m.errorMsg
}

// Notice returns the last confirmation message.
func (m Model) Notice() string {
	return m.notice
}

// MoveCursorUp moves cursor up with wrapping
func (m *Model) MoveCursorUp() {
	if len(m.plans) == 0 {
		return
	}
	m.cursor--
	if m.cursor < 0 {
		m.cursor = len(m.plans) - 1
	}
	m.ensureVisible()
}

// MoveCursorDown moves cursor down with wrapping
func (m *Model) MoveCursorDown() {
	if len(m.plans) == 0 {
		return
	}
	m.cursor++
	if m.cursor >= len(m.plans) {
		m.cursor = 0
	}
	m.ensureVisible()
}

func (m *Model) ensureVisible() {
	rows := m.visibleRows()
	if m.cursor < m.scrollOffset {
		m.scrollOffset = m.cursor
	}
	if m.cursor >= m.scrollOffset+rows {
		m.scrollOffset = m.cursor - rows + 1
	}
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
}

// visibleRows reserves room for the header and footer.
func (m Model) visibleRows() int {
	if m.height <= 0 {
		return len(m.plans) + 1
	}
	if rows := m.height - 8; rows > 0 {
		return rows
	}
	return 1
}

func (m *Model) setError(msg string) {
	m.showError = true
	m.errorMsg = msg
}

func (m *Model) clearError() {
	m.showError = false
	m.errorMsg = ""
}

func (m Model) findPlan(id string) (*execution.PlanExecution, bool) {
	for _, p := range m.plans {
		if p.ID == id {
			return p, true
		}
	}
	if m.detail != nil && m.detail.Plan != nil && m.detail.Plan.ID == id {
		return m.detail.Plan, true
	}
	return nil, false
}
