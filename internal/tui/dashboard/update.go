package dashboard

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ensureVisible()
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshMsg:
		cmds := []tea.Cmd{loadPlansCmd(m.ctx, m.source), refreshAfter(m.refreshInterval)}
		if m.selectedID != "" && m.viewMode != ViewList {
			cmds = append(cmds, loadDetailCmd(m.ctx, m.source, m.selectedID))
		}
		return m, tea.Batch(cmds...)

	case PlansLoadedMsg:
		if msg.Err != nil {
			m.setError(fmt.Sprintf("Load plan executions: %v", msg.Err))
			return m, nil
		}
		m.setPlans(msg.Plans)
		return m, nil

	case DetailLoadedMsg:
		if msg.PlanExecutionID != m.selectedID {
			return m, nil
		}
		if msg.Err != nil {
			m.setError(fmt.Sprintf("Load %s: %v", msg.PlanExecutionID, msg.Err))
			return m, nil
		}
		m.detail = msg.Status
		return m, nil

	case InterruptRaisedMsg:
		delete(m.pending, msg.PlanExecutionID)
		if msg.Err != nil {
			m.setError(fmt.Sprintf("%s on %s failed: %v", msg.Type, msg.PlanExecutionID, msg.Err))
			return m, nil
		}
		m.notice = fmt.Sprintf("%s registered for %s", msg.Type, msg.PlanExecutionID)
		return m, nil

	case ClearErrorMsg:
		m.clearError()
		return m, nil
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.viewMode {
	case ViewHelp:
		m.viewMode = m.previousMode
		return m, nil
	case ViewConfirm:
		return m.handleConfirmKey(key)
	case ViewDetail:
		return m.handleDetailKey(key)
	default:
		return m.handleListKey(key)
	}
}

func (m Model) handleListKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q":
		return m, tea.Quit
	case "up", "k":
		m.MoveCursorUp()
	case "down", "j":
		m.MoveCursorDown()
	case "enter":
		plan, ok := m.SelectedPlan()
		if !ok {
			return m, nil
		}
		m.selectedID = plan.ID
		m.detail = nil
		m.viewMode = ViewDetail
		return m, loadDetailCmd(m.ctx, m.source, plan.ID)
	case "r":
		return m, loadPlansCmd(m.ctx, m.source)
	case "?":
		m.previousMode = m.viewMode
		m.viewMode = ViewHelp
	case "x":
		m.clearError()
	case "a":
		return m.requestAction(execution.InterruptAbortAll)
	case "p":
		return m.requestAction(execution.InterruptPause)
	case "u":
		return m.requestAction(execution.InterruptResume)
	}
	return m, nil
}

func (m Model) handleDetailKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q":
		return m, tea.Quit
	case "esc", "backspace":
		m.viewMode = ViewList
		m.selectedID = ""
		m.detail = nil
	case "r":
		return m, loadDetailCmd(m.ctx, m.source, m.selectedID)
	case "?":
		m.previousMode = m.viewMode
		m.viewMode = ViewHelp
	case "x":
		m.clearError()
	case "a":
		return m.requestAction(execution.InterruptAbortAll)
	case "p":
		return m.requestAction(execution.InterruptPause)
	case "u":
		return m.requestAction(execution.InterruptResume)
	}
	return m, nil
}

func (m Model) handleConfirmKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "y", "enter":
		id, typ := m.confirmPlan, m.confirmAction
		m.viewMode = m.previousMode
		m.resetConfirm()
		return m.raise(id, typ)
	case "n", "esc":
		m.viewMode = m.previousMode
		m.resetConfirm()
	}
	return m, nil
}

// requestAction raises typ against the plan in focus. Aborts go through the
// confirmation dialog unless confirmations are disabled.
func (m Model) requestAction(typ execution.InterruptType) (tea.Model, tea.Cmd) {
	plan, ok := m.actionTarget()
	if !ok {
		return m, nil
	}
	if plan.Status.IsTerminal() {
		m.setError(fmt.Sprintf("%s already finished %s", plan.ID, plan.Status))
		return m, nil
	}
	if _, busy := m.pending[plan.ID]; busy {
		return m, nil
	}

	if m.confirmations && typ == execution.InterruptAbortAll {
		m.confirmAction = typ
		m.confirmPlan = plan.ID
		m.confirmMessage = fmt.Sprintf("Abort %s? Running nodes are stopped and the plan ends ABORTED.", planLabel(plan))
		m.previousMode = m.viewMode
		m.viewMode = ViewConfirm
		return m, nil
	}
	return m.raise(plan.ID, typ)
}

func (m Model) raise(planExecutionID string, typ execution.InterruptType) (tea.Model, tea.Cmd) {
	m.pending[planExecutionID] = typ
	m.notice = ""
	return m, raiseCmd(m.ctx, m.source, planExecutionID, typ)
}

func (m Model) actionTarget() (*execution.PlanExecution, bool) {
	if m.viewMode == ViewDetail {
		return m.findPlan(m.selectedID)
	}
	return m.SelectedPlan()
}

func (m *Model) resetConfirm() {
	m.confirmAction = ""
	m.confirmPlan = ""
	m.confirmMessage = ""
}

func planLabel(plan *execution.PlanExecution) string {
	if plan.Plan.Name != "" {
		return fmt.Sprintf("%s (%s)", plan.Plan.Name, plan.ID)
	}
	return plan.ID
}
