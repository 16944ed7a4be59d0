package watch

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles Bubbletea messages and updates model state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StatusMsg:
		if msg.Err != nil {
			m.err = msg.Err
			if m.ctx != nil && m.ctx.Err() != nil {
				m.detached = !m.finished
				return m, tea.Quit
			}
			return m, m.schedule()
		}
		m.err = nil
		m.status = msg.Status
		if msg.Status != nil && msg.Status.Plan != nil && msg.Status.Plan.Status.IsTerminal() {
			m.finished = true
			return m, tea.Quit
		}
		return m, m.schedule()
	case pollMsg:
		if m.finished {
			return m, nil
		}
		return m, m.fetch()
	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.detached = !m.finished
			return m, tea.Quit
		}
	}
	return m, nil
}
