package components

import (
	"fmt"
	"math"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

const defaultProgressWidth = 30

// Progress renders how many node executions reached a terminal status.
type Progress struct {
	bar   progress.Model
	total int
}

// NewProgress creates a progress component for total node executions.
func NewProgress(total int) Progress {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = defaultProgressWidth
	return Progress{bar: bar, total: total}
}

// WithWidth resizes the bar; non-positive widths are ignored.
func (p Progress) WithWidth(width int) Progress {
	if width > 0 {
		p.bar.Width = width
	}
	return p
}

// View renders the bar for done finished node executions.
func (p Progress) View(done int) string {
	ratio := 0.0
	if p.total > 0 {
		ratio = math.Min(1.0, float64(done)/float64(p.total))
	}
	label := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("%d/%d", done, p.total))
	return lipgloss.JoinHorizontal(lipgloss.Left, label, " ", p.bar.ViewAs(ratio))
}
