// Package watch renders a live view of one plan execution by polling its
// status.
package watch

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	appexec "github.com/alexisbeaulieu97/pipewright/internal/app/execution"
)

const defaultInterval = 200 * time.Millisecond

// StatusSource reads plan execution snapshots.
type StatusSource interface {
	Status(ctx context.Context, planExecutionID string) (*appexec.PlanStatus, error)
}

// StatusMsg carries the result of one poll.
type StatusMsg struct {
	Status *appexec.PlanStatus
	Err    error
}

type pollMsg struct{}

// Option customises a Model.
type Option func(*Model)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTitle overrides the header, which defaults to the plan name.
func WithTitle(title string) Option {
	return func(m *Model) { m.title = title }
}

// WithClock replaces time.Now for duration rendering.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		if now != nil {
			m.now = now
		}
	}
}

// Model is the Bubbletea state of the watch view.
type Model struct {
	ctx      context.Context
	source   StatusSource
	planID   string
	title    string
	interval time.Duration
	now      func() time.Time

	spinner  spinner.Model
	status   *appexec.PlanStatus
	err      error
	width    int
	finished bool
	detached bool
}

// NewModel builds a watch model for planExecutionID.
func NewModel(ctx context.Context, source StatusSource, planExecutionID string, opts ...Option) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	m := Model{
		ctx:      ctx,
		source:   source,
		planID:   planExecutionID,
		interval: defaultInterval,
		now:      time.Now,
		spinner:  s,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init fetches the first snapshot and starts the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

// Finished reports whether the plan reached a terminal status.
func (m Model) Finished() bool {
	return m.finished
}

// Detached reports whether the viewer quit before the plan finished.
func (m Model) Detached() bool {
	return m.detached
}

// Status returns the latest snapshot, nil before the first poll.
func (m Model) Status() *appexec.PlanStatus {
	return m.status
}

// Err returns the error of the latest poll.
func (m Model) Err() error {
	return m.err
}

func (m Model) fetch() tea.Cmd {
	ctx, source, id := m.ctx, m.source, m.planID
	return func() tea.Msg {
		status, err := source.Status(ctx, id)
		return StatusMsg{Status: status, Err: err}
	}
}

func (m Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

// Run drives the watch view until the plan finishes or the viewer quits,
// and returns the final model.
func Run(ctx context.Context, source StatusSource, planExecutionID string, programOpts []tea.ProgramOption, opts ...Option) (Model, error) {
	programOpts = append([]tea.ProgramOption{tea.WithContext(ctx)}, programOpts...)
	final, err := tea.NewProgram(NewModel(ctx, source, planExecutionID, opts...), programOpts...).Run()
	if m, ok := final.(Model); ok {
		return m, err
	}
	return Model{}, err
}
