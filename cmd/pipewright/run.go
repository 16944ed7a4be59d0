package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	domainexec "github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	infraconfig "github.com/alexisbeaulieu97/pipewright/internal/infrastructure/config"
	"github.com/alexisbeaulieu97/pipewright/internal/interrupt"
	"github.com/alexisbeaulieu97/pipewright/internal/tui/watch"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

type runOptions struct {
	PlanPath        string
	PlanExecutionID string
	Setup           []string
	Timeout         time.Duration
	JSON            bool
	NoTUI           bool
	AllowCommand    bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Run a plan and wait for it to finish",
		Long: `Run submits a plan document to an in-process engine and waits until the
plan execution is terminal. On a terminal the progress is shown live;
otherwise a summary is printed at the end. The exit code is 1 when the
plan does not succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.PlanPath = args[0]
			if !opts.NoTUI && !opts.JSON {
				opts.NoTUI = !isTerminal(cmd.OutOrStdout())
			}
			return runPlan(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PlanExecutionID, "id", "", "Plan execution id; rerunning an existing id resumes it")
	cmd.Flags().StringArrayVar(&opts.Setup, "setup", nil, "Setup abstraction as key=value (repeatable)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Abort the plan if it runs longer than this (e.g. 10m)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the final plan status as JSON")
	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "Disable the live view")
	cmd.Flags().BoolVar(&opts.AllowCommand, "allow-command", true, "Allow task nodes of type command to run shell commands")

	return cmd
}

func runPlan(cmd *cobra.Command, root *rootFlags, opts runOptions) error {
	setup, err := parseSetupFlags(opts.Setup)
	if err != nil {
		return err
	}

	app, err := newAppContext(root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	app.Config.Tasks.EnableCommand = app.Config.Tasks.EnableCommand || opts.AllowCommand

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	rt, stop, err := app.startRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := stop(); err != nil {
			app.Log.Error(err, "runtime shutdown")
		}
	}()

	loader := infraconfig.NewYAMLLoader(app.Logger)
	service := rt.Service(loader)

	loaded, err := loader.Load(ctx, opts.PlanPath)
	if err != nil {
		return err
	}
	id, err := service.Submit(ctx, execution.SubmitRequest{
		PlanExecutionID: opts.PlanExecutionID,
		Plan:            *loaded,
		Setup:           setup,
	})
	if err != nil {
		return err
	}
	app.Log.WithFields(map[string]any{"plan_execution_id": id, "plan": opts.PlanPath}).Debug("plan submitted")

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if !opts.NoTUI && !opts.JSON {
		final, err := watch.Run(waitCtx, service, id, []tea.ProgramOption{
			tea.WithOutput(cmd.OutOrStdout()),
			tea.WithInput(cmd.InOrStdin()),
		})
		if err != nil && waitCtx.Err() == nil {
			return err
		}
		if final.Detached() && waitCtx.Err() == nil {
			return fmt.Errorf("stopped watching plan execution %s before it finished", id)
		}
	}

	plan, err := service.Await(waitCtx, id)
	if err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return abortOnTimeout(ctx, service, id, opts.Timeout)
		}
		return err
	}
	if err := rt.WaitIdle(ctx); err != nil {
		return err
	}

	status, err := service.Status(ctx, id)
	if err != nil {
		return err
	}
	if err := printStatus(cmd.OutOrStdout(), status, opts.JSON, opts.NoTUI); err != nil {
		return err
	}

	if plan.Status != domainexec.StatusSucceeded {
		return pwerrors.NewExecutionError(id, string(plan.Status), failureCause(status))
	}
	return nil
}

// abortOnTimeout raises ABORT_ALL and waits for the plan to settle.
func abortOnTimeout(ctx context.Context, service *execution.Service, id string, timeout time.Duration) error {
	_, err := service.Interrupt(ctx, interrupt.RaiseRequest{
		PlanExecutionID: id,
		Type:            domainexec.InterruptAbortAll,
		Reason:          fmt.Sprintf("timed out after %s", timeout),
	})
	if err != nil {
		return err
	}
	plan, err := service.Await(ctx, id)
	if err != nil {
		return err
	}
	return pwerrors.NewExecutionError(id, string(plan.Status), fmt.Errorf("timed out after %s", timeout))
}

func printStatus(w io.Writer, status *execution.PlanStatus, asJSON, printSummary bool) error {
	if asJSON {
		return writeJSON(w, status)
	}
	if !printSummary {
		return nil
	}
	m := watch.NewModel(context.Background(), nil, status.Plan.ID)
	updated, _ := m.Update(watch.StatusMsg{Status: status})
	fmt.Fprintln(w, updated.View())
	return nil
}

// failureCause reports the first failed node, if any.
func failureCause(status *execution.PlanStatus) error {
	for _, node := range status.Nodes {
		if node.FailureInfo != nil && node.FailureInfo.Message != "" {
			return fmt.Errorf("node %s: %s", node.NodeID, node.FailureInfo.Message)
		}
	}
	return nil
}

func parseSetupFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	setup := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --setup %q: expected key=value", pair)
		}
		setup[strings.TrimSpace(key)] = value
	}
	return setup, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
