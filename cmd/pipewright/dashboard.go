package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/pipewright/internal/config"
	infraconfig "github.com/alexisbeaulieu97/pipewright/internal/infrastructure/config"
	"github.com/alexisbeaulieu97/pipewright/internal/tui/dashboard"
)

type dashboardOptions struct {
	Refresh   time.Duration
	NoConfirm bool
	LogFile   string
}

func newDashboardCmd(root *rootFlags) *cobra.Command {
	opts := dashboardOptions{}

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Launch the interactive dashboard",
		Long: `Launch the interactive dashboard over the durable store named by the
configuration. The dashboard also runs the engine, so unfinished plan
executions resume and interrupts raised from it are processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, root, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Refresh, "refresh", time.Second, "How often the plan list is re-read")
	cmd.Flags().BoolVar(&opts.NoConfirm, "no-confirm", false, "Abort without asking for confirmation")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "Write engine logs to this file instead of discarding them")

	return cmd
}

func runDashboard(cmd *cobra.Command, root *rootFlags, opts dashboardOptions) error {
	var logOutput io.Writer = io.Discard
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOutput = f
	}

	app, err := newAppContext(root, logOutput)
	if err != nil {
		return err
	}
	if app.Config.Storage.Driver == config.DriverMemory {
		return errors.New("dashboard needs a durable store: set storage.driver to sqlite or postgres in --config")
	}

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

	app.Log.Info("launching dashboard")
	err = dashboard.Run(ctx, rt.Service(infraconfig.NewYAMLLoader(app.Logger)), []tea.ProgramOption{
		tea.WithOutput(cmd.OutOrStdout()),
		tea.WithInput(cmd.InOrStdin()),
	},
		dashboard.WithRefreshInterval(opts.Refresh),
		dashboard.WithConfirmations(!opts.NoConfirm),
	)
	if err != nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	app.Log.Info("dashboard closed")
	return nil
}
