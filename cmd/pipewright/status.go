package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/config"
	domainexec "github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

type statusOptions struct {
	JSON bool
}

func newStatusCmd(root *rootFlags) *cobra.Command {
	opts := statusOptions{}

	cmd := &cobra.Command{
		Use:   "status [plan-execution-id]",
		Short: "Show plan executions recorded in the configured store",
		Long: `Status reads the durable store named by the configuration. Without an id it
lists every plan execution; with an id it shows that execution's nodes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runStatus(cmd, root, id, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, root *rootFlags, id string, opts statusOptions) error {
	app, err := newAppContext(root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if app.Config.Storage.Driver == config.DriverMemory {
		return errors.New("status needs a durable store: set storage.driver to sqlite or postgres in --config")
	}

	rt, err := execution.NewRuntime(cmd.Context(), app.Config, app.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			app.Log.Error(err, "close store")
		}
	}()
	service := rt.Service(nil)
	out := cmd.OutOrStdout()

	if id == "" {
		plans, err := service.List(cmd.Context())
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(out, plans)
		}
		return renderPlanTable(out, plans)
	}

	status, err := service.Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(out, status)
	}
	return printStatus(out, status, false, true)
}

func renderPlanTable(w io.Writer, plans []*domainexec.PlanExecution) error {
	if len(plans) == 0 {
		fmt.Fprintln(w, "No plan executions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPLAN\tSTATUS\tSTARTED\tDURATION")
	for _, plan := range plans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			plan.ID,
			valueOrFallback(plan.Plan.Name, "-"),
			plan.Status,
			formatTime(plan.StartTs),
			formatDuration(plan.StartTs, plan.EndTs),
		)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func valueOrFallback(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(time.RFC3339)
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	return end.Sub(start).Truncate(time.Millisecond).String()
}
