package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/pipewright/internal/config"
	infraconfig "github.com/alexisbeaulieu97/pipewright/internal/infrastructure/config"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

func newValidateCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [plan-file...]",
		Short: "Check plan documents and the engine configuration",
		Long: `Validate loads every plan document and reports the first problem in each.
When --config is set the engine configuration is checked as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, root, args)
		},
	}

	return cmd
}

func runValidate(cmd *cobra.Command, root *rootFlags, paths []string) error {
	if len(paths) == 0 && root.configPath == "" {
		return errors.New("nothing to validate: pass plan files or --config")
	}

	out := cmd.OutOrStdout()
	var failures []error

	if root.configPath != "" {
		if _, err := config.Load(root.configPath); err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", root.configPath, err)
			failures = append(failures, err)
		} else {
			fmt.Fprintf(out, "✓ %s\n", root.configPath)
		}
	}

	for _, path := range paths {
		plan, err := config.ParsePlan(path)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", path, err)
			failures = append(failures, err)
			continue
		}
		if err := infraconfig.NewYAMLLoader(nil).Validate(cmd.Context(), path); err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", path, err)
			failures = append(failures, pwerrors.NewValidationError("path", err.Error(), err))
			continue
		}
		fmt.Fprintf(out, "✓ %s (%d nodes)\n", path, len(plan.Nodes))
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d documents invalid: %w", len(failures), len(paths)+boolToInt(root.configPath != ""), errors.Join(failures...))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
