package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "pipewright",
		Short:         "pipewright runs declarative pipeline plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the engine configuration file")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newValidateCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newDashboardCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
