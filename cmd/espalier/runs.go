package main

import (
	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage stored runs",
	Long:  `List, inspect, and remove runs kept in the configured store.`,
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			return cli.ListRuns(cmd.Context(), cmd.OutOrStdout(), rt.Engine, domain.RunStatus(status))
		})
	},
}

var runsInspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Print the full snapshot of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			return cli.InspectRun(cmd.Context(), cmd.OutOrStdout(), rt.Engine, args[0])
		})
	},
}

var runsRmCmd = &cobra.Command{
	Use:   "rm <run-id>...",
	Short: "Remove one or more runs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			return cli.RemoveRuns(cmd.Context(), cmd.OutOrStdout(), rt.Engine, args)
		})
	},
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove suspended and finished runs past the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		retention := cfg.Retention
		if cmd.Flags().Changed("older-than") {
			retention, _ = cmd.Flags().GetDuration("older-than")
		}
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			return cli.CleanupRuns(cmd.Context(), cmd.OutOrStdout(), rt.Engine, retention)
		})
	},
}

func withRuntime(cmd *cobra.Command, fn func(*cli.Runtime) error) error {
	rt, err := newRuntime(cmd.Context(), cmd, cli.Features{})
	if err != nil {
		return err
	}
	defer rt.Close(cmd.Context())
	return fn(rt)
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsLsCmd)
	runsCmd.AddCommand(runsInspectCmd)
	runsCmd.AddCommand(runsRmCmd)
	runsCmd.AddCommand(runsCleanupCmd)

	runsLsCmd.Flags().String("status", "", "Only list runs with this status")
	runsCleanupCmd.Flags().Duration("older-than", 0, "Retention period (defaults to the configured retention)")
}
