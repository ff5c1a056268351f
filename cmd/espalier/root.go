package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/spf13/cobra"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "espalier",
	Short: "Espalier runs stateful agent workflows",
	Long: `Espalier executes workflows modelled as directed graphs of nodes, with
per-run state, conditional routing, human approval checkpoints and bounded
error recovery.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel, _ = cmd.Flags().GetString("log-level")
			if err := loaded.Validate(); err != nil {
				return err
			}
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to an espalier.yaml configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// newRuntime builds the engine from the loaded configuration, registering
// the workflows given with --workflow.
func newRuntime(ctx context.Context, cmd *cobra.Command, features cli.Features) (*cli.Runtime, error) {
	if cmd.Flags().Lookup("workflow") != nil {
		paths, _ := cmd.Flags().GetStringSlice("workflow")
		for _, p := range paths {
			def, err := graph.LoadFile(p, demo.Catalog())
			if err != nil {
				return nil, fmt.Errorf("load workflow %s: %w", p, err)
			}
			features.Workflows = append(features.Workflows, def)
		}
	}
	features.Debug = features.Debug || cfg.LogLevel == "debug"
	return cli.NewRuntime(ctx, cfg, features)
}
