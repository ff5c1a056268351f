package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Check a workflow definition for consistency",
	Long: `Builds the workflow and reports every structural problem: unknown
handlers or predicates, dangling edges, routes out of terminal nodes and
nodes unreachable from the start node.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition(args)
		if err != nil {
			var gve *domain.GraphValidationError
			if errors.As(err, &gve) {
				for _, p := range gve.Problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
				}
			}
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %q is valid (%d nodes).\n", def.Name(), len(def.Nodes()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
