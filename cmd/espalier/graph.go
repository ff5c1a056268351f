package main

import (
	"fmt"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [workflow.yaml]",
	Short: "Export the workflow graph as a Mermaid diagram",
	Long: `Prints a Mermaid flowchart (graph TD) of a YAML workflow, or of the
built-in research workflow when no file is given. With --run the diagram
highlights the visited nodes and the current position of a stored run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition(args)
		if err != nil {
			return err
		}

		var overlay *graph.Overlay
		if runID, _ := cmd.Flags().GetString("run"); runID != "" {
			rt, err := newRuntime(cmd.Context(), cmd, cli.Features{})
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())
			rec, err := rt.Engine.GetStatus(cmd.Context(), runID)
			if err != nil {
				return err
			}
			overlay = graph.OverlayFor(rec)
		}

		fmt.Fprint(cmd.OutOrStdout(), graph.Mermaid(def, overlay))
		return nil
	},
}

func loadDefinition(args []string) (*graph.Definition, error) {
	if len(args) == 0 {
		return demo.Workflow()
	}
	return graph.LoadFile(args[0], demo.Catalog())
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("run", "", "Highlight the path of a stored run")
}
