package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of espalier",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "espalier version %s\n", strings.TrimSpace(espalier.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
