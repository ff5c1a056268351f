package main

import (
	"context"
	"os"
	"time"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var demoCmd = &cobra.Command{
	Use:   "demo [topic]",
	Short: "Run the built-in research agent workflow",
	Long: `Plans a few research steps for a topic, runs them with a deliberately
flaky search tool to show error recovery, and asks for approval on the
terminal before publishing the answer.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := "espalier fruit trees"
		if len(args) > 0 {
			topic = args[0]
		}
		yes, _ := cmd.Flags().GetBool("yes")

		sc := cli.NewSignalContext(cmd.Context())
		defer sc.Cancel()

		rt, err := newRuntime(sc, cmd, cli.Features{})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rt.Close(ctx)
		}()

		interactive := term.IsTerminal(int(os.Stdout.Fd()))
		if interactive {
			tui.PrintBanner(cmd.OutOrStdout())
		}
		_, err = cli.RunDemo(sc, rt.Engine, cli.DemoOptions{
			Topic:       topic,
			AutoApprove: yes || !term.IsTerminal(int(os.Stdin.Fd())),
			In:          os.Stdin,
			Out:         cmd.OutOrStdout(),
			Render:      tui.NewRenderer(os.Stdout),
		})
		return cli.HandleExecutionError(err)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().BoolP("yes", "y", false, "Approve every request without prompting")
}
