package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes the engine as an MCP server so AI agents can start, inspect,
approve and cancel runs as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		addr, _ := cmd.Flags().GetString("addr")

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

		srv := mcp.NewServer(rt.Engine, espalier.Version, mcp.WithLogger(rt.Logger))

		switch transport {
		case "stdio":
			rt.Logger.Info("Starting espalier MCP server (stdio)")
			return srv.ServeStdio()
		case "sse":
			return srv.ServeSSE(sc, addr)
		default:
			return fmt.Errorf("unknown transport %q (use stdio or sse)", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringP("transport", "t", "stdio", "Transport to use (stdio, sse)")
	mcpCmd.Flags().String("addr", ":8081", "Address for the SSE transport")
	mcpCmd.Flags().StringSlice("workflow", nil, "YAML workflow files to register next to the demo")
}
