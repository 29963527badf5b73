package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/adminguard/internal/config"
	agmcp "github.com/ppiankov/adminguard/internal/mcp"
	"github.com/ppiankov/adminguard/internal/server"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start read-only MCP tool server",
	Long:  "Runs adminguard as an MCP (Model Context Protocol) server over stdio.\nExposes read-only tools: verify_chain, audit_tail, pending_approvals, open_escalations.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return withCore(ctx, func(core *server.Core, _ *config.Config) error {
		srv := agmcp.New(agmcp.Config{
			Ledger:      core.Ledger,
			Approvals:   core.Workflow,
			Escalations: core.Engine,
			Version:     version,
		})
		return srv.Run(ctx)
	})
}
