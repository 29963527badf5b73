// Package mcp exposes read-only governance tools over the Model Context
// Protocol so operators' agents can inspect the ledger, pending approvals
// and escalations without being able to act.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// Ledger is the read side of the audit ledger.
type Ledger interface {
	Tail(ctx context.Context, n int) ([]model.AuditRecord, error)
	VerifyChain(ctx context.Context, fromID, toID int64) (audit.VerifyResult, error)
	List(ctx context.Context, f store.AuditFilter) ([]model.AuditRecord, error)
}

// Approvals lists approval requests with read-time status.
type Approvals interface {
	List(ctx context.Context, status model.ApprovalStatus, limit int) ([]model.ApprovalRequest, error)
}

// Escalations lists escalation records.
type Escalations interface {
	List(ctx context.Context, openOnly bool, limit int) ([]model.Escalation, error)
}

// Config holds MCP server dependencies.
type Config struct {
	Ledger      Ledger
	Approvals   Approvals
	Escalations Escalations
	Version     string
}

// Server wraps the MCP SDK server with the governance tools.
type Server struct {
	mcpServer   *mcpsdk.Server
	ledger      Ledger
	approvals   Approvals
	escalations Escalations
}

// New creates an MCP server with all tools registered.
func New(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		ledger:      cfg.Ledger,
		approvals:   cfg.Approvals,
		escalations: cfg.Escalations,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "adminguard",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "adminguard_verify_chain",
		Description: "Verify the audit ledger hash chain and report the first broken row, if any.",
	}, s.handleVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "adminguard_audit_tail",
		Description: "Show the most recent audit ledger rows, optionally for one admin.",
	}, s.handleAuditTail)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "adminguard_pending_approvals",
		Description: "List approval requests that are still actionable.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "adminguard_open_escalations",
		Description: "List open control-health escalations.",
	}, s.handleEscalations)
}
