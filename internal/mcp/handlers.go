package mcp

import (
	"context"
	"encoding/json"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

const defaultLimit = 50

// VerifyInput bounds the verified range.
type VerifyInput struct {
	From int64 `json:"from,omitempty" jsonschema:"first ledger id to verify, default 1"`
	To   int64 `json:"to,omitempty" jsonschema:"last ledger id to verify, default the tip"`
}

// VerifyOutput reports the chain check.
type VerifyOutput struct {
	Valid    bool   `json:"valid"`
	Records  int    `json:"records"`
	FirstID  int64  `json:"first_id,omitempty"`
	LastID   int64  `json:"last_id,omitempty"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AuditTailInput selects recent rows.
type AuditTailInput struct {
	Limit   int    `json:"limit,omitempty" jsonschema:"number of rows, default 50"`
	ActorID string `json:"actor_id,omitempty" jsonschema:"only rows by this admin"`
}

// AuditRow is one ledger row without hashes.
type AuditRow struct {
	ID        int64           `json:"id"`
	CreatedAt string          `json:"created_at"`
	ActorID   string          `json:"actor_id"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// AuditTailOutput lists rows oldest first.
type AuditTailOutput struct {
	Rows []AuditRow `json:"rows"`
}

// PendingInput is empty; the tool lists every actionable request.
type PendingInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum requests, default 50"`
}

// PendingItem is one actionable approval request.
type PendingItem struct {
	ID          string   `json:"id"`
	Action      string   `json:"action"`
	Target      string   `json:"target,omitempty"`
	TargetIDs   []string `json:"target_ids,omitempty"`
	RequestedBy string   `json:"requested_by"`
	Reason      string   `json:"reason"`
	RequestedAt string   `json:"requested_at"`
	ExpiresAt   string   `json:"expires_at"`
}

// PendingOutput lists actionable requests.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// EscalationsInput selects open escalations.
type EscalationsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum escalations, default 50"`
}

// EscalationItem is one open escalation.
type EscalationItem struct {
	ID       string  `json:"id"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Severity string  `json:"severity"`
	OpenedAt string  `json:"opened_at"`
}

// EscalationsOutput lists open escalations.
type EscalationsOutput struct {
	Escalations []EscalationItem `json:"escalations"`
}

func (s *Server) handleVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	res, err := s.ledger.VerifyChain(ctx, input.From, input.To)
	if err != nil {
		return nil, VerifyOutput{}, err
	}
	out := VerifyOutput{
		Valid:    res.Valid,
		Records:  res.Records,
		FirstID:  res.FirstID,
		LastID:   res.LastID,
		BrokenAt: res.BrokenAt,
		Error:    res.Error,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleAuditTail(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditTailInput) (*mcpsdk.CallToolResult, AuditTailOutput, error) {
	limit := clampLimit(input.Limit)
	var (
		recs []model.AuditRecord
		err  error
	)
	if input.ActorID == "" {
		recs, err = s.ledger.Tail(ctx, limit)
	} else {
		recs, err = s.ledger.List(ctx, store.AuditFilter{ActorID: input.ActorID, Limit: limit, Newest: true})
		// List returns newest first here; present oldest first like Tail.
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}
	if err != nil {
		return nil, AuditTailOutput{}, err
	}

	rows := make([]AuditRow, len(recs))
	for i, r := range recs {
		row := AuditRow{
			ID:        r.ID,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
			ActorID:   r.ActorID,
			Action:    string(r.Action),
			Reason:    r.Reason,
			Details:   r.Details,
		}
		if r.TargetID != "" {
			row.Target = r.TargetType + "/" + r.TargetID
		}
		rows[i] = row
	}
	return nil, AuditTailOutput{Rows: rows}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.approvals.List(ctx, model.StatusPending, clampLimit(input.Limit))
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, len(list))
	for i, a := range list {
		item := PendingItem{
			ID:          a.ID,
			Action:      string(a.Action),
			TargetIDs:   a.Payload.TargetIDs,
			RequestedBy: a.RequestedBy,
			Reason:      a.Reason,
			RequestedAt: a.RequestedAt.UTC().Format(time.RFC3339),
			ExpiresAt:   a.ExpiresAt.UTC().Format(time.RFC3339),
		}
		if a.TargetID != "" {
			item.Target = a.TargetType + "/" + a.TargetID
		}
		items[i] = item
	}
	return nil, PendingOutput{Approvals: items}, nil
}

func (s *Server) handleEscalations(ctx context.Context, req *mcpsdk.CallToolRequest, input EscalationsInput) (*mcpsdk.CallToolResult, EscalationsOutput, error) {
	list, err := s.escalations.List(ctx, true, clampLimit(input.Limit))
	if err != nil {
		return nil, EscalationsOutput{}, err
	}
	items := make([]EscalationItem, len(list))
	for i, e := range list {
		items[i] = EscalationItem{
			ID:       e.ID,
			Metric:   e.Metric,
			Value:    e.Value,
			Severity: string(e.Severity),
			OpenedAt: e.OpenedAt.UTC().Format(time.RFC3339),
		}
	}
	return nil, EscalationsOutput{Escalations: items}, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > 1000 {
		return 1000
	}
	return n
}
