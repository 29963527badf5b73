// Package governor runs an admin action through the governance core:
// gate checks, then either direct execution or the approval workflow,
// with every step recorded in the ledger.
package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/approval"
	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// ActionRequest is a destructive action as submitted by an admin.
type ActionRequest struct {
	Action     model.Action  `json:"action"`
	TargetType string        `json:"target_type,omitempty"`
	TargetID   string        `json:"target_id,omitempty"`
	Payload    model.Payload `json:"payload"`
	Reason     string        `json:"reason"`
}

// Outcome reports what Perform did.
type Outcome struct {
	Pending   bool   `json:"pending"`
	RequestID string `json:"request_id,omitempty"`
	Executed  bool   `json:"executed"`
	// AuditIDs are the destructive rows written before execution.
	AuditIDs []int64 `json:"audit_ids,omitempty"`
}

// Ledger is the subset of *audit.Ledger the governor writes through.
type Ledger interface {
	Append(ctx context.Context, e audit.Entry) (int64, error)
	AppendTx(ctx context.Context, tx store.Tx, e audit.Entry) (int64, error)
}

// TxRunner opens write transactions. *store.DB satisfies it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(store.Tx) error) error
}

// Gate is the subset of *gate.Gate the governor uses.
type Gate interface {
	CheckReason(action model.Action, reason string) error
	CheckRateLimit(ctx context.Context, actorID string, action model.Action, extra int) error
	CheckRateLimitTx(ctx context.Context, tx store.Tx, actorID string, action model.Action, extra int) error
}

// outcomeTimeout bounds recording an execution result after the caller's
// context is gone.
const outcomeTimeout = 5 * time.Second

// Governor is the entry point for destructive admin actions.
type Governor struct {
	tx       TxRunner
	ledger   Ledger
	gate     Gate
	workflow *approval.Workflow
	ops      approval.DomainOps
	log      *zap.Logger
}

// New creates a Governor. A nil log disables logging.
func New(tx TxRunner, ledger Ledger, g Gate, wf *approval.Workflow, ops approval.DomainOps, log *zap.Logger) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{tx: tx, ledger: ledger, gate: g, workflow: wf, ops: ops, log: log}
}

// Perform validates and either submits or executes req on behalf of actor.
func (g *Governor) Perform(ctx context.Context, actor model.Actor, meta model.RequestMeta, req ActionRequest) (Outcome, error) {
	if !actor.Valid() {
		return Outcome{}, approval.ErrInvalidActor
	}
	if !req.Action.IsDestructive() {
		return Outcome{}, fmt.Errorf("%w: %q", approval.ErrUnknownAction, req.Action)
	}
	if err := approval.ValidatePayload(req.Action, req.Payload); err != nil {
		return Outcome{}, err
	}
	if err := g.gate.CheckReason(req.Action, req.Reason); err != nil {
		return Outcome{}, err
	}
	if req.TargetType == "" {
		req.TargetType = req.Action.TargetType()
	}
	if req.TargetID == "" && !req.Action.IsBulk() {
		req.TargetID = req.Payload.UserID
	}

	if g.workflow.RequiresApproval(req.Action, req.Payload) {
		if err := g.gate.CheckRateLimit(ctx, actor.ID, req.Action, 0); err != nil {
			return Outcome{}, g.denyRateLimit(ctx, actor, meta, req, err)
		}
		id, err := g.workflow.Submit(ctx, actor, meta, req.Action, req.TargetType, req.TargetID, req.Payload, req.Reason)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Pending: true, RequestID: id}, nil
	}
	return g.execute(ctx, actor, meta, req)
}

// denyRateLimit records a rate limit refusal and returns err. Other errors
// pass through unrecorded.
func (g *Governor) denyRateLimit(ctx context.Context, actor model.Actor, meta model.RequestMeta, req ActionRequest, err error) error {
	var rle *gate.RateLimitError
	if !errors.As(err, &rle) {
		return err
	}
	if _, appendErr := g.ledger.Append(ctx, rateLimitDenial(actor, meta, req, rle)); appendErr != nil {
		return fmt.Errorf("governor: record rate limit denial: %w", appendErr)
	}
	return err
}

func rateLimitDenial(actor model.Actor, meta model.RequestMeta, req ActionRequest, rle *gate.RateLimitError) audit.Entry {
	return audit.Entry{
		Actor:      actor,
		Action:     model.ActionDestructiveDeniedLimit,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Details: map[string]any{
			"action":       string(req.Action),
			"count":        rle.Count,
			"limit":        rle.Limit.MaxRequests,
			"window":       rle.Limit.Window.String(),
			"target_count": targetCount(req.Payload),
		},
		Reason: req.Reason,
		Meta:   meta,
	}
}

// execute runs a below-threshold action directly. The rate limit check and
// the destructive rows it counts are written in one chain-locked
// transaction before the domain operation is called; if that transaction
// fails the operation never runs. A bulk action is recorded as one
// destructive row per target. The result follows as its own row.
func (g *Governor) execute(ctx context.Context, actor model.Actor, meta model.RequestMeta, req ActionRequest) (Outcome, error) {
	start := time.Now()
	extra := 0
	if req.Action.IsBulk() {
		extra = len(req.Payload.TargetIDs) - 1
	}

	var (
		ids    []int64
		denied *gate.RateLimitError
	)
	err := g.tx.InTx(ctx, func(tx store.Tx) error {
		ids, denied = nil, nil
		if err := g.gate.CheckRateLimitTx(ctx, tx, actor.ID, req.Action, extra); err != nil {
			if !errors.As(err, &denied) {
				return err
			}
			_, err = g.ledger.AppendTx(ctx, tx, rateLimitDenial(actor, meta, req, denied))
			return err
		}
		for _, e := range attemptEntries(actor, meta, req) {
			id, err := g.ledger.AppendTx(ctx, tx, e)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		g.log.Error("destructive action not recorded, not executed",
			zap.String("action", string(req.Action)),
			zap.String("actor", actor.ID),
			zap.Error(err))
		if denied != nil {
			return Outcome{}, fmt.Errorf("governor: record rate limit denial: %w", err)
		}
		return Outcome{}, fmt.Errorf("governor: record action attempt: %w", err)
	}
	if denied != nil {
		return Outcome{}, denied
	}

	execErr := approval.ExecuteApprovedAction(ctx, g.ops, req.Action, req.Payload)

	// The operation has been attempted; its result is recorded even if the
	// caller has gone away.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	details := map[string]any{
		"action":       string(req.Action),
		"target_count": targetCount(req.Payload),
		"attempt_ids":  ids,
	}
	outcome := audit.Entry{
		Actor:      actor,
		Action:     model.ActionExecutionSucceeded,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Details:    details,
		Reason:     req.Reason,
		Meta:       meta,
	}
	if execErr != nil {
		g.log.Warn("domain operation failed",
			zap.String("action", string(req.Action)),
			zap.String("actor", actor.ID),
			zap.Error(execErr))
		outcome.Action = model.ActionExecutionFailed
		details["error"] = execErr.Error()
		if _, err := g.ledger.Append(recCtx, outcome); err != nil {
			g.log.Error("execution failure not recorded", zap.Int64s("attempt_ids", ids), zap.Error(err))
		}
		return Outcome{AuditIDs: ids}, &ExecutionError{Action: req.Action, Err: execErr}
	}

	if _, err := g.ledger.Append(recCtx, outcome); err != nil {
		g.log.Error("executed action outcome not recorded",
			zap.String("action", string(req.Action)),
			zap.Int64s("attempt_ids", ids),
			zap.Error(err))
		return Outcome{Executed: true, AuditIDs: ids}, fmt.Errorf("governor: record action outcome: %w", err)
	}

	g.log.Info("destructive action executed",
		zap.String("action", string(req.Action)),
		zap.String("actor", actor.ID),
		zap.Int("rows", len(ids)),
		zap.Duration("elapsed", time.Since(start)))
	return Outcome{Executed: true, AuditIDs: ids}, nil
}

func attemptEntries(actor model.Actor, meta model.RequestMeta, req ActionRequest) []audit.Entry {
	if !req.Action.IsBulk() {
		return []audit.Entry{{
			Actor:      actor,
			Action:     req.Action,
			TargetType: req.TargetType,
			TargetID:   req.TargetID,
			Details:    map[string]any{"result": "attempted", "user_id": req.Payload.UserID},
			Reason:     req.Reason,
			Meta:       meta,
		}}
	}
	n := len(req.Payload.TargetIDs)
	out := make([]audit.Entry, 0, n)
	for i, id := range req.Payload.TargetIDs {
		out = append(out, audit.Entry{
			Actor:      actor,
			Action:     req.Action,
			TargetType: req.TargetType,
			TargetID:   id,
			Details: map[string]any{
				"result":     "attempted",
				"batch_size": n,
				"batch_item": i + 1,
			},
			Reason: req.Reason,
			Meta:   meta,
		})
	}
	return out
}

// Decide records an admin's decision on a pending request.
func (g *Governor) Decide(ctx context.Context, decider model.Actor, meta model.RequestMeta,
	id string, outcome model.ApprovalStatus, note string) (approval.Result, error) {
	return g.workflow.Decide(ctx, decider, meta, id, outcome, note)
}

// Workflow exposes the approval workflow for read paths.
func (g *Governor) Workflow() *approval.Workflow {
	return g.workflow
}

func targetCount(p model.Payload) int {
	if p.UserID != "" {
		return 1
	}
	return len(p.TargetIDs)
}
