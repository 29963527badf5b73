// Package approval implements the two-person approval protocol for
// destructive admin actions. A request moves out of pending exactly once;
// expiry is derived at read time from expires_at.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/metrics"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// SweepActor attributes ledger rows written by Sweep.
var SweepActor = model.Actor{ID: "system:approval-sweep", Email: "adminguard@localhost"}

// Store is the persistence the workflow needs.
type Store interface {
	InTx(ctx context.Context, fn func(store.Tx) error) error
	GetApproval(ctx context.Context, id string) (model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, f store.ApprovalFilter) ([]model.ApprovalRequest, error)
}

// Ledger records workflow facts. *audit.Ledger satisfies it.
type Ledger interface {
	Append(ctx context.Context, e audit.Entry) (int64, error)
	AppendTx(ctx context.Context, tx store.Tx, e audit.Entry) (int64, error)
}

// Gate validates reasons and rate limits. *gate.Gate satisfies it.
type Gate interface {
	CheckReason(action model.Action, reason string) error
	CheckRateLimitTx(ctx context.Context, tx store.Tx, actorID string, action model.Action, extra int) error
}

// outcomeTimeout bounds recording an execution result once the domain
// operation has been attempted, independent of the caller's deadline.
const outcomeTimeout = 5 * time.Second

// Result describes what Decide did. When Decide returns an error, Decided
// tells whether the decision itself was committed.
type Result struct {
	Request      model.ApprovalRequest
	Decided      bool
	Executed     bool
	ExecutionErr error
}

// Workflow owns approval requests.
type Workflow struct {
	store  Store
	ledger Ledger
	gate   Gate
	ops    DomainOps
	now    func() time.Time
	log    *zap.Logger

	mu     sync.RWMutex
	policy Policy
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Workflow) { w.log = log }
}

// New creates a Workflow.
func New(s Store, ledger Ledger, g Gate, ops DomainOps, policy Policy, opts ...Option) *Workflow {
	w := &Workflow{
		store:  s,
		ledger: ledger,
		gate:   g,
		ops:    ops,
		policy: policy,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetPolicy swaps the approval policy.
func (w *Workflow) SetPolicy(p Policy) {
	w.mu.Lock()
	w.policy = p
	w.mu.Unlock()
}

// Policy returns the current approval policy.
func (w *Workflow) Policy() Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy
}

// RequiresApproval reports whether action must be submitted for approval.
func (w *Workflow) RequiresApproval(action model.Action, payload model.Payload) bool {
	return w.Policy().RequiresApproval(action, payload)
}

// Submit stores a pending request and its approval_requested ledger row in
// one transaction. The action itself does not run.
func (w *Workflow) Submit(ctx context.Context, actor model.Actor, meta model.RequestMeta,
	action model.Action, targetType, targetID string, payload model.Payload, reason string) (string, error) {
	if !actor.Valid() {
		return "", ErrInvalidActor
	}
	if err := ValidatePayload(action, payload); err != nil {
		return "", err
	}
	if err := w.gate.CheckReason(action, reason); err != nil {
		return "", err
	}

	now := w.now().UTC()
	req := model.ApprovalRequest{
		ID:               uuid.NewString(),
		Action:           action,
		TargetType:       targetType,
		TargetID:         targetID,
		Payload:          payload,
		RequestedBy:      actor.ID,
		RequestedByEmail: actor.Email,
		RequestedAt:      now,
		Reason:           reason,
		ExpiresAt:        now.Add(w.Policy().expiry()),
		Status:           model.StatusPending,
	}

	err := w.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertApproval(ctx, req); err != nil {
			return err
		}
		_, err := w.ledger.AppendTx(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     model.ActionApprovalRequested,
			TargetType: targetType,
			TargetID:   targetID,
			Details: map[string]any{
				"approval_request_id": req.ID,
				"action":              string(action),
				"target_count":        targetCount(payload),
				"expires_at":          req.ExpiresAt.Format(time.RFC3339),
			},
			Reason: reason,
			Meta:   meta,
		})
		return err
	})
	if err != nil {
		w.log.Error("approval submit failed",
			zap.String("action", string(action)),
			zap.String("actor", actor.ID),
			zap.Error(err))
		return "", fmt.Errorf("approval: submit: %w", err)
	}

	w.log.Info("approval requested",
		zap.String("id", req.ID),
		zap.String("action", string(action)),
		zap.String("actor", actor.ID))
	return req.ID, nil
}

// errLostRace aborts the decision transaction when the conditional update
// matched nothing.
var errLostRace = errors.New("request no longer pending")

// Decide moves a pending request to approved or rejected. An approval runs
// the stored action immediately. Policy denials are recorded in the ledger
// before the error is returned.
func (w *Workflow) Decide(ctx context.Context, decider model.Actor, meta model.RequestMeta,
	id string, outcome model.ApprovalStatus, note string) (Result, error) {
	if outcome != model.StatusApproved && outcome != model.StatusRejected {
		return Result{}, ErrInvalidOutcome
	}
	if !decider.Valid() {
		return Result{}, ErrInvalidActor
	}

	req, err := w.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	now := w.now().UTC()
	if !req.Actionable(now) {
		return Result{Request: req}, w.denyInactive(ctx, decider, meta, req, outcome, now)
	}
	if decider.ID == req.RequestedBy {
		w.recordDenial(ctx, decider, meta, req, model.ActionApprovalDeniedSelf, outcome, note)
		metrics.ApprovalDecisions.WithLabelValues("denied_self").Inc()
		return Result{Request: req}, ErrSelfApproval
	}

	decisionAction := model.ActionApprovalApproved
	if outcome == model.StatusRejected {
		decisionAction = model.ActionApprovalRejected
	}

	err = w.store.InTx(ctx, func(tx store.Tx) error {
		ok, err := tx.ResolveApproval(ctx, req.ID, outcome, decider.ID, note, now)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		_, err = w.ledger.AppendTx(ctx, tx, audit.Entry{
			Actor:      decider,
			Action:     decisionAction,
			TargetType: req.TargetType,
			TargetID:   req.TargetID,
			Details: map[string]any{
				"approval_request_id": req.ID,
				"action":              string(req.Action),
				"requested_by":        req.RequestedBy,
			},
			Reason: note,
			Meta:   meta,
		})
		return err
	})
	if errors.Is(err, errLostRace) {
		current, getErr := w.Get(ctx, id)
		if getErr != nil {
			return Result{}, getErr
		}
		return Result{Request: current}, w.denyInactive(ctx, decider, meta, current, outcome, now)
	}
	if err != nil {
		w.log.Error("approval decision failed", zap.String("id", id), zap.Error(err))
		return Result{Request: req}, fmt.Errorf("approval: decide: %w", err)
	}

	metrics.ApprovalDecisions.WithLabelValues(string(outcome)).Inc()
	req.Status = outcome
	req.DecidedBy = decider.ID
	req.DecidedAt = &now
	req.DecisionNote = note
	res := Result{Request: req, Decided: true}

	w.log.Info("approval decided",
		zap.String("id", req.ID),
		zap.String("outcome", string(outcome)),
		zap.String("decider", decider.ID))

	if outcome == model.StatusRejected {
		return res, nil
	}
	return w.execute(ctx, decider, meta, res)
}

// execute runs an approved request. The approval stands whatever happens
// here. The requester's rate limit is re-checked and the destructive row is
// written in one chain-locked transaction before the domain operation runs;
// the result is recorded as its own row.
func (w *Workflow) execute(ctx context.Context, decider model.Actor, meta model.RequestMeta, res Result) (Result, error) {
	req := res.Request
	requester := model.Actor{ID: req.RequestedBy, Email: req.RequestedByEmail}

	details := map[string]any{
		"approval_request_id": req.ID,
		"approved_by":         decider.ID,
		"result":              "attempted",
	}
	for k, v := range payloadDetails(req.Payload) {
		details[k] = v
	}

	var (
		attemptID int64
		limitErr  error
	)
	err := w.store.InTx(ctx, func(tx store.Tx) error {
		attemptID, limitErr = 0, nil
		if err := w.gate.CheckRateLimitTx(ctx, tx, req.RequestedBy, req.Action, 0); err != nil {
			if !errors.Is(err, gate.ErrRateLimited) {
				return err
			}
			limitErr = err
			_, err = w.ledger.AppendTx(ctx, tx, audit.Entry{
				Actor:      decider,
				Action:     model.ActionApprovalDeniedRateLimit,
				TargetType: req.TargetType,
				TargetID:   req.TargetID,
				Details: map[string]any{
					"approval_request_id": req.ID,
					"action":              string(req.Action),
					"requested_by":        req.RequestedBy,
					"error":               err.Error(),
				},
				Meta: meta,
			})
			return err
		}
		var err error
		attemptID, err = w.ledger.AppendTx(ctx, tx, audit.Entry{
			Actor:      requester,
			Action:     req.Action,
			TargetType: req.TargetType,
			TargetID:   req.TargetID,
			Details:    details,
			Reason:     req.Reason,
			Meta:       meta,
		})
		return err
	})
	if err != nil {
		w.log.Error("approved action not recorded, not executed",
			zap.String("id", req.ID),
			zap.String("action", string(req.Action)),
			zap.Error(err))
		return res, fmt.Errorf("approval: record execution attempt: %w", err)
	}
	if limitErr != nil {
		res.ExecutionErr = limitErr
		metrics.ApprovalExecutions.WithLabelValues("rate_limited").Inc()
		return res, nil
	}

	execErr := ExecuteApprovedAction(ctx, w.ops, req.Action, req.Payload)

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	outcome := audit.Entry{
		Actor:      requester,
		Action:     model.ActionExecutionSucceeded,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Details: map[string]any{
			"approval_request_id": req.ID,
			"approved_by":         decider.ID,
			"action":              string(req.Action),
			"attempt_id":          attemptID,
		},
		Reason: req.Reason,
		Meta:   meta,
	}
	if execErr != nil {
		res.ExecutionErr = execErr
		metrics.ApprovalExecutions.WithLabelValues("failed").Inc()
		w.log.Warn("approved action failed",
			zap.String("id", req.ID),
			zap.String("action", string(req.Action)),
			zap.Error(execErr))
		outcome.Action = model.ActionApprovalExecutionFailed
		outcome.Details["error"] = execErr.Error()
	} else {
		res.Executed = true
		metrics.ApprovalExecutions.WithLabelValues("succeeded").Inc()
	}

	if _, err := w.ledger.Append(recCtx, outcome); err != nil {
		w.log.Error("approved action outcome not recorded",
			zap.String("id", req.ID),
			zap.Int64("attempt_id", attemptID),
			zap.Bool("executed", res.Executed),
			zap.Error(err))
		return res, fmt.Errorf("approval: record execution: %w", err)
	}
	return res, nil
}

func (w *Workflow) denyInactive(ctx context.Context, decider model.Actor, meta model.RequestMeta,
	req model.ApprovalRequest, outcome model.ApprovalStatus, now time.Time) error {
	w.recordDenial(ctx, decider, meta, req, model.ActionApprovalDeniedInactive, outcome, "")
	metrics.ApprovalDecisions.WithLabelValues("denied_not_actionable").Inc()
	if req.EffectiveStatus(now) == model.StatusExpired {
		return ErrExpired
	}
	return ErrNotPending
}

// recordDenial writes the denial row. A failure to record is logged; the
// caller is refused either way.
func (w *Workflow) recordDenial(ctx context.Context, decider model.Actor, meta model.RequestMeta,
	req model.ApprovalRequest, action model.Action, outcome model.ApprovalStatus, note string) {
	_, err := w.ledger.Append(ctx, audit.Entry{
		Actor:      decider,
		Action:     action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Details: map[string]any{
			"approval_request_id": req.ID,
			"status":              string(req.EffectiveStatus(w.now())),
			"attempted_outcome":   string(outcome),
		},
		Reason: note,
		Meta:   meta,
	})
	if err != nil {
		w.log.Error("approval denial not recorded",
			zap.String("id", req.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

// Get loads a request with its read-time status.
func (w *Workflow) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	req, err := w.store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, fmt.Errorf("approval: get: %w", err)
	}
	req.Status = req.EffectiveStatus(w.now())
	return req, nil
}

// List returns requests by read-time status, oldest first. An empty status
// lists everything.
func (w *Workflow) List(ctx context.Context, status model.ApprovalStatus, limit int) ([]model.ApprovalRequest, error) {
	now := w.now().UTC()
	var filters []store.ApprovalFilter
	switch status {
	case "":
		filters = []store.ApprovalFilter{{Limit: limit}}
	case model.StatusPending:
		filters = []store.ApprovalFilter{{Status: model.StatusPending, ExpiresAfter: now, Limit: limit}}
	case model.StatusExpired:
		filters = []store.ApprovalFilter{
			{Status: model.StatusExpired, Limit: limit},
			{Status: model.StatusPending, ExpiresBefore: now, Limit: limit},
		}
	case model.StatusApproved, model.StatusRejected:
		filters = []store.ApprovalFilter{{Status: status, Limit: limit}}
	default:
		return nil, fmt.Errorf("approval: unknown status %q", status)
	}

	var out []model.ApprovalRequest
	for _, f := range filters {
		reqs, err := w.store.ListApprovals(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("approval: list: %w", err)
		}
		out = append(out, reqs...)
	}
	for i := range out {
		out[i].Status = out[i].EffectiveStatus(now)
	}
	if len(filters) > 1 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

// Sweep marks stored pending requests past expiry as expired and records
// approval_expired for each. Readers never depend on it having run.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	now := w.now().UTC()
	stale, err := w.store.ListApprovals(ctx, store.ApprovalFilter{
		Status:        model.StatusPending,
		ExpiresBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("approval: sweep: %w", err)
	}

	n := 0
	for _, req := range stale {
		expired := false
		err := w.store.InTx(ctx, func(tx store.Tx) error {
			ok, err := tx.ExpireApproval(ctx, req.ID, now)
			if err != nil || !ok {
				return err
			}
			expired = true
			_, err = w.ledger.AppendTx(ctx, tx, audit.Entry{
				Actor:      SweepActor,
				Action:     model.ActionApprovalExpired,
				TargetType: req.TargetType,
				TargetID:   req.TargetID,
				Details: map[string]any{
					"approval_request_id": req.ID,
					"action":              string(req.Action),
					"requested_by":        req.RequestedBy,
					"expired_at":          req.ExpiresAt.Format(time.RFC3339),
				},
			})
			return err
		})
		if err != nil {
			return n, fmt.Errorf("approval: sweep %s: %w", req.ID, err)
		}
		if expired {
			n++
		}
	}
	if n > 0 {
		w.log.Info("expired approval requests swept", zap.Int("count", n))
	}
	return n, nil
}

func targetCount(p model.Payload) int {
	if p.UserID != "" {
		return 1
	}
	return len(p.TargetIDs)
}

func payloadDetails(p model.Payload) map[string]any {
	if p.UserID != "" {
		return map[string]any{"user_id": p.UserID}
	}
	return map[string]any{"target_ids": p.TargetIDs, "target_count": len(p.TargetIDs)}
}
