// Package httpapi exposes the governance core over HTTP. The caller's
// identity comes from headers set by the upstream auth proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/approval"
	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/governor"
	"github.com/ppiankov/adminguard/internal/metrics"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// Principal headers.
const (
	HeaderAdminID    = "X-Admin-Id"
	HeaderAdminEmail = "X-Admin-Email"
)

const maxBodyBytes = 1 << 20

// Governor performs and decides destructive actions.
type Governor interface {
	Perform(ctx context.Context, actor model.Actor, meta model.RequestMeta, req governor.ActionRequest) (governor.Outcome, error)
	Decide(ctx context.Context, decider model.Actor, meta model.RequestMeta, id string, outcome model.ApprovalStatus, note string) (approval.Result, error)
}

// Approvals is the read side of the approval workflow.
type Approvals interface {
	Get(ctx context.Context, id string) (model.ApprovalRequest, error)
	List(ctx context.Context, status model.ApprovalStatus, limit int) ([]model.ApprovalRequest, error)
}

// Ledger is the read side of the audit ledger.
type Ledger interface {
	List(ctx context.Context, f store.AuditFilter) ([]model.AuditRecord, error)
	VerifyChain(ctx context.Context, fromID, toID int64) (audit.VerifyResult, error)
}

// Escalations lists escalation records.
type Escalations interface {
	List(ctx context.Context, openOnly bool, limit int) ([]model.Escalation, error)
}

// Config wires the handler.
type Config struct {
	Governor    Governor
	Approvals   Approvals
	Ledger      Ledger
	Escalations Escalations
	// Ready reports whether the store is reachable. Nil means always ready.
	Ready   func(ctx context.Context) error
	Timeout time.Duration
	Log     *zap.Logger
}

type api struct {
	cfg Config
	log *zap.Logger
}

// New returns the admin API router.
func New(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	a := &api{cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}
	r.Use(limitBody)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Post("/actions", a.performAction)
		r.Get("/approvals", a.listApprovals)
		r.Get("/approvals/{id}", a.getApproval)
		r.Post("/approvals/{id}/decision", a.decide)
		r.Get("/audit", a.listAudit)
		r.Get("/audit/verify", a.verifyAudit)
		r.Get("/escalations", a.listEscalations)
	})
	return r
}

type actorKey struct{}

// requireAdmin rejects requests without a principal and stores the actor.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := model.Actor{
			ID:    r.Header.Get(HeaderAdminID),
			Email: r.Header.Get(HeaderAdminEmail),
		}
		if !actor.Valid() {
			writeError(w, http.StatusUnauthorized, "missing admin principal")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) model.Actor {
	actor, _ := r.Context().Value(actorKey{}).(model.Actor)
	return actor
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Ready != nil {
		if err := a.cfg.Ready(r.Context()); err != nil {
			a.log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err to a status. Internal failures are logged and reported
// without detail.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		if status == http.StatusBadGateway {
			writeError(w, status, "domain operation failed")
			return
		}
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var execErr *governor.ExecutionError
	switch {
	case errors.Is(err, gate.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, approval.ErrSelfApproval):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrExpired):
		return http.StatusConflict
	}
	switch governor.Classify(err) {
	case governor.KindValidation:
		return http.StatusBadRequest
	case governor.KindPolicy:
		return http.StatusForbidden
	case governor.KindNotFound:
		return http.StatusNotFound
	}
	if errors.As(err, &execErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
