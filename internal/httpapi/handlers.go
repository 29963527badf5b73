package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/governor"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (a *api) performAction(w http.ResponseWriter, r *http.Request) {
	var req governor.ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := a.cfg.Governor.Perform(r.Context(), actorFrom(r), model.MetaFromRequest(r), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

type decisionRequest struct {
	Outcome model.ApprovalStatus `json:"outcome"`
	Note    string               `json:"note"`
}

type decisionResponse struct {
	Request        model.ApprovalRequest `json:"request"`
	Executed       bool                  `json:"executed"`
	ExecutionError string                `json:"execution_error,omitempty"`
}

func (a *api) decide(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.cfg.Governor.Decide(r.Context(), actorFrom(r), model.MetaFromRequest(r),
		chi.URLParam(r, "id"), body.Outcome, body.Note)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := decisionResponse{Request: res.Request, Executed: res.Executed}
	if res.ExecutionErr != nil {
		// The decision stands; the execution failure is reported, not raised.
		// Backend detail stays in the ledger and the log.
		resp.ExecutionError = "domain operation failed"
		if errors.Is(res.ExecutionErr, gate.ErrRateLimited) {
			resp.ExecutionError = res.ExecutionErr.Error()
		} else {
			a.log.Warn("approved action failed",
				zap.String("request_id", res.Request.ID),
				zap.String("action", string(res.Request.Action)),
				zap.Error(res.ExecutionErr))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) listApprovals(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := model.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusPending, model.StatusApproved, model.StatusRejected, model.StatusExpired:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	reqs, err := a.cfg.Approvals.List(r.Context(), status, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []model.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

func (a *api) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := a.cfg.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *api) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	f := store.AuditFilter{
		ActorID: q.Get("actor"),
		Limit:   limit,
		Newest:  true,
	}
	if v := q.Get("action"); v != "" {
		for _, name := range strings.Split(v, ",") {
			f.Actions = append(f.Actions, model.ParseAction(strings.TrimSpace(name)))
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	recs, err := a.cfg.Ledger.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (a *api) verifyAudit(w http.ResponseWriter, r *http.Request) {
	from, err := parseInt(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseInt(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.cfg.Ledger.VerifyChain(r.Context(), from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) listEscalations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	escs, err := a.cfg.Escalations.List(r.Context(), openOnly, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if escs == nil {
		escs = []model.Escalation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": escs})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func parseInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
