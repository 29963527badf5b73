package approval

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

var (
	adminA = model.Actor{ID: "admin-a", Email: "a@example.com"}
	adminB = model.Actor{ID: "admin-b", Email: "b@example.com"}
	adminC = model.Actor{ID: "admin-c", Email: "c@example.com"}
	meta   = model.RequestMeta{ClientIP: "198.51.100.7", SessionID: "s-1"}
)

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeOps struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeOps) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeOps) DeleteUser(_ context.Context, id string) error { return f.record("delete:" + id) }
func (f *fakeOps) AnonymizeUser(_ context.Context, id string) error {
	return f.record("anonymize:" + id)
}
func (f *fakeOps) BulkReject(_ context.Context, ids []string) error {
	return f.record("reject:" + strings.Join(ids, ","))
}
func (f *fakeOps) BulkSuspend(_ context.Context, ids []string) error {
	return f.record("suspend:" + strings.Join(ids, ","))
}

func (f *fakeOps) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	wf     *Workflow
	ledger *audit.Ledger
	db     *store.DB
	ops    *fakeOps
	clock  *simClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "approval.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	clock := &simClock{now: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)}
	ledger := audit.New(db, audit.WithClock(clock.Now))
	g := gate.New(ledger, gate.DefaultConfig(), gate.WithClock(clock.Now))
	ops := &fakeOps{}
	wf := New(db, ledger, g, ops, Policy{BulkThreshold: 10, Expiry: 24 * time.Hour}, WithClock(clock.Now))
	return &fixture{wf: wf, ledger: ledger, db: db, ops: ops, clock: clock}
}

func (f *fixture) submitDelete(t *testing.T, userID string) string {
	t.Helper()
	id, err := f.wf.Submit(context.Background(), adminA, meta, model.ActionUserDelete,
		"user", userID, model.Payload{UserID: userID}, "confirmed duplicate account")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func (f *fixture) actions(t *testing.T) []model.Action {
	t.Helper()
	recs, err := f.ledger.List(context.Background(), store.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]model.Action, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}

func details(t *testing.T, rec model.AuditRecord) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Details, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func equalActions(a, b []model.Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRequiresApprovalExactSet(t *testing.T) {
	p := Policy{BulkThreshold: 3}
	ids := func(n int) model.Payload {
		out := make([]string, n)
		for i := range out {
			out[i] = "app"
		}
		return model.Payload{TargetIDs: out}
	}

	if !p.RequiresApproval(model.ActionUserDelete, model.Payload{}) {
		t.Error("user_delete must always require approval when enabled")
	}
	if !p.RequiresApproval(model.ActionUserAnonymize, model.Payload{}) {
		t.Error("user_anonymize must always require approval when enabled")
	}
	for k := 0; k <= 6; k++ {
		want := k > 3
		if got := p.RequiresApproval(model.ActionBulkReject, ids(k)); got != want {
			t.Errorf("bulk_reject with %d ids: expected %v, got %v", k, want, got)
		}
		if got := p.RequiresApproval(model.ActionBulkSuspend, ids(k)); got != want {
			t.Errorf("bulk_suspend with %d ids: expected %v, got %v", k, want, got)
		}
	}
	if p.RequiresApproval(model.ActionApprovalApproved, ids(100)) {
		t.Error("non-destructive actions never require approval")
	}

	disabled := Policy{}
	if disabled.RequiresApproval(model.ActionUserDelete, model.Payload{UserID: "u"}) {
		t.Error("disabled policy must not require approval")
	}
}

func TestSubmitRecordsRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submitDelete(t, "u-1")

	req, err := f.wf.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != model.StatusPending || req.RequestedBy != adminA.ID {
		t.Errorf("unexpected request: %+v", req)
	}
	if !req.ExpiresAt.Equal(f.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("unexpected expiry %v", req.ExpiresAt)
	}

	recs, _ := f.ledger.List(ctx, store.AuditFilter{})
	if len(recs) != 1 || recs[0].Action != model.ActionApprovalRequested {
		t.Fatalf("expected one approval_requested row, got %v", recs)
	}
	if details(t, recs[0])["approval_request_id"] != id {
		t.Errorf("expected row to reference request %s", id)
	}
	if len(f.ops.Calls()) != 0 {
		t.Error("submit must not execute the action")
	}
}

func TestSubmitValidationWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wf.Submit(ctx, adminA, meta, model.ActionUserDelete, "user", "u-1",
		model.Payload{UserID: "u-1"}, "dup")
	if !errors.Is(err, gate.ErrReasonTooShort) {
		t.Fatalf("expected short reason error, got %v", err)
	}

	_, err = f.wf.Submit(ctx, adminA, meta, model.ActionBulkReject, "application", "",
		model.Payload{}, "spam wave cleanup")
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	_, err = f.wf.Submit(ctx, model.Actor{}, meta, model.ActionUserDelete, "user", "u-1",
		model.Payload{UserID: "u-1"}, "confirmed duplicate")
	if !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}

	if got := f.actions(t); len(got) != 0 {
		t.Fatalf("expected no ledger rows, got %v", got)
	}
	if reqs, _ := f.wf.List(ctx, "", 0); len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d", len(reqs))
	}
}

func TestSelfApprovalImpossible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submitDelete(t, "u-1")

	for _, outcome := range []model.ApprovalStatus{model.StatusApproved, model.StatusRejected} {
		res, err := f.wf.Decide(ctx, adminA, meta, id, outcome, "")
		if !errors.Is(err, ErrSelfApproval) {
			t.Fatalf("expected ErrSelfApproval, got %v", err)
		}
		if res.Decided {
			t.Fatal("self decision must not be committed")
		}
	}

	req, _ := f.wf.Get(ctx, id)
	if req.Status != model.StatusPending || req.DecidedBy != "" {
		t.Fatalf("status must be unchanged, got %+v", req)
	}
	want := []model.Action{model.ActionApprovalRequested, model.ActionApprovalDeniedSelf, model.ActionApprovalDeniedSelf}
	if got := f.actions(t); !equalActions(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(f.ops.Calls()) != 0 {
		t.Fatal("nothing must execute")
	}
}

func TestEndToEndApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submitDelete(t, "U")

	res, err := f.wf.Decide(ctx, adminB, meta, id, model.StatusApproved, "confirmed")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !res.Decided || !res.Executed || res.ExecutionErr != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls := f.ops.Calls(); len(calls) != 1 || calls[0] != "delete:U" {
		t.Fatalf("expected user_delete(U), got %v", calls)
	}

	req, _ := f.wf.Get(ctx, id)
	if req.Status != model.StatusApproved || req.DecidedBy != adminB.ID || req.DecidedAt == nil {
		t.Fatalf("unexpected request: %+v", req)
	}

	recs, _ := f.ledger.List(ctx, store.AuditFilter{})
	want := []model.Action{model.ActionApprovalRequested, model.ActionApprovalApproved,
		model.ActionUserDelete, model.ActionExecutionSucceeded}
	if got := f.actions(t); !equalActions(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	exec := recs[2]
	if exec.ActorID != adminA.ID || details(t, exec)["approved_by"] != adminB.ID || details(t, exec)["result"] != "attempted" {
		t.Errorf("execution row must name requester and approver: %+v", exec)
	}
	if d := details(t, recs[3]); d["attempt_id"] != float64(exec.ID) || d["approval_request_id"] != id {
		t.Errorf("result row must point at the attempt: %s", recs[3].Details)
	}

	_, err = f.wf.Decide(ctx, adminA, meta, id, model.StatusApproved, "again")
	if !errors.Is(err, ErrNotPending) || err.Error() != "already decided" {
		t.Fatalf("expected already decided, got %v", err)
	}

	v, _ := f.ledger.VerifyChain(ctx, 0, 0)
	if !v.Valid {
		t.Fatalf("chain must verify: %+v", v)
	}
}

func TestConcurrentDecideOneWinner(t *testing.T) {
	for round := 0; round < 5; round++ {
		f := newFixture(t)
		ctx := context.Background()
		id := f.submitDelete(t, "u-race")

		type outcome struct {
			res Result
			err error
		}
		results := make([]outcome, 2)
		deciders := []model.Actor{adminB, adminC}
		outcomes := []model.ApprovalStatus{model.StatusApproved, model.StatusRejected}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range deciders {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				res, err := f.wf.Decide(ctx, deciders[i], meta, id, outcomes[i], "")
				results[i] = outcome{res, err}
			}(i)
		}
		close(start)
		wg.Wait()

		winners := 0
		winner := -1
		for i, r := range results {
			if r.err == nil && r.res.Decided {
				winners++
				winner = i
				continue
			}
			if !errors.Is(r.err, ErrNotPending) {
				t.Fatalf("loser must see ErrNotPending, got %v", r.err)
			}
		}
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}

		req, _ := f.wf.Get(ctx, id)
		if req.Status != outcomes[winner] || req.DecidedBy != deciders[winner].ID {
			t.Fatalf("final state must match the winner: %+v", req)
		}
	}
}

func TestRejectDoesNotExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submitDelete(t, "u-1")

	res, err := f.wf.Decide(ctx, adminB, meta, id, model.StatusRejected, "not a duplicate")
	if err != nil || !res.Decided || res.Executed {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if len(f.ops.Calls()) != 0 {
		t.Fatal("rejected request must not execute")
	}
	want := []model.Action{model.ActionApprovalRequested, model.ActionApprovalRejected}
	if got := f.actions(t); !equalActions(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExecutionFailureRecordedSeparately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ops.err = errors.New("user not found")
	id := f.submitDelete(t, "gone")

	res, err := f.wf.Decide(ctx, adminB, meta, id, model.StatusApproved, "ok")
	if err != nil {
		t.Fatalf("decision must stand, got %v", err)
	}
	if !res.Decided || res.Executed || res.ExecutionErr == nil {
		t.Fatalf("unexpected result: %+v", res)
	}

	req, _ := f.wf.Get(ctx, id)
	if req.Status != model.StatusApproved {
		t.Fatalf("approval must stand, got %s", req.Status)
	}
	recs, _ := f.ledger.List(ctx, store.AuditFilter{})
	want := []model.Action{model.ActionApprovalRequested, model.ActionApprovalApproved,
		model.ActionUserDelete, model.ActionApprovalExecutionFailed}
	if got := f.actions(t); !equalActions(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if details(t, recs[3])["error"] != "user not found" {
		t.Errorf("expected domain error in details, got %s", recs[3].Details)
	}
}

func TestApprovedExecutionRechecksRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.ledger.Append(ctx, audit.Entry{Actor: adminA, Action: model.ActionBulkReject, Reason: "spam wave"})
	}
	id := f.submitDelete(t, "u-1")

	res, err := f.wf.Decide(ctx, adminB, meta, id, model.StatusApproved, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if res.Executed || !errors.Is(res.ExecutionErr, gate.ErrRateLimited) {
		t.Fatalf("expected rate limited execution, got %+v", res)
	}
	if len(f.ops.Calls()) != 0 {
		t.Fatal("rate limited execution must not run")
	}
	got := f.actions(t)
	if got[len(got)-1] != model.ActionApprovalDeniedRateLimit {
		t.Fatalf("expected approval_denied_rate_limit row, got %v", got)
	}
}

// brokenLedger fails every append of one action.
type brokenLedger struct {
	*audit.Ledger
	action model.Action
}

func (b brokenLedger) AppendTx(ctx context.Context, tx store.Tx, e audit.Entry) (int64, error) {
	if e.Action == b.action {
		return 0, errors.New("store down")
	}
	return b.Ledger.AppendTx(ctx, tx, e)
}

func (b brokenLedger) Append(ctx context.Context, e audit.Entry) (int64, error) {
	if e.Action == b.action {
		return 0, errors.New("store down")
	}
	return b.Ledger.Append(ctx, e)
}

func TestApprovedActionNotRunWhenAttemptUnrecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := gate.New(f.ledger, gate.DefaultConfig(), gate.WithClock(f.clock.Now))
	wf := New(f.db, brokenLedger{Ledger: f.ledger, action: model.ActionUserDelete}, g, f.ops,
		Policy{BulkThreshold: 10, Expiry: 24 * time.Hour}, WithClock(f.clock.Now))

	id := f.submitDelete(t, "u-1")
	res, err := wf.Decide(ctx, adminB, meta, id, model.StatusApproved, "ok")
	if err == nil || !res.Decided || res.Executed {
		t.Fatalf("expected committed decision with unrecorded attempt, got %+v %v", res, err)
	}
	if len(f.ops.Calls()) != 0 {
		t.Fatalf("domain operation must not run without its ledger row, got %v", f.ops.Calls())
	}
	want := []model.Action{model.ActionApprovalRequested, model.ActionApprovalApproved}
	if got := f.actions(t); !equalActions(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExpiredRequestNotActionable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submitDelete(t, "u-1")

	f.clock.Advance(25 * time.Hour)

	_, err := f.wf.Decide(ctx, adminB, meta, id, model.StatusApproved, "late")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	req, _ := f.wf.Get(ctx, id)
	if req.Status != model.StatusExpired || req.DecidedBy != "" {
		t.Fatalf("expected read-time expired status, got %+v", req)
	}

	pending, _ := f.wf.List(ctx, model.StatusPending, 0)
	expired, _ := f.wf.List(ctx, model.StatusExpired, 0)
	if len(pending) != 0 || len(expired) != 1 {
		t.Fatalf("expected 0 pending and 1 expired, got %d and %d", len(pending), len(expired))
	}

	n, err := f.wf.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept, got %d, %v", n, err)
	}
	if n, _ := f.wf.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}
	stored, _ := f.db.GetApproval(ctx, id)
	if stored.Status != model.StatusExpired {
		t.Fatalf("expected stored expired status, got %s", stored.Status)
	}
	want := []model.Action{model.ActionApprovalRequested, model.ActionApprovalDeniedInactive, model.ActionApprovalExpired}
	if got := f.actions(t); !equalActions(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDecideValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submitDelete(t, "u-1")

	if _, err := f.wf.Decide(ctx, adminB, meta, id, model.StatusExpired, ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := f.wf.Decide(ctx, adminB, meta, "missing", model.StatusApproved, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.wf.Decide(ctx, model.Actor{}, meta, id, model.StatusApproved, ""); !errors.Is(err, ErrInvalidActor) {
		t.Errorf("expected ErrInvalidActor, got %v", err)
	}
}

func TestExecuteApprovedActionDispatch(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		action  model.Action
		payload model.Payload
		want    string
	}{
		{model.ActionUserDelete, model.Payload{UserID: "u1"}, "delete:u1"},
		{model.ActionUserAnonymize, model.Payload{UserID: "u2"}, "anonymize:u2"},
		{model.ActionBulkReject, model.Payload{TargetIDs: []string{"a", "b"}}, "reject:a,b"},
		{model.ActionBulkSuspend, model.Payload{TargetIDs: []string{"c"}}, "suspend:c"},
	}
	for _, c := range cases {
		ops := &fakeOps{}
		if err := ExecuteApprovedAction(ctx, ops, c.action, c.payload); err != nil {
			t.Fatalf("%s: %v", c.action, err)
		}
		if calls := ops.Calls(); len(calls) != 1 || calls[0] != c.want {
			t.Errorf("%s: expected %s, got %v", c.action, c.want, calls)
		}
	}

	ops := &fakeOps{}
	if err := ExecuteApprovedAction(ctx, ops, "drop_table", model.Payload{}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
	if err := ExecuteApprovedAction(ctx, ops, model.ActionUserDelete, model.Payload{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
	if len(ops.Calls()) != 0 {
		t.Error("invalid requests must not reach domain operations")
	}
}

func TestSetPolicy(t *testing.T) {
	f := newFixture(t)
	f.wf.SetPolicy(Policy{})
	if f.wf.RequiresApproval(model.ActionUserDelete, model.Payload{UserID: "u"}) {
		t.Fatal("expected disabled policy after reload")
	}
}
