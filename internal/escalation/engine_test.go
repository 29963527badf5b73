package escalation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/adminguard/internal/alert"
	"github.com/ppiankov/adminguard/internal/lock"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type gauge struct {
	mu    sync.Mutex
	value float64
	err   error
}

func (g *gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *gauge) source(name string) Source {
	return SourceFunc{Metric: name, Fn: func(context.Context, time.Time) (float64, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.value, g.err
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []alert.AlertEvent
}

func (r *recorder) Notify(_ context.Context, e alert.AlertEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "esc.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return db
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Thresholds = map[string]Threshold{"m": {InfoAt: 1, WarningAt: 5, CriticalAt: 10}}
	return cfg
}

func TestBand(t *testing.T) {
	th := Threshold{InfoAt: 1, WarningAt: 5, CriticalAt: 10}
	cases := []struct {
		value    float64
		want     model.Severity
		breached bool
	}{
		{0, "", false},
		{1, model.SeverityInfo, true},
		{4.9, model.SeverityInfo, true},
		{5, model.SeverityWarning, true},
		{10, model.SeverityCritical, true},
		{99, model.SeverityCritical, true},
	}
	for _, c := range cases {
		sev, ok := th.Band(c.value)
		if sev != c.want || ok != c.breached {
			t.Errorf("Band(%g) = %s,%v want %s,%v", c.value, sev, ok, c.want, c.breached)
		}
	}
	if _, ok := (Threshold{}).Band(100); ok {
		t.Error("zero threshold must disable the metric")
	}
}

func TestThresholdValidate(t *testing.T) {
	if err := (Threshold{InfoAt: 5, WarningAt: 2}).Validate(); err == nil {
		t.Error("expected warning below info to be rejected")
	}
	if err := (Threshold{InfoAt: 1, WarningAt: 5, CriticalAt: 3}).Validate(); err == nil {
		t.Error("expected critical below warning to be rejected")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestTickIdempotent(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 3}
	rec := &recorder{}
	e := New(db, testConfig(), WithSources(g.source("m")), WithNotifier(rec), WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	first, err := e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Changes) != 1 || !first.Changes[0].Opened {
		t.Fatalf("expected one opened escalation, got %+v", first.Changes)
	}
	second, err := e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Changes) != 0 {
		t.Fatalf("second tick must change nothing, got %+v", second.Changes)
	}

	open, _ := e.List(ctx, true, 0)
	if len(open) != 1 || open[0].Severity != model.SeverityInfo || open[0].Value != 3 {
		t.Fatalf("expected one open info escalation, got %+v", open)
	}
	if len(rec.events) != 1 || rec.events[0].Type != alert.EventOpened {
		t.Fatalf("expected one open event, got %+v", rec.events)
	}
}

func TestRecoveryResolvesExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 6}
	rec := &recorder{}
	e := New(db, testConfig(), WithSources(g.source("m")), WithNotifier(rec), WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	e.Tick(ctx)
	g.Set(0)
	res, err := e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Opened {
		t.Fatalf("expected one resolution, got %+v", res.Changes)
	}
	res, _ = e.Tick(ctx)
	if len(res.Changes) != 0 {
		t.Fatalf("expected no further changes, got %+v", res.Changes)
	}

	all, _ := e.List(ctx, false, 0)
	if len(all) != 1 || all[0].Open() || all[0].ResolutionNote != NormalNote {
		t.Fatalf("expected one resolved escalation, got %+v", all)
	}
	if len(rec.events) != 2 || rec.events[1].Type != alert.EventResolved {
		t.Fatalf("expected open then resolve events, got %+v", rec.events)
	}

	g.Set(7)
	e.Tick(ctx)
	all, _ = e.List(ctx, false, 0)
	if len(all) != 2 {
		t.Fatalf("a new breach must open a fresh escalation, got %d", len(all))
	}
}

func TestSampleErrorDoesNotStopOtherMetrics(t *testing.T) {
	db := newTestDB(t)
	bad := &gauge{err: errors.New("db down")}
	good := &gauge{value: 2}
	cfg := testConfig()
	cfg.Thresholds["bad"] = Threshold{InfoAt: 1}
	core, logs := observer.New(zap.InfoLevel)
	e := New(db, cfg, WithSources(bad.source("bad"), good.source("m")), WithLogger(zap.New(core)))

	res, err := e.Tick(context.Background())
	if err == nil {
		t.Fatal("expected sample error to be reported")
	}
	if len(res.Changes) != 1 || res.Changes[0].Metric != "m" {
		t.Fatalf("expected healthy metric to be evaluated, got %+v", res.Changes)
	}
	failed := logs.FilterMessage("metric sample failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["metric"] != "bad" {
		t.Fatalf("expected one sample failure logged for bad, got %+v", failed)
	}
	if logs.FilterMessage("escalation opened").Len() != 1 {
		t.Fatal("expected escalation opened to be logged")
	}
}

func TestUnconfiguredMetricSkipped(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 100}
	e := New(db, testConfig(), WithSources(g.source("unknown")))
	res, err := e.Tick(context.Background())
	if err != nil || len(res.Values) != 0 {
		t.Fatalf("expected metric without threshold to be skipped, got %+v %v", res, err)
	}
}

func TestHealthReflectsCritical(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 12}
	hs := health.NewServer()
	e := New(db, testConfig(), WithSources(g.source("m")), WithHealth(hs))
	ctx := context.Background()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			t.Fatal(err)
		}
		return resp.Status
	}

	e.Tick(ctx)
	if status() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("expected NOT_SERVING with a critical escalation open")
	}
	g.Set(0)
	e.Tick(ctx)
	if status() != healthpb.HealthCheckResponse_SERVING {
		t.Fatal("expected SERVING after recovery")
	}
}

func TestManualResolve(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 2}
	e := New(db, testConfig(), WithSources(g.source("m")))
	ctx := context.Background()

	res, _ := e.Tick(ctx)
	id := res.Changes[0].Escalation.ID

	esc, err := e.Resolve(ctx, id, "false positive, new office IP")
	if err != nil || esc.Open() {
		t.Fatalf("expected resolved, got %+v %v", esc, err)
	}
	if _, err := e.Resolve(ctx, id, "again"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := e.Resolve(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTickSkippedWhenLeaseHeld(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	locker, err := lock.NewRedis(context.Background(), lock.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer locker.Close()

	db := newTestDB(t)
	g := &gauge{value: 2}
	e := New(db, testConfig(), WithSources(g.source("m")), WithLocker(locker))
	ctx := context.Background()

	mr.Set(leaseKey, "other-instance")
	res, err := e.Tick(ctx)
	if err != nil || !res.Skipped {
		t.Fatalf("expected skipped tick, got %+v %v", res, err)
	}

	mr.Del(leaseKey)
	res, err = e.Tick(ctx)
	if err != nil || res.Skipped || len(res.Changes) != 1 {
		t.Fatalf("expected evaluated tick, got %+v %v", res, err)
	}
	if mr.Exists(leaseKey) {
		t.Fatal("lease must be released after the tick")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	var samples atomic.Int32
	src := SourceFunc{Metric: "m", Fn: func(context.Context, time.Time) (float64, error) {
		samples.Add(1)
		cancel()
		return 0, nil
	}}
	e := New(db, testConfig(), WithSources(src))

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if samples.Load() != 1 {
		t.Fatalf("expected one immediate tick, got %d", samples.Load())
	}
}

func TestBuiltinExpiredPendingSource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	err := db.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertApproval(ctx, model.ApprovalRequest{
			ID:          "r1",
			Action:      model.ActionUserDelete,
			Payload:     model.Payload{UserID: "u1"},
			RequestedBy: "a1",
			RequestedAt: t0.Add(-48 * time.Hour),
			Reason:      "duplicate account",
			ExpiresAt:   t0.Add(-24 * time.Hour),
			Status:      model.StatusPending,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	e := New(db, DefaultConfig(), WithClock(func() time.Time { return t0 }))
	res, err := e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Values[MetricExpiredPending] != 1 {
		t.Fatalf("expected 1 expired pending request, got %v", res.Values)
	}
	if len(res.Changes) != 1 || res.Changes[0].Metric != MetricExpiredPending {
		t.Fatalf("expected one escalation for expired approvals, got %+v", res.Changes)
	}
	for _, m := range []string{MetricDestructiveVelocity, MetricNewSessionOrigin, MetricStaleEscalations} {
		if v, ok := res.Values[m]; !ok || v != 0 {
			t.Errorf("expected %s sampled as 0, got %v (present=%v)", m, v, ok)
		}
	}
}

func TestSeverityRaisedWhileOpen(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 1}
	rec := &recorder{}
	hs := health.NewServer()
	e := New(db, testConfig(), WithSources(g.source("m")), WithNotifier(rec), WithHealth(hs),
		WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	e.Tick(ctx)
	g.Set(50)
	res, err := e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changes) != 1 || !res.Changes[0].Raised {
		t.Fatalf("expected one raised escalation, got %+v", res.Changes)
	}

	open, _ := e.List(ctx, true, 0)
	if len(open) != 1 || open[0].Severity != model.SeverityCritical || open[0].Value != 50 {
		t.Fatalf("expected the same escalation at critical, got %+v", open)
	}
	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after raise to critical, got %v", resp.Status)
	}
	if len(rec.events) != 2 || rec.events[1].Severity != model.SeverityCritical {
		t.Fatalf("expected a second event at critical, got %+v", rec.events)
	}

	// A lower reading keeps the higher band.
	g.Set(2)
	res, _ = e.Tick(ctx)
	if len(res.Changes) != 0 {
		t.Fatalf("expected no change on a lower breach, got %+v", res.Changes)
	}
	open, _ = e.List(ctx, true, 0)
	if open[0].Severity != model.SeverityCritical {
		t.Fatalf("severity must not drop while open, got %s", open[0].Severity)
	}
}

func TestRemovedThresholdResolvesEscalation(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 12}
	rec := &recorder{}
	hs := health.NewServer()
	e := New(db, testConfig(), WithSources(g.source("m")), WithNotifier(rec), WithHealth(hs),
		WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	e.Tick(ctx)
	cfg := testConfig()
	delete(cfg.Thresholds, "m")
	e.SetConfig(cfg)

	res, err := e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Opened {
		t.Fatalf("expected one resolution, got %+v", res.Changes)
	}
	all, _ := e.List(ctx, false, 0)
	if len(all) != 1 || all[0].Open() || all[0].ResolutionNote != UnmonitoredNote {
		t.Fatalf("expected escalation resolved as unmonitored, got %+v", all)
	}
	resp, _ := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING once the critical escalation closed, got %v", resp.Status)
	}
	if last := rec.events[len(rec.events)-1]; last.Type != alert.EventResolved {
		t.Fatalf("expected a resolve event, got %+v", last)
	}
}

func TestSampleErrorKeepsEscalationOpen(t *testing.T) {
	db := newTestDB(t)
	g := &gauge{value: 3}
	e := New(db, testConfig(), WithSources(g.source("m")))
	ctx := context.Background()

	e.Tick(ctx)
	g.mu.Lock()
	g.err = errors.New("db down")
	g.mu.Unlock()
	if _, err := e.Tick(ctx); err == nil {
		t.Fatal("expected sample error")
	}
	open, _ := e.List(ctx, true, 0)
	if len(open) != 1 {
		t.Fatalf("a failed sample must not resolve the escalation, got %+v", open)
	}
}

func TestSweptRequestsStayCounted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	err := db.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertApproval(ctx, model.ApprovalRequest{
			ID:          "r1",
			Action:      model.ActionUserDelete,
			Payload:     model.Payload{UserID: "u1"},
			RequestedBy: "a1",
			RequestedAt: t0.Add(-3 * time.Hour),
			Reason:      "duplicate account",
			ExpiresAt:   t0.Add(-time.Hour),
			Status:      model.StatusPending,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	now := t0
	e := New(db, DefaultConfig(), WithClock(func() time.Time { return now }))
	res, err := e.Tick(ctx)
	if err != nil || len(res.Changes) != 1 {
		t.Fatalf("expected escalation opened, got %+v %v", res, err)
	}

	err = db.InTx(ctx, func(tx store.Tx) error {
		ok, err := tx.ExpireApproval(ctx, "r1", t0)
		if !ok && err == nil {
			err = errors.New("request not expired")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err = e.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Values[MetricExpiredPending] != 1 || len(res.Changes) != 0 {
		t.Fatalf("swept request must keep the escalation open, got %+v", res)
	}

	// Past the lookback the request no longer counts.
	now = t0.Add(24 * time.Hour)
	res, _ = e.Tick(ctx)
	if res.Values[MetricExpiredPending] != 0 {
		t.Fatalf("expected request outside the lookback to drop out, got %v", res.Values)
	}
	open, _ := e.List(ctx, true, 0)
	for _, esc := range open {
		if esc.Metric == MetricExpiredPending {
			t.Fatalf("expected escalation resolved, got %+v", esc)
		}
	}
}
