package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := store.Open(ctx, store.DriverSQLite, path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{now: t0}
	return New(db, WithClock(clock.Now)), path
}

func testEntry(action model.Action) Entry {
	return Entry{
		Actor:      model.Actor{ID: "admin-1", Email: "admin1@example.com"},
		Action:     action,
		TargetType: "user",
		TargetID:   "u-42",
		Details:    map[string]any{"source": "test", "count": 1},
		Reason:     "confirmed duplicate account",
		Meta:       model.RequestMeta{ClientIP: "203.0.113.5", SessionID: "sess-1"},
	}
}

// rawExec edits the database directly, bypassing the ledger.
func rawExec(t *testing.T, path, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("raw exec: %v", err)
	}
}

func TestSequentialAppendsProduceValidChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, err := l.Append(ctx, testEntry(model.ActionUserDelete))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id != int64(i+1) {
			t.Fatalf("expected id %d, got %d", i+1, id)
		}
	}

	res, err := l.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Records != 5 {
		t.Fatalf("expected 5 valid records, got %+v", res)
	}
}

func TestFirstRecordUsesGenesis(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.Append(ctx, testEntry(model.ActionUserDelete))
	l.Append(ctx, testEntry(model.ActionUserDelete))

	first, _ := l.Get(ctx, 1)
	second, _ := l.Get(ctx, 2)
	if first.PrevHash != GenesisHash {
		t.Errorf("expected genesis prev hash, got %s", first.PrevHash)
	}
	if second.PrevHash != first.RowHash {
		t.Errorf("expected chain link, got %s vs %s", second.PrevHash, first.RowHash)
	}
	if !strings.HasPrefix(first.RowHash, HashPrefix) {
		t.Errorf("expected prefixed hash, got %s", first.RowHash)
	}
}

func TestConcurrentAppendsNeverFork(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := testEntry(model.ActionBulkReject)
			e.Actor.ID = fmt.Sprintf("admin-%d", i%4)
			if _, err := l.Append(ctx, e); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	res, err := l.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Records != n {
		t.Fatalf("expected %d valid records, got %+v", n, res)
	}

	recs, _ := l.List(ctx, store.AuditFilter{})
	seen := map[string]bool{}
	for _, r := range recs {
		if seen[r.PrevHash] {
			t.Fatalf("fork: two records share prev_hash %s", r.PrevHash)
		}
		seen[r.PrevHash] = true
		recomputed, err := RowHash(r.PrevHash, r)
		if err != nil || recomputed != r.RowHash {
			t.Fatalf("record %d hash does not recompute", r.ID)
		}
	}
}

func TestTamperedFieldReportsExactRecord(t *testing.T) {
	columns := map[string]string{
		"reason":      "UPDATE audit_records SET reason = 'looked fine' WHERE id = 3",
		"action":      "UPDATE audit_records SET action = 'profile_view' WHERE id = 3",
		"actor":       "UPDATE audit_records SET actor_id = 'someone-else' WHERE id = 3",
		"details":     `UPDATE audit_records SET details = '{"count":2}' WHERE id = 3`,
		"created_at":  "UPDATE audit_records SET created_at = created_at + 1 WHERE id = 3",
		"target_null": "UPDATE audit_records SET target_id = NULL WHERE id = 3",
		"row_hash":    "UPDATE audit_records SET row_hash = 'sha256:00' WHERE id = 3",
	}
	for name, query := range columns {
		t.Run(name, func(t *testing.T) {
			l, path := newTestLedger(t)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if _, err := l.Append(ctx, testEntry(model.ActionUserDelete)); err != nil {
					t.Fatal(err)
				}
			}

			rawExec(t, path, query)

			res, err := l.VerifyChain(ctx, 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid {
				t.Fatal("expected tampered chain to be invalid")
			}
			if res.BrokenAt != 3 {
				t.Fatalf("expected break at record 3, got %d (%s)", res.BrokenAt, res.Error)
			}
		})
	}
}

func TestDeletedRecordDetected(t *testing.T) {
	l, path := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.Append(ctx, testEntry(model.ActionUserDelete))
	}

	rawExec(t, path, "DELETE FROM audit_records WHERE id = 2")

	res, err := l.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt != 3 {
		t.Fatalf("expected break at 3 after deleting 2, got %+v", res)
	}
}

func TestVerifyRange(t *testing.T) {
	l, path := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		l.Append(ctx, testEntry(model.ActionUserDelete))
	}
	rawExec(t, path, "UPDATE audit_records SET reason = 'x' WHERE id = 6")

	res, err := l.VerifyChain(ctx, 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.FirstID != 3 || res.LastID != 5 || res.Records != 3 {
		t.Fatalf("expected valid 3..5, got %+v", res)
	}

	res, _ = l.VerifyChain(ctx, 4, 0)
	if res.Valid || res.BrokenAt != 6 {
		t.Fatalf("expected break at 6, got %+v", res)
	}
}

func TestCanonicalSeparatesAdjacentFields(t *testing.T) {
	a := model.AuditRecord{ID: 1, Action: "x", TargetType: "a", TargetID: "b", CreatedAt: t0}
	b := model.AuditRecord{ID: 1, Action: "x", TargetType: "ab", TargetID: "", CreatedAt: t0}
	if string(Canonical(a)) == string(Canonical(b)) {
		t.Fatal("canonical encoding must distinguish field boundaries")
	}
	ha, _ := RowHash(GenesisHash, a)
	hb, _ := RowHash(GenesisHash, b)
	if ha == hb {
		t.Fatal("expected different hashes")
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	rec := model.AuditRecord{ID: 7, ActorID: "a", Action: "user_delete", Details: []byte(`{"a":1}`), CreatedAt: t0}
	if string(Canonical(rec)) != string(Canonical(rec)) {
		t.Fatal("canonical encoding must be deterministic")
	}
	other := rec
	other.CreatedAt = t0.In(time.FixedZone("X", 3600))
	if string(Canonical(rec)) != string(Canonical(other)) {
		t.Fatal("canonical encoding must not depend on time zone")
	}
}

func TestRowHashRejectsMalformedPrev(t *testing.T) {
	if _, err := RowHash("md5:abcd", model.AuditRecord{}); err == nil {
		t.Fatal("expected error for malformed prev hash")
	}
}

func TestReasonTruncated(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	e := testEntry(model.ActionUserDelete)
	e.Reason = strings.Repeat("é", 600)

	id, err := l.Append(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := l.Get(ctx, id)
	if got := len([]rune(rec.Reason)); got != DefaultMaxReason {
		t.Fatalf("expected %d characters, got %d", DefaultMaxReason, got)
	}
	res, _ := l.VerifyChain(ctx, 0, 0)
	if !res.Valid {
		t.Fatalf("truncated record must still verify: %+v", res)
	}
}

func TestReasonLimitFollowsSource(t *testing.T) {
	l, _ := newTestLedger(t)
	limit := 10
	WithReasonLimit(func() int { return limit })(l)
	ctx := context.Background()

	e := testEntry(model.ActionUserDelete)
	e.Reason = strings.Repeat("x", 40)
	id, err := l.Append(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := l.Get(ctx, id)
	if len(rec.Reason) != 10 {
		t.Fatalf("expected 10 characters, got %d", len(rec.Reason))
	}

	limit = 30
	id, err = l.Append(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ = l.Get(ctx, id)
	if len(rec.Reason) != 30 {
		t.Fatalf("raised limit should apply to the next row, got %d", len(rec.Reason))
	}

	limit = 0
	id, _ = l.Append(ctx, e)
	rec, _ = l.Get(ctx, id)
	if len(rec.Reason) != 40 {
		t.Fatalf("zero limit should fall back to the static length, got %d", len(rec.Reason))
	}
}

func TestReasonTrimmedBeforeStore(t *testing.T) {
	l, _ := newTestLedger(t)
	WithReasonLimit(func() int { return 12 })(l)
	ctx := context.Background()
	e := testEntry(model.ActionUserDelete)
	e.Reason = "      \tcustomer request for erasure   \n"

	id, err := l.Append(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := l.Get(ctx, id)
	if rec.Reason != "customer req" {
		t.Fatalf("got %q", rec.Reason)
	}
	res, _ := l.VerifyChain(ctx, 0, 0)
	if !res.Valid {
		t.Fatalf("chain must verify: %+v", res)
	}
}

func TestAppendRejectsAnonymousActor(t *testing.T) {
	l, _ := newTestLedger(t)
	e := testEntry(model.ActionUserDelete)
	e.Actor = model.Actor{}
	if _, err := l.Append(context.Background(), e); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestAppendFailsClosedOnCancelledContext(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Append(ctx, testEntry(model.ActionUserDelete)); err == nil {
		t.Fatal("expected append to fail with a cancelled context")
	}
	n, _ := l.Count(context.Background(), store.AuditFilter{})
	if n != 0 {
		t.Fatalf("expected nothing recorded, got %d", n)
	}
}

func TestCreatedAtNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "l.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.Migrate(ctx)

	times := []time.Time{t0, t0.Add(-time.Hour)}
	i := 0
	l := New(db, WithClock(func() time.Time { ts := times[i]; i++; return ts }))
	l.Append(ctx, testEntry("x"))
	l.Append(ctx, testEntry("x"))

	second, _ := l.Get(ctx, 2)
	if second.CreatedAt.Before(t0) {
		t.Fatalf("expected monotonic created_at, got %v", second.CreatedAt)
	}
}

func TestTailReturnsNewestInOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Append(ctx, testEntry(model.ActionUserDelete))
	}
	recs, err := l.Tail(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != 3 || recs[2].ID != 5 {
		t.Fatalf("unexpected tail: %v", recs)
	}
}

func TestFormatTimeline(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.Append(ctx, testEntry(model.ActionUserDelete))
	l.Append(ctx, testEntry(model.ActionDestructiveDeniedLimit))

	recs, _ := l.Tail(ctx, 10)
	out := FormatTimeline(recs)
	for _, want := range []string{"Ledger #1–#2", "user_delete", "[destructive]", "1 destructive, 1 denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in timeline:\n%s", want, out)
		}
	}
	if FormatTimeline(nil) != "No ledger entries.\n" {
		t.Error("unexpected empty timeline")
	}
}
