package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/metrics"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// DefaultMaxReason is the stored reason length cap in characters.
const DefaultMaxReason = 500

// ErrInvalidEntry is returned for entries the ledger refuses to record.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Store is the persistence the ledger needs.
type Store interface {
	InTx(ctx context.Context, fn func(store.Tx) error) error
	GetAudit(ctx context.Context, id int64) (model.AuditRecord, error)
	ScanAudit(ctx context.Context, from, to int64, fn func(model.AuditRecord) error) error
	ListAudit(ctx context.Context, f store.AuditFilter) ([]model.AuditRecord, error)
	CountAudit(ctx context.Context, f store.AuditFilter) (int, error)
	LastAuditBefore(ctx context.Context, t time.Time) (model.AuditRecord, error)
}

// Ledger is the append-only, hash-chained log of administrative actions.
// It is the only writer of ledger rows. Appends are serialized by the
// store's write transaction, so the chain tip read and the insert can never
// interleave with another append.
type Ledger struct {
	store     Store
	maxReason int
	// reasonLimit, when set, overrides maxReason per append.
	reasonLimit func() int
	now         func() time.Time
	log         *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithMaxReason sets the reason truncation length.
func WithMaxReason(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxReason = n
		}
	}
}

// WithReasonLimit reads the truncation length on every append, so a
// reloaded limit applies to the next row. Non-positive results fall back to
// the static length.
func WithReasonLimit(fn func() int) Option {
	return func(l *Ledger) { l.reasonLimit = fn }
}

// New creates a Ledger over s.
func New(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     s,
		maxReason: DefaultMaxReason,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append records e in its own transaction and returns the assigned id.
// Any error means the fact was not recorded; callers must not proceed with
// the governed action.
func (l *Ledger) Append(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		id, err = l.AppendTx(ctx, tx, e)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AppendTx records e inside an existing write transaction, so a state
// transition and its audit row commit or roll back together.
func (l *Ledger) AppendTx(ctx context.Context, tx store.Tx, e Entry) (int64, error) {
	if !e.Actor.Valid() {
		return 0, fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	if e.Action == "" {
		return 0, fmt.Errorf("%w: action is required", ErrInvalidEntry)
	}

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	// encoding/json sorts map keys, which makes the stored text canonical
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("%w: details: %v", ErrInvalidEntry, err)
	}

	tip, err := tx.ChainTip(ctx)
	if err != nil {
		l.log.Error("ledger tip read failed", zap.Error(err))
		return 0, fmt.Errorf("audit: read chain tip: %w", err)
	}
	prevHash := tip.Hash
	if tip.ID == 0 {
		prevHash = GenesisHash
	}

	createdAt := l.now().UTC()
	if createdAt.Before(tip.CreatedAt) {
		createdAt = tip.CreatedAt
	}

	rec := model.AuditRecord{
		ID:         tip.ID + 1,
		ActorID:    e.Actor.ID,
		ActorEmail: e.Actor.Email,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Details:    detailsJSON,
		Reason:     truncate(strings.TrimSpace(e.Reason), l.reasonMax()),
		ClientIP:   e.Meta.ClientIP,
		SessionID:  e.Meta.SessionID,
		CreatedAt:  createdAt,
		PrevHash:   prevHash,
	}
	rec.RowHash, err = RowHash(prevHash, rec)
	if err != nil {
		return 0, err
	}

	if err := tx.InsertAudit(ctx, rec); err != nil {
		l.log.Error("ledger insert failed",
			zap.String("action", string(rec.Action)),
			zap.Int64("id", rec.ID),
			zap.Error(err))
		return 0, fmt.Errorf("audit: append: %w", err)
	}

	metrics.AuditAppends.WithLabelValues(string(rec.Action)).Inc()
	return rec.ID, nil
}

func (l *Ledger) reasonMax() int {
	if l.reasonLimit != nil {
		if n := l.reasonLimit(); n > 0 {
			return n
		}
	}
	return l.maxReason
}

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Get returns one ledger row.
func (l *Ledger) Get(ctx context.Context, id int64) (model.AuditRecord, error) {
	return l.store.GetAudit(ctx, id)
}

// List returns ledger rows matching f.
func (l *Ledger) List(ctx context.Context, f store.AuditFilter) ([]model.AuditRecord, error) {
	return l.store.ListAudit(ctx, f)
}

// Tail returns the newest n rows in insertion order.
func (l *Ledger) Tail(ctx context.Context, n int) ([]model.AuditRecord, error) {
	recs, err := l.store.ListAudit(ctx, store.AuditFilter{Newest: true, Limit: n})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Count counts ledger rows matching f.
func (l *Ledger) Count(ctx context.Context, f store.AuditFilter) (int, error) {
	return l.store.CountAudit(ctx, f)
}
