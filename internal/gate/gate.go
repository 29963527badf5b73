// Package gate is the choke point every destructive action passes through:
// mandatory justification and a per-admin sliding-window rate limit.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/metrics"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/ratelimit"
	"github.com/ppiankov/adminguard/internal/store"
)

// Counter counts ledger rows. *audit.Ledger satisfies it.
type Counter interface {
	Count(ctx context.Context, f store.AuditFilter) (int, error)
}

// Config holds the reloadable gate limits.
type Config struct {
	RateLimit ratelimit.Limit `yaml:"rate_limit"`
	ReasonMin int             `yaml:"reason_min"`
	ReasonMax int             `yaml:"reason_max"`
}

// DefaultConfig returns 5 destructive actions per hour and reasons of 5-500 characters.
func DefaultConfig() Config {
	return Config{
		RateLimit: ratelimit.Default,
		ReasonMin: 5,
		ReasonMax: 500,
	}
}

// Gate validates destructive actions before they run.
type Gate struct {
	mu      sync.RWMutex
	cfg     Config
	counter Counter
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// New creates a Gate counting recent actions through counter.
func New(counter Counter, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		cfg:     cfg,
		counter: counter,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetConfig swaps the limits. Checks already running keep the old values.
func (g *Gate) SetConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Config returns the current limits.
func (g *Gate) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// CheckReason validates the justification for action. Non-destructive
// actions accept any reason, including none.
func (g *Gate) CheckReason(action model.Action, reason string) error {
	if !action.IsDestructive() {
		return nil
	}
	cfg := g.Config()

	n := utf8.RuneCountInString(strings.TrimSpace(reason))
	var err *ReasonError
	switch {
	case n == 0:
		err = &ReasonError{Err: ErrReasonRequired, Min: cfg.ReasonMin, Max: cfg.ReasonMax}
	case n < cfg.ReasonMin:
		err = &ReasonError{Err: ErrReasonTooShort, Min: cfg.ReasonMin, Max: cfg.ReasonMax}
	case cfg.ReasonMax > 0 && n > cfg.ReasonMax:
		err = &ReasonError{Err: ErrReasonTooLong, Min: cfg.ReasonMin, Max: cfg.ReasonMax}
	default:
		return nil
	}
	metrics.GateDenials.WithLabelValues("reason").Inc()
	return err
}

// CheckRateLimit counts actorID's destructive ledger rows inside the
// trailing window, adds extra for batch items about to be recorded, and
// refuses when the total reaches the limit. Nothing is applied on refusal.
// The count runs outside any write transaction, so a pass reserves nothing;
// callers about to execute use CheckRateLimitTx.
func (g *Gate) CheckRateLimit(ctx context.Context, actorID string, action model.Action, extra int) error {
	return g.checkRateLimit(ctx, g.counter.Count, actorID, action, extra)
}

// CheckRateLimitTx is CheckRateLimit counted inside tx. Run under the chain
// lock and followed by appending the action rows in the same tx, concurrent
// callers each see every earlier caller's rows.
func (g *Gate) CheckRateLimitTx(ctx context.Context, tx store.Tx, actorID string, action model.Action, extra int) error {
	return g.checkRateLimit(ctx, tx.CountAudit, actorID, action, extra)
}

func (g *Gate) checkRateLimit(ctx context.Context, count func(context.Context, store.AuditFilter) (int, error),
	actorID string, action model.Action, extra int) error {
	if !action.IsDestructive() {
		return nil
	}
	limit := g.Config().RateLimit
	if !limit.Enabled() {
		return nil
	}
	if extra < 0 {
		extra = 0
	}

	n, err := count(ctx, store.AuditFilter{
		ActorID: actorID,
		Actions: model.DestructiveActions(),
		Since:   ratelimit.WindowStart(g.now(), limit),
	})
	if err != nil {
		g.log.Error("rate limit count failed", zap.String("actor", actorID), zap.Error(err))
		return fmt.Errorf("gate: count recent actions: %w", err)
	}

	result := ratelimit.Check(n+extra, limit)
	if !result.Exceeded {
		return nil
	}

	metrics.GateDenials.WithLabelValues("rate_limit").Inc()
	g.log.Warn("destructive action rate limited",
		zap.String("actor", actorID),
		zap.String("action", string(action)),
		zap.Int("count", n),
		zap.Int("extra", extra),
		zap.Int("limit", limit.MaxRequests))
	return &RateLimitError{ActorID: actorID, Action: action, Count: n + extra, Limit: limit}
}
