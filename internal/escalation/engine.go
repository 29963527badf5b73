// Package escalation samples control-health metrics on a schedule and keeps
// at most one open escalation per metric.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/adminguard/internal/alert"
	"github.com/ppiankov/adminguard/internal/lock"
	"github.com/ppiankov/adminguard/internal/metrics"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

const (
	// HealthService is the gRPC health service name reflecting control health.
	HealthService = "adminguard.governance"
	// NormalNote is recorded when a metric drops back below its threshold.
	NormalNote = "metric returned to normal"
	// UnmonitoredNote is recorded when a metric loses its threshold.
	UnmonitoredNote = "metric no longer monitored"

	leaseKey = "adminguard:escalation:tick"
)

var (
	ErrNotFound        = errors.New("escalation not found")
	ErrAlreadyResolved = errors.New("escalation already resolved")
)

// Store is the persistence the engine needs.
type Store interface {
	Reader
	FindOpenEscalation(ctx context.Context, metric string) (model.Escalation, error)
	GetEscalation(ctx context.Context, id string) (model.Escalation, error)
	OpenEscalation(ctx context.Context, e model.Escalation) (model.Escalation, bool, error)
	ResolveEscalation(ctx context.Context, id string, at time.Time, note string) (bool, error)
	RaiseEscalationSeverity(ctx context.Context, id string, from, to model.Severity, value float64) (bool, error)
	ListEscalations(ctx context.Context, f store.EscalationFilter) ([]model.Escalation, error)
}

// Notifier receives open and resolve events. *alert.Dispatcher satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event alert.AlertEvent)
}

// Locker grants a lease so only one instance ticks at a time.
// *lock.Redis satisfies it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Release, bool, error)
}

// HealthSetter is the gRPC health server.
type HealthSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Change is one open, severity raise or resolve performed by a tick.
type Change struct {
	Metric     string
	Escalation model.Escalation
	Opened     bool
	Raised     bool
}

// TickResult summarizes one evaluation.
type TickResult struct {
	Skipped bool
	Values  map[string]float64
	Changes []Change
}

// Engine evaluates metrics and maintains escalations.
type Engine struct {
	store    Store
	sources  []Source
	notifier Notifier
	locker   Locker
	health   HealthSetter
	now      func() time.Time
	log      *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithNotifier sends open and resolve events to n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLocker makes each tick take a lease first.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithHealth reports control health through h.
func WithHealth(h HealthSetter) Option {
	return func(e *Engine) { e.health = h }
}

// WithSources replaces the built-in sources.
func WithSources(sources ...Source) Option {
	return func(e *Engine) { e.sources = sources }
}

// New creates an Engine with the built-in sources unless WithSources replaces them.
func New(s Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	e.sources = BuiltinSources(s, cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetConfig swaps thresholds and windows. The built-in sources read
// windows at construction, so only thresholds and the interval change.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.config().Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("escalation tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates every metric once. Running it twice with unchanged inputs
// leaves the same escalations open.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	cfg := e.config()
	if e.locker != nil {
		ttl := cfg.LeaseTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		release, ok, err := e.locker.Acquire(ctx, leaseKey, ttl)
		if err != nil {
			return TickResult{}, fmt.Errorf("escalation: lease: %w", err)
		}
		if !ok {
			e.log.Debug("escalation tick skipped, lease held elsewhere")
			return TickResult{Skipped: true}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.log.Warn("escalation lease release failed", zap.Error(err))
			}
		}()
	}

	now := e.now().UTC()
	result := TickResult{Values: make(map[string]float64, len(e.sources))}
	var errs []error

	sources := append([]Source(nil), e.sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name() < sources[j].Name() })

	sampled := make(map[string]bool, len(sources))
	for _, src := range sources {
		name := src.Name()
		threshold, ok := cfg.Thresholds[name]
		if !ok || threshold.InfoAt <= 0 {
			continue
		}
		sampled[name] = true
		value, err := src.Sample(ctx, now)
		if err != nil {
			e.log.Error("metric sample failed", zap.String("metric", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		result.Values[name] = value
		metrics.MetricValue.WithLabelValues(name).Set(value)

		change, err := e.apply(ctx, name, value, threshold, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if change != nil {
			result.Changes = append(result.Changes, *change)
		}
	}

	changes, err := e.resolveUnmonitored(ctx, sampled, now)
	if err != nil {
		errs = append(errs, err)
	}
	result.Changes = append(result.Changes, changes...)

	if err := e.updateHealth(ctx); err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

// resolveUnmonitored closes open escalations for metrics that were not
// evaluated this tick because their threshold was removed or disabled.
func (e *Engine) resolveUnmonitored(ctx context.Context, sampled map[string]bool, now time.Time) ([]Change, error) {
	open, err := e.store.ListEscalations(ctx, store.EscalationFilter{OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("escalation: list open: %w", err)
	}
	var changes []Change
	for _, esc := range open {
		if sampled[esc.Metric] {
			continue
		}
		ok, err := e.store.ResolveEscalation(ctx, esc.ID, now, UnmonitoredNote)
		if err != nil {
			return changes, err
		}
		metrics.EscalationsOpen.WithLabelValues(esc.Metric).Set(0)
		if !ok {
			continue
		}
		esc.ResolvedAt = &now
		esc.ResolutionNote = UnmonitoredNote
		e.log.Info("escalation resolved, metric unmonitored", zap.String("metric", esc.Metric))
		e.notify(ctx, alert.EventResolved, esc, UnmonitoredNote)
		changes = append(changes, Change{Metric: esc.Metric, Escalation: esc})
	}
	return changes, nil
}

// apply opens or resolves the escalation for one metric.
func (e *Engine) apply(ctx context.Context, metric string, value float64, t Threshold, now time.Time) (*Change, error) {
	severity, breached := t.Band(value)
	if breached {
		esc, created, err := e.store.OpenEscalation(ctx, model.Escalation{
			ID:       uuid.NewString(),
			Metric:   metric,
			Value:    value,
			Severity: severity,
			OpenedAt: now,
		})
		if err != nil {
			return nil, err
		}
		metrics.EscalationsOpen.WithLabelValues(metric).Set(1)
		if !created {
			return e.raise(ctx, esc, value, severity)
		}
		e.log.Warn("escalation opened",
			zap.String("metric", metric),
			zap.Float64("value", value),
			zap.String("severity", string(severity)))
		e.notify(ctx, alert.EventOpened, esc, "")
		return &Change{Metric: metric, Escalation: esc, Opened: true}, nil
	}

	esc, err := e.store.FindOpenEscalation(ctx, metric)
	if errors.Is(err, store.ErrNotFound) {
		metrics.EscalationsOpen.WithLabelValues(metric).Set(0)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resolved, err := e.store.ResolveEscalation(ctx, esc.ID, now, NormalNote)
	if err != nil {
		return nil, err
	}
	metrics.EscalationsOpen.WithLabelValues(metric).Set(0)
	if !resolved {
		return nil, nil
	}
	esc.ResolvedAt = &now
	esc.ResolutionNote = NormalNote
	e.log.Info("escalation resolved", zap.String("metric", metric), zap.Float64("value", value))
	e.notify(ctx, alert.EventResolved, esc, NormalNote)
	return &Change{Metric: metric, Escalation: esc}, nil
}

// raise moves an open escalation up to a higher band. Bands never drop while
// the escalation stays open.
func (e *Engine) raise(ctx context.Context, esc model.Escalation, value float64, severity model.Severity) (*Change, error) {
	if severityRank(severity) <= severityRank(esc.Severity) {
		return nil, nil
	}
	ok, err := e.store.RaiseEscalationSeverity(ctx, esc.ID, esc.Severity, severity, value)
	if err != nil || !ok {
		return nil, err
	}
	note := fmt.Sprintf("severity raised from %s", esc.Severity)
	e.log.Warn("escalation severity raised",
		zap.String("metric", esc.Metric),
		zap.Float64("value", value),
		zap.String("from", string(esc.Severity)),
		zap.String("severity", string(severity)))
	esc.Severity = severity
	esc.Value = value
	e.notify(ctx, alert.EventOpened, esc, note)
	return &Change{Metric: esc.Metric, Escalation: esc, Raised: true}, nil
}

// Resolve closes an escalation by hand.
func (e *Engine) Resolve(ctx context.Context, id, note string) (model.Escalation, error) {
	esc, err := e.store.GetEscalation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return esc, ErrNotFound
	}
	if err != nil {
		return esc, fmt.Errorf("escalation: resolve: %w", err)
	}
	if !esc.Open() {
		return esc, ErrAlreadyResolved
	}
	now := e.now().UTC()
	ok, err := e.store.ResolveEscalation(ctx, id, now, note)
	if err != nil {
		return esc, fmt.Errorf("escalation: resolve: %w", err)
	}
	if !ok {
		return esc, ErrAlreadyResolved
	}
	esc.ResolvedAt = &now
	esc.ResolutionNote = note
	metrics.EscalationsOpen.WithLabelValues(esc.Metric).Set(0)
	e.log.Info("escalation resolved by operator", zap.String("id", id), zap.String("metric", esc.Metric))
	e.notify(ctx, alert.EventResolved, esc, note)
	if err := e.updateHealth(ctx); err != nil {
		e.log.Warn("health update failed", zap.Error(err))
	}
	return esc, nil
}

// List returns escalations, newest first.
func (e *Engine) List(ctx context.Context, openOnly bool, limit int) ([]model.Escalation, error) {
	return e.store.ListEscalations(ctx, store.EscalationFilter{OpenOnly: openOnly, Limit: limit})
}

// updateHealth reports NOT_SERVING while any critical escalation is open.
func (e *Engine) updateHealth(ctx context.Context) error {
	if e.health == nil {
		return nil
	}
	open, err := e.store.ListEscalations(ctx, store.EscalationFilter{OpenOnly: true})
	if err != nil {
		return fmt.Errorf("escalation: health: %w", err)
	}
	status := healthpb.HealthCheckResponse_SERVING
	for _, esc := range open {
		if esc.Severity == model.SeverityCritical {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	e.health.SetServingStatus(HealthService, status)
	return nil
}

func (e *Engine) notify(ctx context.Context, typ string, esc model.Escalation, note string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, alert.AlertEvent{
		Type:         typ,
		Timestamp:    e.now().UTC().Format(time.RFC3339),
		EscalationID: esc.ID,
		Metric:       esc.Metric,
		Value:        esc.Value,
		Severity:     esc.Severity,
		Note:         note,
	})
}
