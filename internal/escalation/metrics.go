package escalation

import (
	"context"
	"time"

	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// Metric names.
const (
	MetricExpiredPending      = "approvals_expired_pending"
	MetricDestructiveVelocity = "destructive_velocity"
	MetricNewSessionOrigin    = "new_session_origin"
	MetricStaleEscalations    = "stale_escalations"
)

// Source samples one control-health metric.
type Source interface {
	Name() string
	Sample(ctx context.Context, now time.Time) (float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	Metric string
	Fn     func(ctx context.Context, now time.Time) (float64, error)
}

func (s SourceFunc) Name() string { return s.Metric }

func (s SourceFunc) Sample(ctx context.Context, now time.Time) (float64, error) {
	return s.Fn(ctx, now)
}

// Reader is the read side of the store the built-in sources query.
type Reader interface {
	CountApprovals(ctx context.Context, f store.ApprovalFilter) (int, error)
	TopActorCount(ctx context.Context, actions []model.Action, since time.Time) (string, int, error)
	NewOriginActors(ctx context.Context, since time.Time) (int, error)
	CountEscalations(ctx context.Context, f store.EscalationFilter) (int, error)
}

// BuiltinSources returns the four standard control-health metrics.
func BuiltinSources(r Reader, cfg Config) []Source {
	return []Source{
		// Undecided requests past expiry. Sweep flips them to expired, so
		// those stay counted until their expiry leaves the lookback.
		SourceFunc{MetricExpiredPending, func(ctx context.Context, now time.Time) (float64, error) {
			pending, err := r.CountApprovals(ctx, store.ApprovalFilter{
				Status:        model.StatusPending,
				ExpiresBefore: now,
			})
			if err != nil {
				return 0, err
			}
			lookback := cfg.ExpiredLookback
			if lookback <= 0 {
				lookback = 24 * time.Hour
			}
			swept, err := r.CountApprovals(ctx, store.ApprovalFilter{
				Status:        model.StatusExpired,
				ExpiresBefore: now,
				ExpiresAfter:  now.Add(-lookback),
			})
			return float64(pending + swept), err
		}},
		// Highest destructive action count of any single admin in the window.
		SourceFunc{MetricDestructiveVelocity, func(ctx context.Context, now time.Time) (float64, error) {
			_, n, err := r.TopActorCount(ctx, model.DestructiveActions(), now.Add(-cfg.VelocityWindow))
			return float64(n), err
		}},
		SourceFunc{MetricNewSessionOrigin, func(ctx context.Context, now time.Time) (float64, error) {
			n, err := r.NewOriginActors(ctx, now.Add(-cfg.OriginLookback))
			return float64(n), err
		}},
		// Counts every other open escalation older than StaleAfter; its own
		// escalation is excluded so it cannot keep itself open.
		SourceFunc{MetricStaleEscalations, func(ctx context.Context, now time.Time) (float64, error) {
			n, err := r.CountEscalations(ctx, store.EscalationFilter{
				OpenOnly:      true,
				OpenedBefore:  now.Add(-cfg.StaleAfter),
				ExcludeMetric: MetricStaleEscalations,
			})
			return float64(n), err
		}},
	}
}
