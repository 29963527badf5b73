package escalation

import (
	"fmt"
	"time"

	"github.com/ppiankov/adminguard/internal/model"
)

// Threshold holds the severity bands for one metric. A value at or above
// InfoAt is a breach. A zero InfoAt disables the metric.
type Threshold struct {
	InfoAt     float64 `yaml:"info_at"`
	WarningAt  float64 `yaml:"warning_at"`
	CriticalAt float64 `yaml:"critical_at"`
}

// Band returns the severity for value and whether it breaches at all.
func (t Threshold) Band(value float64) (model.Severity, bool) {
	switch {
	case t.InfoAt <= 0 || value < t.InfoAt:
		return "", false
	case t.CriticalAt > 0 && value >= t.CriticalAt:
		return model.SeverityCritical, true
	case t.WarningAt > 0 && value >= t.WarningAt:
		return model.SeverityWarning, true
	default:
		return model.SeverityInfo, true
	}
}

// Validate rejects bands that are out of order.
func (t Threshold) Validate() error {
	if t.InfoAt < 0 || t.WarningAt < 0 || t.CriticalAt < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if t.WarningAt > 0 && t.WarningAt < t.InfoAt {
		return fmt.Errorf("warning_at %g below info_at %g", t.WarningAt, t.InfoAt)
	}
	if t.CriticalAt > 0 && (t.CriticalAt < t.InfoAt || (t.WarningAt > 0 && t.CriticalAt < t.WarningAt)) {
		return fmt.Errorf("critical_at %g below lower bands", t.CriticalAt)
	}
	return nil
}

// Config controls the engine.
type Config struct {
	Interval       time.Duration        `yaml:"interval"`
	Thresholds     map[string]Threshold `yaml:"thresholds"`
	VelocityWindow time.Duration        `yaml:"velocity_window"`
	OriginLookback time.Duration        `yaml:"origin_lookback"`
	StaleAfter     time.Duration        `yaml:"stale_after"`
	// ExpiredLookback keeps swept requests counted as expired-pending until
	// their expiry is this old.
	ExpiredLookback time.Duration `yaml:"expired_lookback"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
}

// DefaultConfig returns a one-minute tick and conservative bands.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Thresholds: map[string]Threshold{
			MetricExpiredPending:      {InfoAt: 1, WarningAt: 5, CriticalAt: 20},
			MetricDestructiveVelocity: {InfoAt: 4, WarningAt: 5, CriticalAt: 10},
			MetricNewSessionOrigin:    {InfoAt: 1, WarningAt: 3, CriticalAt: 10},
			MetricStaleEscalations:    {InfoAt: 1, WarningAt: 3, CriticalAt: 10},
		},
		VelocityWindow:  time.Hour,
		OriginLookback:  time.Hour,
		StaleAfter:      72 * time.Hour,
		ExpiredLookback: 24 * time.Hour,
		LeaseTTL:        30 * time.Second,
	}
}

// Validate checks every band and duration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("escalation interval must be positive")
	}
	for metric, t := range c.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("escalation threshold %s: %w", metric, err)
		}
	}
	return nil
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 3
	case model.SeverityWarning:
		return 2
	case model.SeverityInfo:
		return 1
	}
	return 0
}
