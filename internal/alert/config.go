package alert

import "github.com/ppiankov/adminguard/internal/model"

// Event types.
const (
	EventOpened   = "escalation_opened"
	EventResolved = "escalation_resolved"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL         string            `yaml:"url"          json:"url"`
	Format      string            `yaml:"format"       json:"format"` // "generic", "slack", "pagerduty"
	Events      []string          `yaml:"events"       json:"events"` // ["escalation_opened", "escalation_resolved"]; empty means all
	MinSeverity model.Severity    `yaml:"min_severity" json:"min_severity"`
	Headers     map[string]string `yaml:"headers"      json:"headers"`
}

// AlertEvent describes an escalation opening or resolving.
type AlertEvent struct {
	Type         string         `json:"type"`
	Timestamp    string         `json:"timestamp"`
	EscalationID string         `json:"escalation_id"`
	Metric       string         `json:"metric"`
	Value        float64        `json:"value"`
	Severity     model.Severity `json:"severity"`
	Note         string         `json:"note,omitempty"`
}

// severityRank orders severities for MinSeverity filtering.
func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 3
	case model.SeverityWarning:
		return 2
	case model.SeverityInfo:
		return 1
	default:
		return 0
	}
}
