package alert

import (
	"encoding/json"
	"fmt"

	"github.com/ppiankov/adminguard/internal/model"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Metric:* %s", event.Metric)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Value:* %g", event.Value)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", event.Severity)},
	}
	if event.Note != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Note:* %s", event.Note)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("adminguard: %s", headline(event)),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	action := "trigger"
	if event.Type == EventResolved {
		action = "resolve"
	}

	payload := map[string]any{
		"event_action": action,
		"dedup_key":    "adminguard-" + event.EscalationID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("adminguard %s: %s = %g", headline(event), event.Metric, event.Value),
			"severity": pagerDutySeverity(event.Severity),
			"source":   "adminguard",
			"custom_details": map[string]any{
				"metric":        event.Metric,
				"value":         event.Value,
				"escalation_id": event.EscalationID,
				"note":          event.Note,
			},
		},
	}
	return json.Marshal(payload)
}

func headline(event AlertEvent) string {
	if event.Type == EventResolved {
		return "escalation resolved"
	}
	return "escalation opened"
}

func pagerDutySeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "critical"
	case model.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
