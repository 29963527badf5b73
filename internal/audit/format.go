package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/adminguard/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders ledger rows as a human-readable text timeline.
func FormatTimeline(recs []model.AuditRecord) string {
	if len(recs) == 0 {
		return "No ledger entries.\n"
	}

	var b strings.Builder
	first, last := recs[0], recs[len(recs)-1]
	b.WriteString(fmt.Sprintf("Ledger #%d–#%d | %s–%s UTC\n",
		first.ID, last.ID,
		first.CreatedAt.Format("2006-01-02 15:04:05"),
		last.CreatedAt.Format("15:04:05")))
	b.WriteString(separator + "\n")

	destructive, denied := 0, 0
	for _, r := range recs {
		target := r.TargetType
		if r.TargetID != "" {
			target += ":" + r.TargetID
		}
		tag := ""
		if r.Action.IsDestructive() {
			tag = "  [destructive]"
			destructive++
		}
		if strings.Contains(string(r.Action), "denied") {
			denied++
		}
		b.WriteString(fmt.Sprintf("%-6d %-8s %-24s %-30s %-28s%s\n",
			r.ID,
			r.CreatedAt.Format("15:04:05"),
			clip(r.ActorEmail, 24),
			clip(string(r.Action), 30),
			clip(target, 28),
			tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("Summary: %d entries, %d destructive, %d denied | tip %s\n",
		len(recs), destructive, denied, clip(last.RowHash, 23)))
	return b.String()
}

// FormatJSON renders ledger rows as indented JSON.
func FormatJSON(recs []model.AuditRecord) (string, error) {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal ledger rows: %w", err)
	}
	return string(data), nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
