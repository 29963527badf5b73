package approval

import (
	"time"

	"github.com/ppiankov/adminguard/internal/model"
)

// DefaultExpiry is how long an undecided request stays actionable.
const DefaultExpiry = 24 * time.Hour

// Policy decides which destructive actions need a second admin.
type Policy struct {
	// BulkThreshold is the item count above which bulk actions need
	// approval. Zero disables approvals entirely.
	BulkThreshold int           `yaml:"bulk_threshold"`
	Expiry        time.Duration `yaml:"expiry"`
}

// Enabled reports whether the approval requirement is switched on.
func (p Policy) Enabled() bool {
	return p.BulkThreshold > 0
}

// RequiresApproval reports whether action with payload must go through
// Submit instead of running directly.
func (p Policy) RequiresApproval(action model.Action, payload model.Payload) bool {
	if !p.Enabled() {
		return false
	}
	switch action {
	case model.ActionUserDelete, model.ActionUserAnonymize:
		return true
	case model.ActionBulkReject, model.ActionBulkSuspend:
		return len(payload.TargetIDs) > p.BulkThreshold
	default:
		return false
	}
}

func (p Policy) expiry() time.Duration {
	if p.Expiry <= 0 {
		return DefaultExpiry
	}
	return p.Expiry
}
