package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Records  int    `json:"records"`
	FirstID  int64  `json:"first_id,omitempty"`
	LastID   int64  `json:"last_id,omitempty"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Error    string `json:"error,omitempty"`
}

// errStop ends a scan early once a broken link is found.
var errStop = errors.New("stop")

// VerifyChain re-walks rows with fromID <= id <= toID in insertion order,
// recomputing each row hash from the stored fields and the previous row's
// stored hash. It reports the first row whose link does not hold. toID <= 0
// means the end of the ledger. It takes no write lock.
func (l *Ledger) VerifyChain(ctx context.Context, fromID, toID int64) (VerifyResult, error) {
	if fromID < 1 {
		fromID = 1
	}

	expectedPrev := GenesisHash
	expectedID := fromID
	if fromID > 1 {
		prev, err := l.store.GetAudit(ctx, fromID-1)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return VerifyResult{
					BrokenAt: fromID,
					Error:    fmt.Sprintf("predecessor %d of range start is missing", fromID-1),
				}, nil
			}
			return VerifyResult{}, fmt.Errorf("audit: verify: load predecessor: %w", err)
		}
		expectedPrev = prev.RowHash
	}

	result := VerifyResult{Valid: true}
	err := l.store.ScanAudit(ctx, fromID, toID, func(rec model.AuditRecord) error {
		if result.Records == 0 {
			result.FirstID = rec.ID
		}
		result.Records++
		result.LastID = rec.ID

		broken := func(msg string) error {
			result.Valid = false
			result.BrokenAt = rec.ID
			result.Error = msg
			return errStop
		}

		if rec.ID != expectedID {
			return broken(fmt.Sprintf("gap: expected id %d, got %d", expectedID, rec.ID))
		}
		if rec.PrevHash != expectedPrev {
			return broken(fmt.Sprintf("prev_hash mismatch: expected %s, got %s", expectedPrev, rec.PrevHash))
		}
		computed, err := RowHash(rec.PrevHash, rec)
		if err != nil {
			return broken(err.Error())
		}
		if computed != rec.RowHash {
			return broken(fmt.Sprintf("row_hash mismatch: stored %s, computed %s", rec.RowHash, computed))
		}

		expectedPrev = rec.RowHash
		expectedID = rec.ID + 1
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return VerifyResult{}, fmt.Errorf("audit: verify: %w", err)
	}
	return result, nil
}
