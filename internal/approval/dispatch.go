package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/adminguard/internal/model"
)

// DomainOps performs the real mutations. Implementations report a missing
// target as an error; nothing here retries.
type DomainOps interface {
	DeleteUser(ctx context.Context, userID string) error
	AnonymizeUser(ctx context.Context, userID string) error
	BulkReject(ctx context.Context, applicationIDs []string) error
	BulkSuspend(ctx context.Context, applicationIDs []string) error
}

// ValidatePayload checks that payload carries what action needs.
func ValidatePayload(action model.Action, payload model.Payload) error {
	switch action {
	case model.ActionUserDelete, model.ActionUserAnonymize:
		if strings.TrimSpace(payload.UserID) == "" {
			return fmt.Errorf("%w: %s needs user_id", ErrInvalidPayload, action)
		}
	case model.ActionBulkReject, model.ActionBulkSuspend:
		if len(payload.TargetIDs) == 0 {
			return fmt.Errorf("%w: %s needs target_ids", ErrInvalidPayload, action)
		}
		for _, id := range payload.TargetIDs {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%w: empty id in target_ids", ErrInvalidPayload)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return nil
}

// ExecuteApprovedAction maps a stored action and payload onto the domain
// operation. The set of executable actions is closed.
func ExecuteApprovedAction(ctx context.Context, ops DomainOps, action model.Action, payload model.Payload) error {
	if err := ValidatePayload(action, payload); err != nil {
		return err
	}
	switch action {
	case model.ActionUserDelete:
		return ops.DeleteUser(ctx, payload.UserID)
	case model.ActionUserAnonymize:
		return ops.AnonymizeUser(ctx, payload.UserID)
	case model.ActionBulkReject:
		return ops.BulkReject(ctx, payload.TargetIDs)
	case model.ActionBulkSuspend:
		return ops.BulkSuspend(ctx, payload.TargetIDs)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}
