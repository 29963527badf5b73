package approval

import "errors"

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrNotPending     = errors.New("already decided")
	ErrExpired        = errors.New("approval request expired")
	ErrSelfApproval   = errors.New("requester cannot decide their own request")
	ErrUnknownAction  = errors.New("action cannot be approved")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidOutcome = errors.New("outcome must be approved or rejected")
	ErrInvalidActor   = errors.New("actor is required")
)
