package gate

import (
	"errors"
	"fmt"

	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/ratelimit"
)

var (
	// ErrInvalidReason is wrapped by every reason validation failure.
	ErrInvalidReason  = errors.New("invalid reason")
	ErrReasonRequired = errors.New("reason required")
	ErrReasonTooShort = errors.New("reason too short")
	ErrReasonTooLong  = errors.New("reason too long")

	// ErrRateLimited is wrapped by *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
)

// ReasonError names the violated reason bound. It matches both its
// specific sentinel and ErrInvalidReason.
type ReasonError struct {
	Err error
	Min int
	Max int
}

func (e *ReasonError) Error() string {
	switch e.Err {
	case ErrReasonRequired:
		return "reason is required for destructive actions"
	case ErrReasonTooShort:
		return fmt.Sprintf("reason must be at least %d characters", e.Min)
	case ErrReasonTooLong:
		return fmt.Sprintf("reason must be at most %d characters", e.Max)
	default:
		return "invalid reason"
	}
}

func (e *ReasonError) Unwrap() []error {
	return []error{e.Err, ErrInvalidReason}
}

// RateLimitError reports a destructive action refused by the sliding window.
type RateLimitError struct {
	ActorID string
	Action  model.Action
	Count   int
	Limit   ratelimit.Limit
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded: " + e.Limit.String()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
