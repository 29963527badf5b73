package governor

import (
	"errors"

	"github.com/ppiankov/adminguard/internal/approval"
	"github.com/ppiankov/adminguard/internal/domainops"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/store"
)

// Kind groups errors by how callers should treat them.
type Kind int

const (
	KindNone Kind = iota
	// KindValidation: bad input, nothing happened, nothing audited.
	KindValidation
	// KindPolicy: refused by a governance rule, the refusal is audited.
	KindPolicy
	// KindNotFound: the request or the domain target does not exist.
	KindNotFound
	// KindInternal: store or backend failure, the action did not happen.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// ExecutionError wraps a domain operation failure for a directly executed action.
type ExecutionError struct {
	Action model.Action
	Err    error
}

func (e *ExecutionError) Error() string {
	return "execute " + string(e.Action) + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Classify maps err onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, gate.ErrInvalidReason),
		errors.Is(err, approval.ErrInvalidPayload),
		errors.Is(err, approval.ErrInvalidOutcome),
		errors.Is(err, approval.ErrUnknownAction),
		errors.Is(err, approval.ErrInvalidActor):
		return KindValidation
	case errors.Is(err, gate.ErrRateLimited),
		errors.Is(err, approval.ErrSelfApproval),
		errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrExpired):
		return KindPolicy
	case errors.Is(err, approval.ErrNotFound),
		errors.Is(err, domainops.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
