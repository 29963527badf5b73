package model

import "strings"

// Action is the symbolic name of an administrative action as recorded in the ledger.
type Action string

// Destructive actions. This set is closed: only these can be gated or approved.
const (
	ActionUserDelete    Action = "user_delete"
	ActionUserAnonymize Action = "user_anonymize"
	ActionBulkReject    Action = "bulk_reject"
	ActionBulkSuspend   Action = "bulk_suspend"
)

// Governance facts recorded around destructive actions.
const (
	ActionApprovalRequested       Action = "approval_requested"
	ActionApprovalApproved        Action = "approval_approved"
	ActionApprovalRejected        Action = "approval_rejected"
	ActionApprovalExpired         Action = "approval_expired"
	ActionApprovalDeniedRateLimit Action = "approval_denied_rate_limit"
	ActionApprovalDeniedSelf      Action = "approval_denied_self"
	ActionApprovalDeniedInactive  Action = "approval_denied_not_actionable"
	ActionApprovalExecutionFailed Action = "approval_execution_failed"
	ActionDestructiveDeniedLimit  Action = "destructive_denied_rate_limit"
	ActionExecutionFailed         Action = "action_execution_failed"
	ActionExecutionSucceeded      Action = "action_execution_succeeded"
)

var destructive = map[Action]bool{
	ActionUserDelete:    true,
	ActionUserAnonymize: true,
	ActionBulkReject:    true,
	ActionBulkSuspend:   true,
}

// DestructiveActions returns the destructive set in a stable order.
func DestructiveActions() []Action {
	return []Action{ActionUserDelete, ActionUserAnonymize, ActionBulkReject, ActionBulkSuspend}
}

// IsDestructive reports whether a is in the destructive set.
func (a Action) IsDestructive() bool {
	return destructive[a]
}

// IsBulk reports whether a operates on a list of target ids.
func (a Action) IsBulk() bool {
	return a == ActionBulkReject || a == ActionBulkSuspend
}

// TargetType returns the kind of object the action operates on.
func (a Action) TargetType() string {
	switch a {
	case ActionUserDelete, ActionUserAnonymize:
		return "user"
	case ActionBulkReject, ActionBulkSuspend:
		return "application"
	default:
		return ""
	}
}

// ParseAction normalizes s and returns it as an Action.
func ParseAction(s string) Action {
	return Action(strings.ToLower(strings.TrimSpace(s)))
}

// Actor is an authenticated administrative principal. Never anonymous.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Valid reports whether the actor carries an identifier.
func (a Actor) Valid() bool {
	return strings.TrimSpace(a.ID) != ""
}

// RequestMeta is the provenance attached to every ledger entry.
type RequestMeta struct {
	ClientIP  string `json:"client_ip"`
	SessionID string `json:"session_id"`
}
