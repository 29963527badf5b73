package model

import (
	"encoding/json"
	"time"
)

// AuditRecord is one immutable ledger row. Empty optional strings are stored as NULL.
type AuditRecord struct {
	ID         int64           `json:"id"`
	ActorID    string          `json:"actor_id"`
	ActorEmail string          `json:"actor_email"`
	Action     Action          `json:"action"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Details    json.RawMessage `json:"details"`
	Reason     string          `json:"reason,omitempty"`
	ClientIP   string          `json:"client_ip"`
	SessionID  string          `json:"session_id"`
	CreatedAt  time.Time       `json:"created_at"`
	PrevHash   string          `json:"prev_hash"`
	RowHash    string          `json:"row_hash"`
}

// ApprovalStatus is the stored state of an approval request.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusExpired  ApprovalStatus = "expired"
)

// Payload carries the exact arguments needed to execute a gated action later.
type Payload struct {
	UserID    string   `json:"user_id,omitempty"`
	TargetIDs []string `json:"target_ids,omitempty"`
}

// ApprovalRequest is a pending or resolved request to run a gated destructive action.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	Action           Action         `json:"action"`
	TargetType       string         `json:"target_type,omitempty"`
	TargetID         string         `json:"target_id,omitempty"`
	Payload          Payload        `json:"payload"`
	RequestedBy      string         `json:"requested_by"`
	RequestedByEmail string         `json:"requested_by_email"`
	RequestedAt      time.Time      `json:"requested_at"`
	Reason           string         `json:"reason"`
	ExpiresAt        time.Time      `json:"expires_at"`
	Status           ApprovalStatus `json:"status"`
	DecidedBy        string         `json:"decided_by,omitempty"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	DecisionNote     string         `json:"decision_note,omitempty"`
}

// EffectiveStatus derives the read-time status: a stored pending request past
// its expiry is expired regardless of whether a sweep has run.
func (r ApprovalRequest) EffectiveStatus(now time.Time) ApprovalStatus {
	if r.Status == StatusPending && now.After(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Actionable reports whether the request can still be decided.
func (r ApprovalRequest) Actionable(now time.Time) bool {
	return r.EffectiveStatus(now) == StatusPending
}

// Severity grades an escalation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Escalation is a derived signal that a control metric breached its threshold.
type Escalation struct {
	ID             string     `json:"id"`
	Metric         string     `json:"metric"`
	Value          float64    `json:"value"`
	Severity       Severity   `json:"severity"`
	OpenedAt       time.Time  `json:"opened_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}

// Open reports whether the escalation is unresolved.
func (e Escalation) Open() bool {
	return e.ResolvedAt == nil
}
