package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/adminguard/internal/model"
)

const approvalColumns = `id, action, target_type, target_id, payload, requested_by,
	requested_by_email, requested_at, reason, expires_at, status, decided_by, decided_at, decision_note`

// ApprovalFilter narrows approval reads on stored state. Zero fields do not filter.
type ApprovalFilter struct {
	Status        model.ApprovalStatus
	RequestedBy   string
	ExpiresBefore time.Time // exclusive
	ExpiresAfter  time.Time // inclusive
	Limit         int
}

func (f ApprovalFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RequestedBy != "" {
		conds = append(conds, "requested_by = ?")
		args = append(args, f.RequestedBy)
	}
	if !f.ExpiresBefore.IsZero() {
		conds = append(conds, "expires_at < ?")
		args = append(args, f.ExpiresBefore.UTC().UnixNano())
	}
	if !f.ExpiresAfter.IsZero() {
		conds = append(conds, "expires_at >= ?")
		args = append(args, f.ExpiresAfter.UTC().UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *sqlTx) InsertApproval(ctx context.Context, req model.ApprovalRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, t.db.rebind(`INSERT INTO approval_requests
		(`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID, string(req.Action), nullString(req.TargetType), nullString(req.TargetID),
		string(payload), req.RequestedBy, req.RequestedByEmail, req.RequestedAt.UTC().UnixNano(),
		req.Reason, req.ExpiresAt.UTC().UnixNano(), string(req.Status),
		nullString(req.DecidedBy), nullTime(req.DecidedAt), nullString(req.DecisionNote),
	)
	if err != nil {
		return fmt.Errorf("store: insert approval request: %w", err)
	}
	return nil
}

// ResolveApproval is a conditional single-row update: only a request still
// stored as pending and not past expiry at the decision time moves, so
// concurrent deciders see exactly one winner.
func (t *sqlTx) ResolveApproval(ctx context.Context, id string, to model.ApprovalStatus, decidedBy, note string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.db.rebind(`UPDATE approval_requests
		SET status = ?, decided_by = ?, decided_at = ?, decision_note = ?
		WHERE id = ? AND status = ? AND expires_at >= ?`),
		string(to), decidedBy, at.UTC().UnixNano(), nullString(note), id, string(model.StatusPending),
		at.UTC().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("store: resolve approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: resolve approval rows: %w", err)
	}
	return n == 1, nil
}

func (t *sqlTx) ExpireApproval(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.db.rebind(`UPDATE approval_requests
		SET status = ? WHERE id = ? AND status = ? AND expires_at < ?`),
		string(model.StatusExpired), id, string(model.StatusPending), now.UTC().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("store: expire approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: expire approval rows: %w", err)
	}
	return n == 1, nil
}

func scanApproval(s rowScanner) (model.ApprovalRequest, error) {
	var (
		req                             model.ApprovalRequest
		action, payload, status         string
		targetType, targetID, decidedBy sql.NullString
		note                            sql.NullString
		requestedAt, expiresAt          int64
		decidedAt                       sql.NullInt64
	)
	err := s.Scan(&req.ID, &action, &targetType, &targetID, &payload, &req.RequestedBy,
		&req.RequestedByEmail, &requestedAt, &req.Reason, &expiresAt, &status,
		&decidedBy, &decidedAt, &note)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
		return req, fmt.Errorf("decode payload: %w", err)
	}
	req.Action = model.Action(action)
	req.TargetType = targetType.String
	req.TargetID = targetID.String
	req.RequestedAt = fromNanos(requestedAt)
	req.ExpiresAt = fromNanos(expiresAt)
	req.Status = model.ApprovalStatus(status)
	req.DecidedBy = decidedBy.String
	req.DecidedAt = fromNullNanos(decidedAt)
	req.DecisionNote = note.String
	return req, nil
}

// GetApproval loads one approval request.
func (d *DB) GetApproval(ctx context.Context, id string) (model.ApprovalRequest, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`), id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, fmt.Errorf("store: get approval request: %w", err)
	}
	return req, nil
}

// ListApprovals returns approval requests matching f, oldest first.
func (d *DB) ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error) {
	where, args := f.where()
	query := `SELECT ` + approvalColumns + ` FROM approval_requests` + where + ` ORDER BY requested_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list approvals row: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountApprovals counts approval requests matching f.
func (d *DB) CountApprovals(ctx context.Context, f ApprovalFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := d.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM approval_requests`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count approvals: %w", err)
	}
	return n, nil
}
