package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/adminguard/internal/model"
)

const auditColumns = `id, actor_id, actor_email, action, target_type, target_id, details,
	reason, client_ip, session_id, created_at, prev_hash, row_hash`

// AuditFilter narrows ledger reads. Zero fields do not filter.
type AuditFilter struct {
	ActorID string
	Actions []model.Action
	Since   time.Time // inclusive
	Until   time.Time // exclusive
	Limit   int
	// Newest returns the most recent rows first.
	Newest bool
}

func (f AuditFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		conds = append(conds, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UTC().UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *sqlTx) ChainTip(ctx context.Context) (Tip, error) {
	var (
		tip       Tip
		createdAt int64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT id, row_hash, created_at FROM audit_records
		ORDER BY id DESC LIMIT 1`).Scan(&tip.ID, &tip.Hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{}, nil
	}
	if err != nil {
		return Tip{}, fmt.Errorf("store: chain tip: %w", err)
	}
	tip.CreatedAt = fromNanos(createdAt)
	return tip, nil
}

func (t *sqlTx) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	_, err := t.tx.ExecContext(ctx, t.db.rebind(`INSERT INTO audit_records
		(`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ActorID, rec.ActorEmail, string(rec.Action),
		nullString(rec.TargetType), nullString(rec.TargetID), string(rec.Details),
		nullString(rec.Reason), rec.ClientIP, rec.SessionID,
		rec.CreatedAt.UTC().UnixNano(), rec.PrevHash, rec.RowHash,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit record: %w", err)
	}
	return nil
}

func (t *sqlTx) CountAudit(ctx context.Context, f AuditFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := t.tx.QueryRowContext(ctx, t.db.rebind(`SELECT COUNT(*) FROM audit_records`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count audit: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(s rowScanner) (model.AuditRecord, error) {
	var (
		rec                       model.AuditRecord
		action, details           string
		targetType, targetID, rsn sql.NullString
		createdAt                 int64
	)
	err := s.Scan(&rec.ID, &rec.ActorID, &rec.ActorEmail, &action, &targetType, &targetID,
		&details, &rsn, &rec.ClientIP, &rec.SessionID, &createdAt, &rec.PrevHash, &rec.RowHash)
	if err != nil {
		return rec, err
	}
	rec.Action = model.Action(action)
	rec.TargetType = targetType.String
	rec.TargetID = targetID.String
	rec.Details = []byte(details)
	rec.Reason = rsn.String
	rec.CreatedAt = fromNanos(createdAt)
	return rec, nil
}

// ScanAudit streams ledger rows with from <= id <= to in insertion order.
// to <= 0 means no upper bound. It reads without taking the chain lock.
func (d *DB) ScanAudit(ctx context.Context, from, to int64, fn func(model.AuditRecord) error) error {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE id >= ?`
	args := []any{from}
	if to > 0 {
		query += ` AND id <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("store: scan audit: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return fmt.Errorf("store: scan audit row: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetAudit returns the ledger row with the given id.
func (d *DB) GetAudit(ctx context.Context, id int64) (model.AuditRecord, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`SELECT `+auditColumns+` FROM audit_records WHERE id = ?`), id)
	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("store: get audit record: %w", err)
	}
	return rec, nil
}

// ListAudit returns ledger rows matching f.
func (d *DB) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	where, args := f.where()
	query := `SELECT ` + auditColumns + ` FROM audit_records` + where
	if f.Newest {
		query += ` ORDER BY id DESC`
	} else {
		query += ` ORDER BY id ASC`
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list audit row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountAudit counts ledger rows matching f.
func (d *DB) CountAudit(ctx context.Context, f AuditFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := d.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM audit_records`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count audit: %w", err)
	}
	return n, nil
}

// TopActorCount returns the actor with the most rows matching actions since
// the given time, and that count. It returns ("", 0) when nothing matches.
func (d *DB) TopActorCount(ctx context.Context, actions []model.Action, since time.Time) (string, int, error) {
	where, args := AuditFilter{Actions: actions, Since: since}.where()
	query := `SELECT actor_id, COUNT(*) AS n FROM audit_records` + where +
		` GROUP BY actor_id ORDER BY n DESC, actor_id ASC LIMIT 1`

	var (
		actor string
		n     int
	)
	err := d.db.QueryRowContext(ctx, d.rebind(query), args...).Scan(&actor, &n)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("store: top actor count: %w", err)
	}
	return actor, n, nil
}

// NewOriginActors counts existing admins (with ledger history before since)
// who acted since then from a client address never seen for them before.
func (d *DB) NewOriginActors(ctx context.Context, since time.Time) (int, error) {
	cut := since.UTC().UnixNano()
	query := `SELECT COUNT(DISTINCT r.actor_id) FROM audit_records r
		WHERE r.created_at >= ? AND r.client_ip <> ''
		AND EXISTS (SELECT 1 FROM audit_records p
			WHERE p.actor_id = r.actor_id AND p.created_at < ?)
		AND NOT EXISTS (SELECT 1 FROM audit_records p
			WHERE p.actor_id = r.actor_id AND p.client_ip = r.client_ip AND p.created_at < ?)`

	var n int
	if err := d.db.QueryRowContext(ctx, d.rebind(query), cut, cut, cut).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: new origin actors: %w", err)
	}
	return n, nil
}

// LastAuditBefore returns the newest ledger row created before t.
func (d *DB) LastAuditBefore(ctx context.Context, t time.Time) (model.AuditRecord, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`SELECT `+auditColumns+` FROM audit_records
		WHERE created_at < ? ORDER BY id DESC LIMIT 1`), t.UTC().UnixNano())
	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("store: last audit before: %w", err)
	}
	return rec, nil
}
