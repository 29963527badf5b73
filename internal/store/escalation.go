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

const escalationColumns = `id, metric, value, severity, opened_at, resolved_at, resolution_note`

// EscalationFilter narrows escalation reads.
type EscalationFilter struct {
	Metric        string
	ExcludeMetric string
	OpenOnly      bool
	OpenedBefore  time.Time // exclusive
	Limit         int
}

func (f EscalationFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Metric != "" {
		conds = append(conds, "metric = ?")
		args = append(args, f.Metric)
	}
	if f.ExcludeMetric != "" {
		conds = append(conds, "metric <> ?")
		args = append(args, f.ExcludeMetric)
	}
	if f.OpenOnly {
		conds = append(conds, "resolved_at IS NULL")
	}
	if !f.OpenedBefore.IsZero() {
		conds = append(conds, "opened_at < ?")
		args = append(args, f.OpenedBefore.UTC().UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEscalation(s rowScanner) (model.Escalation, error) {
	var (
		e        model.Escalation
		severity string
		openedAt int64
		resolved sql.NullInt64
		note     sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Metric, &e.Value, &severity, &openedAt, &resolved, &note); err != nil {
		return e, err
	}
	e.Severity = model.Severity(severity)
	e.OpenedAt = fromNanos(openedAt)
	e.ResolvedAt = fromNullNanos(resolved)
	e.ResolutionNote = note.String
	return e, nil
}

// FindOpenEscalation returns the open escalation for metric, or ErrNotFound.
func (d *DB) FindOpenEscalation(ctx context.Context, metric string) (model.Escalation, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`SELECT `+escalationColumns+` FROM escalations
		WHERE metric = ? AND resolved_at IS NULL`), metric)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("store: find open escalation: %w", err)
	}
	return e, nil
}

// GetEscalation loads one escalation by id.
func (d *DB) GetEscalation(ctx context.Context, id string) (model.Escalation, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`SELECT `+escalationColumns+` FROM escalations WHERE id = ?`), id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("store: get escalation: %w", err)
	}
	return e, nil
}

// OpenEscalation finds or creates the open escalation for e.Metric. The
// partial unique index rejects a second open row, so when a concurrent
// engine wins the insert the existing row is returned instead. created
// reports whether e was inserted.
func (d *DB) OpenEscalation(ctx context.Context, e model.Escalation) (model.Escalation, bool, error) {
	if existing, err := d.FindOpenEscalation(ctx, e.Metric); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.Escalation{}, false, err
	}

	_, err := d.db.ExecContext(ctx, d.rebind(`INSERT INTO escalations
		(`+escalationColumns+`) VALUES (?, ?, ?, ?, ?, NULL, NULL)`),
		e.ID, e.Metric, e.Value, string(e.Severity), e.OpenedAt.UTC().UnixNano(),
	)
	if err != nil {
		if existing, findErr := d.FindOpenEscalation(ctx, e.Metric); findErr == nil {
			return existing, false, nil
		}
		return model.Escalation{}, false, fmt.Errorf("store: insert escalation: %w", err)
	}
	e.ResolvedAt = nil
	return e, true, nil
}

// ResolveEscalation stamps resolved_at and the note on an open escalation.
// It reports false if the escalation was already resolved.
func (d *DB) ResolveEscalation(ctx context.Context, id string, at time.Time, note string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.rebind(`UPDATE escalations
		SET resolved_at = ?, resolution_note = ?
		WHERE id = ? AND resolved_at IS NULL`),
		at.UTC().UnixNano(), nullString(note), id,
	)
	if err != nil {
		return false, fmt.Errorf("store: resolve escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: resolve escalation rows: %w", err)
	}
	return n == 1, nil
}

// RaiseEscalationSeverity moves an open escalation from severity from to
// severity to and records value. It reports false if the row was resolved or
// its severity changed underneath.
func (d *DB) RaiseEscalationSeverity(ctx context.Context, id string, from, to model.Severity, value float64) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.rebind(`UPDATE escalations
		SET severity = ?, value = ?
		WHERE id = ? AND resolved_at IS NULL AND severity = ?`),
		string(to), value, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("store: raise escalation severity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: raise escalation severity rows: %w", err)
	}
	return n == 1, nil
}

// ListEscalations returns escalations matching f, newest first.
func (d *DB) ListEscalations(ctx context.Context, f EscalationFilter) ([]model.Escalation, error) {
	where, args := f.where()
	query := `SELECT ` + escalationColumns + ` FROM escalations` + where + ` ORDER BY opened_at DESC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list escalations: %w", err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list escalations row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEscalations counts escalations matching f.
func (d *DB) CountEscalations(ctx context.Context, f EscalationFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := d.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM escalations`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count escalations: %w", err)
	}
	return n, nil
}
