package store

import (
	"context"
	"fmt"
)

// schema is valid for both sqlite and postgres. Timestamps are unix nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		id          BIGINT PRIMARY KEY,
		actor_id    TEXT NOT NULL,
		actor_email TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_type TEXT NULL,
		target_id   TEXT NULL,
		details     TEXT NOT NULL,
		reason      TEXT NULL,
		client_ip   TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		created_at  BIGINT NOT NULL,
		prev_hash   TEXT NOT NULL,
		row_hash    TEXT NOT NULL
	)`,
	// a second row claiming the same predecessor would fork the chain
	`CREATE UNIQUE INDEX IF NOT EXISTS audit_records_prev_hash ON audit_records (prev_hash)`,
	`CREATE INDEX IF NOT EXISTS audit_records_actor_action_created ON audit_records (actor_id, action, created_at)`,
	`CREATE INDEX IF NOT EXISTS audit_records_created ON audit_records (created_at)`,

	`CREATE TABLE IF NOT EXISTS approval_requests (
		id                 TEXT PRIMARY KEY,
		action             TEXT NOT NULL,
		target_type        TEXT NULL,
		target_id          TEXT NULL,
		payload            TEXT NOT NULL,
		requested_by       TEXT NOT NULL,
		requested_by_email TEXT NOT NULL,
		requested_at       BIGINT NOT NULL,
		reason             TEXT NOT NULL,
		expires_at         BIGINT NOT NULL,
		status             TEXT NOT NULL,
		decided_by         TEXT NULL,
		decided_at         BIGINT NULL,
		decision_note      TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS approval_requests_status_expires ON approval_requests (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS escalations (
		id              TEXT PRIMARY KEY,
		metric          TEXT NOT NULL,
		value           DOUBLE PRECISION NOT NULL,
		severity        TEXT NOT NULL,
		opened_at       BIGINT NOT NULL,
		resolved_at     BIGINT NULL,
		resolution_note TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS escalations_metric_resolved ON escalations (metric, resolved_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS escalations_one_open ON escalations (metric) WHERE resolved_at IS NULL`,
}

// Migrate creates tables and indexes if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
