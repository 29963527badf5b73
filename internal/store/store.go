// Package store persists ledger rows, approval requests and escalations in a
// relational database. SQLite (embedded) and PostgreSQL are supported; every
// write transaction holds the chain lock so ledger appends are serialized.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/adminguard/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// chainLockKey is the postgres advisory lock key guarding ledger appends.
const chainLockKey int64 = 0x61646d6e67726431

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
)

// DB is the relational store shared by the ledger, workflow and engine.
type DB struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// Open connects to the database. For sqlite, dsn is a file path (or ":memory:").
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil && strings.Contains(dsn, ":memory:") {
			// every connection would otherwise see its own empty database
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	return &DB{db: db, driver: driver, log: log}, nil
}

// sqliteDSN adds the pragmas needed for concurrent use: WAL for readers
// alongside a writer, a busy timeout so writers queue instead of failing,
// and immediate transactions so the write lock is taken at BEGIN.
func sqliteDSN(path string) string {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	params := []string{
		"_pragma=busy_timeout(10000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	if !strings.Contains(path, ":memory:") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return dsn + sep + strings.Join(params, "&")
}

// Driver returns the active driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// InTx runs fn in a write transaction holding the chain lock. The
// transaction commits if fn returns nil and rolls back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}

	if d.driver == DriverPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: chain lock: %w", err)
		}
	}

	if err := fn(&sqlTx{tx: tx, db: d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Tx is a write transaction. All ledger appends and state transitions run
// through it so a transition and its audit row commit together.
type Tx interface {
	// ChainTip returns the most recently inserted ledger row by insertion
	// order. It returns the zero Tip for an empty ledger.
	ChainTip(ctx context.Context) (Tip, error)
	InsertAudit(ctx context.Context, rec model.AuditRecord) error
	// CountAudit counts ledger rows matching f, including rows written
	// earlier in this transaction.
	CountAudit(ctx context.Context, f AuditFilter) (int, error)
	InsertApproval(ctx context.Context, req model.ApprovalRequest) error
	// ResolveApproval moves a request out of pending. It reports false when
	// the request was no longer pending or had expired by at.
	ResolveApproval(ctx context.Context, id string, to model.ApprovalStatus, decidedBy, note string, at time.Time) (bool, error)
	// ExpireApproval marks a stored pending request expired if it is past expiry.
	ExpireApproval(ctx context.Context, id string, now time.Time) (bool, error)
}

// Tip identifies the current end of the ledger chain.
type Tip struct {
	ID        int64
	Hash      string
	CreatedAt time.Time
}

type sqlTx struct {
	tx *sql.Tx
	db *DB
}

// rebind converts ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
