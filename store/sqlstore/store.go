/*
Package sqlstore provides a database/sql implementation of the visit store.

PURPOSE:
  Implements every persistence interface in visit/store.go on top of
  database/sql. The same SQL runs on SQLite (mattn/go-sqlite3) and on
  PostgreSQL (pgx stdlib driver); the only dialect difference is the
  placeholder style, handled by rebind.

INTERFACES IMPLEMENTED:
  visit.Store (and through it visit.Tx, visit.TxRunner, visit.BillingStore,
  visit.JobStore)

KEY TABLES:
  contacts:           Contact snapshot + schedule JSON + occurrence counter
  routes:             Route envelopes (date, holder)
  waypoints:          Stops with status, version, occurrence key
  reschedule_history: Append-only reschedule ledger
  billing_clients:    Per-owner rate table
  billing_records:    Derived billing snapshots (idempotent upsert)
  job_checkpoints:    Last owner processed per batch job
  job_runs:           Batch run audit

APPEND-ONLY ENFORCEMENT:
  reschedule_history rows are never deleted. The only UPDATE touches
  status, completed_at and notes, and only WHERE status = 'pending'.

CONCURRENCY:
  Waypoint writes use an optimistic version column. The occurrence counter
  is incremented with a single UPDATE ... RETURNING. WithTx runs a callback
  against a Store bound to one sql.Tx; nested WithTx calls reuse it.

STORAGE FORMATS:
  Dates are TEXT YYYY-MM-DD. Timestamps are fixed-width UTC TEXT so they
  sort lexically. Money is BIGINT cents.

SEE ALSO:
  - visit/store.go: Interface definitions
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Constructors
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/visit-engine/visit"
)

// Dialect selects the placeholder style.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements visit.Store.
type Store struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

var _ visit.Store = (*Store)(nil)

// New wraps an open database and migrates the schema.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, q: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports which database the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx visit.Tx) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &Store{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// FORMAT HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullDate(d visit.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanDate(ns sql.NullString) visit.Date {
	if !ns.Valid {
		return visit.Date{}
	}
	d, _ := visit.ParseDate(ns.String)
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func requireOwner(owner visit.OwnerID) error {
	if owner == "" {
		return visit.ErrOwnerRequired
	}
	return nil
}
