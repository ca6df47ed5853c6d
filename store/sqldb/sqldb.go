/*
Package sqldb provides a database/sql implementation of ledger.TxStore for
SQLite and PostgreSQL.

PURPOSE:
  One set of queries serves both engines. Queries are written with "?"
  placeholders and rebound to "$n" for PostgreSQL. Timestamps are stored
  as fixed-width UTC text and calendar dates as YYYY-MM-DD so that string
  comparison orders them in both engines. Money is stored as decimal text
  and summed in Go.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the events table.
  - idempotency_key is UNIQUE; a violation maps to
    ledger.ErrDuplicateIdempotencyKey.

KEY TABLES:
  events:              Payments, withdrawals and lifecycle charges (kind column)
  families, members:   Billing subjects
  statements:          Generated statements
  statement_sequences: Per-subject atomic counter
  subscriptions:       Recurring schedules (optimistic version column)
  charge_attempts:     Processor charge journal
  automation_settings: Per-tenant job flags
  lifecycle_bookings:  Catalog events awaiting conversion
  tasks:               Operator to-dos

CONCURRENCY:
  SQLite is opened with a single connection and WAL. Statement sequences
  use INSERT .. ON CONFLICT .. RETURNING, which is atomic in both engines.
  Subscription writes carry the version they read; a mismatch returns
  ledger.ErrConcurrentModification.

USAGE:
  db, err := sqldb.OpenSQLite("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/dues-engine/ledger"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the query methods shared by the DB and its transaction views.
type conn struct {
	q       querier
	dialect Dialect
}

// DB implements ledger.TxStore.
type DB struct {
	*conn
	db *sql.DB
}

var (
	_ ledger.TxStore = (*DB)(nil)
	_ ledger.Store   = (*conn)(nil)
)

// OpenSQLite opens (and migrates) a SQLite database. Use ":memory:" for tests.
func OpenSQLite(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)
	return open(db, SQLite)
}

// OpenPostgres opens (and migrates) a PostgreSQL database through pgx.
func OpenPostgres(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return open(db, Postgres)
}

// Open picks the dialect from the driver name ("sqlite" or "postgres").
func Open(driver, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case SQLite:
		return OpenSQLite(dsn)
	case Postgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func open(db *sql.DB, dialect Dialect) (*DB, error) {
	store := &DB{conn: &conn{q: db, dialect: dialect}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction. Any error rolls back.
func (s *DB) WithTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, dialect: s.dialect}); err != nil {
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

// rebind rewrites "?" placeholders for the dialect.
func (c *conn) rebind(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
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

func parseDate(s string) ledger.Date {
	d, _ := ledger.ParseDate(s)
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// =============================================================================
// CONSTRAINT ERRORS
// =============================================================================

// isUniqueConstraintError checks if the error is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

// violatesActiveSubscription reports a violation of the one-active-schedule
// index. SQLite names the columns, PostgreSQL names the index.
func violatesActiveSubscription(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == "idx_subscriptions_active"
	}
	return strings.Contains(err.Error(), "subscriptions.instrument_ref")
}
