// Package sqlstore implements the storage interface over database/sql.
//
// Two dialects are supported: SQLite through the CGO-free ncruces driver
// and MySQL through go-sql-driver. Both use ? placeholders and identical
// query text; only the bootstrap DDL differs. Timestamps are stored as
// fixed-width UTC strings so lexicographic comparison matches
// chronological order in both dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings. All times are normalized to UTC before storage.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a SQL-backed storage.Store.
type Store struct {
	db      *sql.DB
	dialect string // "sqlite" or "mysql"
	clk     clock.Clock
}

var _ storage.Store = (*Store)(nil)

// OpenSQLite opens (creating if needed) a SQLite database at path.
// ":memory:" opens a shared in-memory database for tests.
func OpenSQLite(path string, clk clock.Clock) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared cache so every pooled connection sees the same data.
		connStr = "file:labeldmem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite in-memory databases are per-connection without this.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return finishOpen(db, "sqlite", clk)
}

// OpenMySQL opens a MySQL database with the given DSN.
func OpenMySQL(dsn string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return finishOpen(db, "mysql", clk)
}

func finishOpen(db *sql.DB, dialect string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := bootstrap(db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: dialect, clk: clk}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// RunInTx executes fn inside a transaction, retrying the whole function
// on transient lock contention. fn must be safe to re-run.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := fn(&sqlTx{q: tx, clk: s.clk}); err != nil {
			tx.Rollback()
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(20*time.Millisecond)), 3), ctx)
	err := backoff.Retry(op, policy)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// isBusy reports whether the error is transient lock contention worth
// retrying: SQLite's busy/locked states or a MySQL deadlock.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "Deadlock found") ||
		strings.Contains(msg, "Lock wait timeout")
}

// isUniqueViolation reports whether the error is a unique-constraint
// failure in either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "Duplicate entry")
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// sqlTx implements storage.Tx over an open *sql.Tx.
type sqlTx struct {
	q   *sql.Tx
	clk clock.Clock
}

var _ storage.Tx = (*sqlTx)(nil)

func (t *sqlTx) GetAssignment(ctx context.Context, tenantID, id string) (*types.Assignment, error) {
	return getAssignment(ctx, t.q, tenantID, id)
}

func (t *sqlTx) CreateAssignment(ctx context.Context, a *types.Assignment) error {
	return createAssignment(ctx, t.q, t.clk, a)
}

func (t *sqlTx) UpdateAssignment(ctx context.Context, a *types.Assignment) error {
	return updateAssignment(ctx, t.q, t.clk, a)
}

func (t *sqlTx) ListAssignments(ctx context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	return listAssignments(ctx, t.q, tenantID, filter)
}

func (t *sqlTx) GetSchemaVersion(ctx context.Context, tenantID, id string) (*types.SchemaVersion, error) {
	return getSchemaVersion(ctx, t.q, tenantID, id)
}

func (t *sqlTx) FreezeSchemaVersion(ctx context.Context, tenantID, id string, at time.Time) error {
	return freezeSchemaVersion(ctx, t.q, tenantID, id, at)
}

func (t *sqlTx) CreateLabel(ctx context.Context, l *types.Label) error {
	return createLabel(ctx, t.q, t.clk, l)
}

func (t *sqlTx) ListLabels(ctx context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	return listLabels(ctx, t.q, tenantID, filter)
}

func (t *sqlTx) UpdateLabelPayload(ctx context.Context, tenantID, labelID string, payload map[string]any) error {
	return updateLabelPayload(ctx, t.q, tenantID, labelID, payload)
}

func (t *sqlTx) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	return appendAudit(ctx, t.q, t.clk, e)
}
