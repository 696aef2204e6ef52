// Package audit provides PostgreSQL-backed storage for vendor call records.
// Every proxied Vonage, Foxit or OpenAI call is recorded with its outcome
// status so degraded (mock) answers can be found and counted later.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/onboardiq/platform/internal/outcome"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// validVendors matches the CHECK constraint on vendor_calls.vendor.
var validVendors = map[string]bool{
	"vonage": true,
	"foxit":  true,
	"openai": true,
}

// Record is a single vendor call to be persisted.
type Record struct {
	Vendor    string
	Operation string
	Status    outcome.Status
	Error     string
	Duration  time.Duration
	RequestID string
}

// Entry is a persisted Record.
type Entry struct {
	ID        int64          `json:"id"`
	Vendor    string         `json:"vendor"`
	Operation string         `json:"operation"`
	Status    outcome.Status `json:"status"`
	Error     string         `json:"error,omitempty"`
	Duration  int            `json:"durationMs"`
	RequestID string         `json:"requestId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Recorder is the write side used by HTTP handlers.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Store manages vendor call records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "audit: open")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "audit: ping")
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. An up-to-date schema is
// not an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "audit: load migrations")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "audit: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "audit: migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "audit: migrate up")
	}
	return nil
}

// Record inserts a vendor call record. Vendor and status are validated
// before insertion.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if !validVendors[rec.Vendor] {
		return errors.Errorf("audit: invalid vendor %q", rec.Vendor)
	}
	switch rec.Status {
	case outcome.StatusOK, outcome.StatusDegraded, outcome.StatusFailed:
	default:
		return errors.Errorf("audit: invalid status %q", rec.Status)
	}
	if rec.Operation == "" {
		return errors.New("audit: operation is required")
	}

	const query = `
		INSERT INTO vendor_calls (vendor, operation, status, error, duration_ms, request_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		rec.Vendor,
		rec.Operation,
		string(rec.Status),
		rec.Error,
		int(rec.Duration/time.Millisecond),
		rec.RequestID,
	)
	if err != nil {
		return errors.Wrap(err, "audit: insert")
	}
	return nil
}

// CountDegraded returns the number of degraded calls to vendor within the
// given time window.
func (s *Store) CountDegraded(ctx context.Context, vendor string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM vendor_calls
		WHERE vendor = $1
		  AND status = 'degraded'
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, vendor, window.String()).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "audit: count degraded")
	}
	return count, nil
}

// Recent returns the latest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const query = `
		SELECT id, vendor, operation, status, error, duration_ms, request_id, created_at
		FROM vendor_calls
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "audit: query recent")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.ID, &e.Vendor, &e.Operation, &status, &e.Error, &e.Duration, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "audit: scan")
		}
		e.Status = outcome.Status(status)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "audit: rows")
}
