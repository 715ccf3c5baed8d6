// Package repository stores ERP domain records. Records are typed JSON
// documents (customers, items, sales orders, warehouses, invoices) with
// optimistic versioning: every update must present the version it read,
// and a mismatch surfaces as ErrConflict rather than a silent overwrite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"erppilot/internal/logging"
)

// Record kinds. One table holds them all; kind+name is the natural key.
const (
	KindCustomer   = "customer"
	KindItem       = "item"
	KindSalesOrder = "sales_order"
	KindWarehouse  = "warehouse"
	KindInvoice    = "invoice"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record version conflict")
	ErrExists   = errors.New("record already exists")
)

// Record is one stored document. An empty Owner means the record is
// shared; a non-empty Owner restricts reads to that user.
type Record struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Name      string                 `json:"name"`
	Owner     string                 `json:"owner,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// RecordRepository is the storage interface the executor consumes. Read
// operations take the acting user's id and return only rows that user
// may see: shared rows plus rows they own.
type RecordRepository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, kind, name, visibleTo string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	List(ctx context.Context, kind, visibleTo string, limit int) ([]*Record, error)
	Count(ctx context.Context, kind, visibleTo string) (int, error)
}

// SQLiteRepository implements RecordRepository on a local SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(kind, name)
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
`

// Open opens (creating if needed) the database at path and ensures the
// records schema. SQLite is single-writer; one connection avoids lock
// contention entirely.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	return db, nil
}

// NewSQLiteRepository wraps an open database and ensures the schema.
func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	if _, err := db.Exec(recordsSchema); err != nil {
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Create inserts a new record. Returns ErrExists when kind+name is taken.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Kind == "" || rec.Name == "" {
		return fmt.Errorf("record id, kind, and name are required")
	}

	fieldsJSON, err := json.Marshal(orEmpty(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO records (id, kind, name, owner, fields, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		rec.ID, rec.Kind, rec.Name, rec.Owner, string(fieldsJSON), now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %q", ErrExists, rec.Kind, rec.Name)
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}

	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	logging.Store("created %s %q (id=%s)", rec.Kind, rec.Name, rec.ID)
	return nil
}

// Get fetches a record by kind and name. A record owned by someone else
// is indistinguishable from a missing one.
func (r *SQLiteRepository) Get(ctx context.Context, kind, name, visibleTo string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, kind, name, owner, fields, version, created_at, updated_at
		 FROM records WHERE kind = ? AND name = ? AND (owner = '' OR owner = ?)`,
		kind, name, visibleTo)
	return scanRecord(row)
}

// Visible reports whether a record of the given kind and name exists and
// is readable by the user. Used by the guard to vet intent references.
func (r *SQLiteRepository) Visible(ctx context.Context, userID, kind, name string) (bool, error) {
	_, err := r.Get(ctx, kind, name, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update writes a record back. The record's Version must match the stored
// version; a mismatch means someone else wrote first and returns
// ErrConflict with nothing modified.
func (r *SQLiteRepository) Update(ctx context.Context, rec *Record) error {
	fieldsJSON, err := json.Marshal(orEmpty(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		`UPDATE records SET fields = ?, version = version + 1, updated_at = ?
		 WHERE kind = ? AND name = ? AND version = ?`,
		string(fieldsJSON), now.Unix(), rec.Kind, rec.Name, rec.Version)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		// Distinguish a stale version from a missing record.
		if _, getErr := r.Get(ctx, rec.Kind, rec.Name, rec.Owner); getErr != nil {
			return getErr
		}
		logging.Store("version conflict on %s %q (had v%d)", rec.Kind, rec.Name, rec.Version)
		return fmt.Errorf("%w: %s %q at version %d", ErrConflict, rec.Kind, rec.Name, rec.Version)
	}

	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// List returns up to limit records of a kind visible to the user, newest
// first. A non-positive limit applies a default of 50.
func (r *SQLiteRepository) List(ctx context.Context, kind, visibleTo string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, name, owner, fields, version, created_at, updated_at
		 FROM records WHERE kind = ? AND (owner = '' OR owner = ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`, kind, visibleTo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records of a kind visible to the user.
func (r *SQLiteRepository) Count(ctx context.Context, kind, visibleTo string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE kind = ? AND (owner = '' OR owner = ?)`,
		kind, visibleTo).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var fieldsJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.Kind, &rec.Name, &rec.Owner, &fieldsJSON, &rec.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for record %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// isUniqueViolation matches the driver's constraint error text. The
// modernc driver does not export a typed constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
