// Package history provides generation record persistence using SQLite.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status represents the outcome of a generation attempt.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Record is a single generation attempt.
type Record struct {
	ID             string    `json:"id"`
	ClassName      string    `json:"class_name"`
	ModelRequested string    `json:"model_requested"`
	ModelUsed      string    `json:"model_used"`
	DurationMs     int64     `json:"duration_ms"`
	Cached         bool      `json:"cached"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store manages generation record persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS generations (
			id              TEXT PRIMARY KEY,
			class_name      TEXT NOT NULL,
			model_requested TEXT NOT NULL DEFAULT '',
			model_used      TEXT NOT NULL DEFAULT '',
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			cached          INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'ok',
			error           TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_generations_created_at
			ON generations(created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a new generation record.
func (s *Store) Add(rec *Record) error {
	if rec.Status == "" {
		rec.Status = StatusOK
	}
	_, err := s.db.Exec(
		`INSERT INTO generations (id, class_name, model_requested, model_used,
		                          duration_ms, cached, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClassName, rec.ModelRequested, rec.ModelUsed,
		rec.DurationMs, rec.Cached, rec.Status, rec.Error, rec.CreatedAt,
	)
	return err
}

// Get retrieves a record by ID.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT id, class_name, model_requested, model_used,
		        duration_ms, cached, status, error, created_at
		 FROM generations WHERE id = ?`, id,
	)
	return scanRecord(row)
}

// List returns the most recent records, newest first. A non-positive limit
// defaults to 20.
func (s *Store) List(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, class_name, model_requested, model_used,
		        duration_ms, cached, status, error, created_at
		 FROM generations ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	rec := &Record{}
	err := row.Scan(
		&rec.ID, &rec.ClassName, &rec.ModelRequested, &rec.ModelUsed,
		&rec.DurationMs, &rec.Cached, &rec.Status, &rec.Error, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
