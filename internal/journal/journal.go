// Package journal keeps a durable record of payment outcomes in SQLite
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one recorded process or finish outcome
type Entry struct {
	ID            int64     `json:"id"`
	ContextID     string    `json:"context_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	Operation     string    `json:"operation"`
	Reference     string    `json:"reference,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency,omitempty"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Recorder receives payment outcomes
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop is a Recorder that discards entries
type Nop struct{}

// Record does nothing
func (Nop) Record(context.Context, Entry) error { return nil }

// Journal is a SQLite backed Recorder
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the journal at path, ensuring the parent
// directory exists
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal at %s: %w", path, err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			device_id TEXT,
			operation TEXT NOT NULL,
			reference TEXT,
			amount INTEGER NOT NULL DEFAULT 0,
			currency TEXT,
			status TEXT NOT NULL,
			transaction_id TEXT,
			error TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_context ON transactions(context_id);
	`)
	return err
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

// Record stores entry. A zero CreatedAt is set to now.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO transactions
			(context_id, device_id, operation, reference, amount, currency, status, transaction_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ContextID, entry.DeviceID, entry.Operation, entry.Reference, entry.Amount,
		entry.Currency, entry.Status, entry.TransactionID, entry.Error, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s for context %s: %w", entry.Operation, entry.ContextID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, context_id, device_id, operation, reference, amount, currency,
		       status, transaction_id, error, created_at
		FROM transactions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                                         Entry
			device, reference, currency, txID, errMsg sql.NullString
			created                                   int64
		)
		if err := rows.Scan(&e.ID, &e.ContextID, &device, &e.Operation, &reference, &e.Amount,
			&currency, &e.Status, &txID, &errMsg, &created); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.DeviceID = device.String
		e.Reference = reference.String
		e.Currency = currency.String
		e.TransactionID = txID.String
		e.Error = errMsg.String
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}
