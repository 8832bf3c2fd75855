// ABOUTME: SQLite credential slot using modernc.org/sqlite
// ABOUTME: A one-row table enforces the single stored credential invariant

package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the credential in a single-row table.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "credential_store")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite credential store initialized", "path", path)
	return s, nil
}

// createSchema creates the slot table. The CHECK on slot pins it to one row.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credential_slot (
			slot       INTEGER PRIMARY KEY,
			raw        TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (slot = 1)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Set(ctx context.Context, raw string) error {
	if raw == "" {
		return ErrEmptyCredential
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_slot (slot, raw, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET raw = excluded.raw, updated_at = excluded.updated_at
	`, raw, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM credential_slot WHERE slot = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading credential: %w", err)
	}
	return raw, raw != "", nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credential_slot`); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
