package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/models"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_model (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	version     TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS model_switches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	version     TEXT NOT NULL,
	switched_at TEXT NOT NULL
);
`

// Switch is one recorded change of the active version.
type Switch struct {
	Version    models.ModelVersion `json:"version"`
	SwitchedAt time.Time           `json:"switched_at"`
}

// SQLiteStore keeps the active model version in SQLite so it survives
// restarts and can be changed by another process.
type SQLiteStore struct {
	db       *sql.DB
	fallback models.ModelVersion
}

// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, fallback: models.DefaultVersion}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ActiveVersion returns the stored tag, or the default when none was written.
func (s *SQLiteStore) ActiveVersion(ctx context.Context) (models.ModelVersion, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM active_model WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("query active version: %w", err)
	}
	return models.ParseVersion(raw)
}

func (s *SQLiteStore) SetActiveVersion(ctx context.Context, version models.ModelVersion) error {
	if !version.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidVersion, version)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_model (id, version, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		string(version), now,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO model_switches (version, switched_at) VALUES (?, ?)`,
		string(version), now,
	)
	if err != nil {
		return fmt.Errorf("record switch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// History returns the most recent switches, newest first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Switch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, switched_at FROM model_switches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query switches: %w", err)
	}
	defer rows.Close()

	var out []Switch
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan switch: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse switched_at: %w", err)
		}
		out = append(out, Switch{Version: models.ModelVersion(version), SwitchedAt: ts})
	}
	return out, rows.Err()
}
