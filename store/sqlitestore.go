package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/queuedrain/queuedrain/output"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite output store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLiteStore persists output configurations to a SQLite database.
// It enables WAL mode for concurrent read access.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite output store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// List returns all configurations in id order.
func (s *SQLiteStore) List(ctx context.Context) ([]output.Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, enabled, type, url, filter, params, cursor, updated_by, version, created_at, updated_at
		   FROM outputs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var configs []output.Config
	for rows.Next() {
		cfg, err := scanOutput(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Get returns one configuration by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (output.Config, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, enabled, type, url, filter, params, cursor, updated_by, version, created_at, updated_at
		   FROM outputs WHERE id = ?`, id)

	cfg, err := scanOutput(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return output.Config{}, false, nil
	}
	if err != nil {
		return output.Config{}, false, err
	}
	return cfg, true, nil
}

// Create stores a new configuration.
func (s *SQLiteStore) Create(ctx context.Context, cfg output.Config) (output.Config, error) {
	now := time.Now().UTC()
	stored := cfg.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	paramsJSON, err := marshalParams(stored.Params)
	if err != nil {
		return output.Config{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outputs (id, queue, enabled, type, url, filter, params, cursor, updated_by, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Queue, boolToInt(stored.Enabled), string(stored.Type), stored.URL, stored.Filter,
		paramsJSON, stored.Cursor, stored.UpdatedBy, stored.Version,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if _, exists, getErr := s.Get(ctx, cfg.ID); getErr == nil && exists {
			return output.Config{}, ErrOutputExists
		}
		return output.Config{}, fmt.Errorf("sqlitestore: create: %w", err)
	}
	return stored, nil
}

// Update replaces an existing configuration and bumps its version.
func (s *SQLiteStore) Update(ctx context.Context, cfg output.Config) (output.Config, error) {
	prev, ok, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return output.Config{}, err
	}
	if !ok {
		return output.Config{}, ErrOutputNotFound
	}

	now := time.Now().UTC()
	stored := cfg.Clone()
	stored.Version = prev.Version + 1
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = now

	paramsJSON, err := marshalParams(stored.Params)
	if err != nil {
		return output.Config{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE outputs SET queue = ?, enabled = ?, type = ?, url = ?, filter = ?, params = ?,
		        cursor = ?, updated_by = ?, version = ?, updated_at = ?
		  WHERE id = ?`,
		stored.Queue, boolToInt(stored.Enabled), string(stored.Type), stored.URL, stored.Filter,
		paramsJSON, stored.Cursor, stored.UpdatedBy, stored.Version,
		now.Format(time.RFC3339Nano), stored.ID,
	)
	if err != nil {
		return output.Config{}, fmt.Errorf("sqlitestore: update: %w", err)
	}
	return stored, nil
}

// Delete removes a configuration by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outputs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: delete rows affected: %w", err)
	}
	if n == 0 {
		return ErrOutputNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanOutput(scan func(dest ...any) error) (output.Config, error) {
	var (
		cfg        output.Config
		enabled    int
		typ        string
		paramsJSON string
		createdAt  string
		updatedAt  string
	)
	err := scan(
		&cfg.ID, &cfg.Queue, &enabled, &typ, &cfg.URL, &cfg.Filter,
		&paramsJSON, &cfg.Cursor, &cfg.UpdatedBy, &cfg.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return output.Config{}, err
	}

	cfg.Enabled = enabled != 0
	cfg.Type = output.Type(typ)

	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &cfg.Params); err != nil {
			return output.Config{}, fmt.Errorf("sqlitestore: unmarshal params: %w", err)
		}
	}

	if cfg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return output.Config{}, fmt.Errorf("sqlitestore: parse created_at %q: %w", createdAt, err)
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return output.Config{}, fmt.Errorf("sqlitestore: parse updated_at %q: %w", updatedAt, err)
	}
	return cfg, nil
}

func marshalParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: marshal params: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check.
var _ OutputStore = (*SQLiteStore)(nil)
