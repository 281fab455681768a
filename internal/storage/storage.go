package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store is a name -> JSON blob table shared by settings, channel bindings and
// the contact directory. It runs on sqlite locally and postgres when a
// DATABASE_URL style DSN is configured. The same connection backs the
// whatsmeow session container.
type Store struct {
	db     *sql.DB
	driver string
}

func Open(ctx context.Context, datastoreType string, dsn string) (*Store, error) {
	driver, err := normalizeDriver(datastoreType)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, normalizeDSN(driver, dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge datastore: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS bridge_state (name VARCHAR PRIMARY KEY, data TEXT)")
	if err != nil {
		return fmt.Errorf("failed to create bridge_state table: %w", err)
	}
	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the sqlstore dialect name for the underlying driver.
func (s *Store) Dialect() string {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores the JSON encoding of value under name.
func (s *Store) Upsert(ctx context.Context, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO bridge_state (name, data) VALUES($1, $2) ON CONFLICT(name) DO UPDATE SET data=excluded.data",
		name, string(data))
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", name, err)
	}
	return nil
}

// Get decodes the blob stored under name into dest. It reports false without
// touching dest when nothing is stored yet.
func (s *Store) Get(ctx context.Context, name string, dest interface{}) (bool, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT data FROM bridge_state WHERE name=$1", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if !data.Valid {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data.String), dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

// Delete removes the blob stored under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bridge_state WHERE name=$1", name)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func normalizeDriver(datastoreType string) (string, error) {
	switch strings.ToLower(datastoreType) {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgresql", "postgres":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported datastore type %s", datastoreType)
	}
}

func normalizeDSN(driver string, dsn string) string {
	if driver == "sqlite" && dsn == "" {
		return "file:storage.db?_pragma=foreign_keys(1)"
	}
	return dsn
}
