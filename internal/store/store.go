// Package store provides the embedded relational store backing tenant,
// lock, operation, and schedule records.
//
// The store uses SQLite (pure Go, no CGO) so the daemon runs without an
// external database service. All coordination state that must survive a
// process restart lives here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Config holds configuration for the relational store.
type Config struct {
	// Path is the SQLite database file. Use ":memory:" for tests.
	Path string `koanf:"path"`

	// MaxOpenConns bounds the connection pool. SQLite serializes writes,
	// so a small pool is sufficient. Default: 4.
	MaxOpenConns int `koanf:"max_open_conns"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/shopsyncd/shopsyncd.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
}

// Store wraps the SQLite handle shared by the repositories.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the database and applies the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	path := cfg.Path
	if path != ":memory:" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = expanded
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Debug("store opened", zap.String("path", path))
	return s, nil
}

// OpenMemory opens a fresh in-memory database. Intended for tests.
func OpenMemory(logger *zap.Logger) (*Store, error) {
	return Open(Config{Path: ":memory:", MaxOpenConns: 1}, logger)
}

// DB exposes the underlying handle for the repositories.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func expandPath(path string) (string, error) {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
