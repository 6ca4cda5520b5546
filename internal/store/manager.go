package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo

	"github.com/labforge/labctl/internal/logger"
	"go.uber.org/zap"
)

// Manager owns the single SQLite database backing the resource store:
// WAL mode, a single-writer connection pool, and an integrity check on
// open. All labs share one resource/allocation namespace scoped by the
// `lab` column.
type Manager struct {
	db   *sql.DB
	path string
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	path string
}

// WithPath overrides the default database file path.
func WithPath(path string) ManagerOption {
	return func(c *managerConfig) { c.path = path }
}

const defaultPath = "/var/lib/labctl/labctl.db"

// Open opens (creating if necessary) the labctl database, applies
// pragmas, runs an integrity check, and migrates the schema.
func Open(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	cfg := &managerConfig{path: defaultPath}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := fmt.Sprintf("file:%s?_time_format=sqlite", cfg.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.path, err)
	}

	// SQLite allows only one writer; a single connection avoids
	// SQLITE_BUSY storms under the allocator's serialized writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&integrity); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		db.Close()
		return nil, fmt.Errorf("integrity check failed: %s", integrity)
	}

	m := &Manager{db: db, path: cfg.path}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.L().Info("resource store opened", zap.String("path", cfg.path))
	return m, nil
}

// Close releases the underlying database connection.
func (m *Manager) Close() error { return m.db.Close() }

// DB exposes the raw *sql.DB for repositories in this package. Exported
// so package-level tests can seed fixtures directly.
func (m *Manager) DB() *sql.DB { return m.db }
