package store

import (
	"context"
	"fmt"
)

// schemaVersion is bumped whenever statements are appended to
// schemaStatements. migrate is idempotent: applied versions are
// tracked in the append-only schema_migrations log.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,

	`CREATE TABLE IF NOT EXISTS resources (
		handle_id   TEXT PRIMARY KEY,
		lab         TEXT NOT NULL,
		kind        TEXT NOT NULL,
		name        TEXT,
		flavor      TEXT,
		vlan_tag    INTEGER,
		public_json TEXT,
		ipmi_json   TEXT,
		ports_json  TEXT,
		vpn_json    TEXT,
		UNIQUE(lab, kind, name)
	)`,

	`CREATE TABLE IF NOT EXISTS allocations (
		id             TEXT PRIMARY KEY,
		for_resource   TEXT NOT NULL REFERENCES resources(handle_id),
		for_aggregate  TEXT,
		started        TEXT NOT NULL,
		ended          TEXT,
		reason_started TEXT NOT NULL,
		reason_ended   TEXT
	)`,

	// The hard "no double-booking" invariant: at most one live
	// allocation per handle, enforced by a partial unique index on the
	// ended-IS-NULL row.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_live_per_resource
		ON allocations(for_resource) WHERE ended IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_allocations_aggregate ON allocations(for_aggregate)`,

	`CREATE TABLE IF NOT EXISTS templates (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		public      INTEGER NOT NULL DEFAULT 0,
		lab         TEXT NOT NULL,
		networks_json TEXT NOT NULL,
		hosts_json    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS aggregates (
		id             TEXT PRIMARY KEY,
		users_json     TEXT NOT NULL,
		vlans_json     TEXT NOT NULL,
		template_id    TEXT NOT NULL,
		metadata_json  TEXT NOT NULL,
		state          TEXT NOT NULL,
		config_json    TEXT NOT NULL,
		lab            TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS instances (
		id            TEXT PRIMARY KEY,
		aggregate_id  TEXT NOT NULL REFERENCES aggregates(id),
		hostname      TEXT NOT NULL,
		linked_host   TEXT,
		vlans_json    TEXT NOT NULL,
		config_json   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS provision_log_events (
		id          TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		time        TEXT NOT NULL,
		event       TEXT NOT NULL,
		detail      TEXT NOT NULL,
		sentiment   TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_log_events_instance ON provision_log_events(instance_id, time)`,
}

func (m *Manager) migrate(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaStatements[0]); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var applied int
	row := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", schemaVersion)
	if err := row.Scan(&applied); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	if applied > 0 {
		return tx.Commit()
	}

	for _, stmt := range schemaStatements[1:] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return tx.Commit()
}
