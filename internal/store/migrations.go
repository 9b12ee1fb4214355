package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Migration is one schema delta. Statements are individually idempotent
// (guarded creates, tolerated duplicate columns) so a partially applied
// database converges when migrations re-run.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial events table",
		Statements: []string{`
			CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				hook_event_name TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				retry_count INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				processed_at TIMESTAMP
			);`},
	},
	{
		Version:     2,
		Description: "Add arguments column for hook parameters",
		Statements:  []string{`ALTER TABLE events ADD COLUMN arguments TEXT;`},
	},
	{
		Version:     3,
		Description: "Add instance_id column for client instance tracking",
		Statements:  []string{`ALTER TABLE events ADD COLUMN instance_id TEXT;`},
	},
	{
		Version:     4,
		Description: "Sessions table with per-session announce settings",
		Statements: []string{`
			CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				claude_pid INTEGER NOT NULL,
				server_port INTEGER NOT NULL,
				language TEXT,
				providers TEXT,
				cache_enabled INTEGER NOT NULL DEFAULT 1,
				voice_id TEXT,
				model_id TEXT,
				silent_announcements INTEGER NOT NULL DEFAULT 0,
				silent_effects INTEGER NOT NULL DEFAULT 0,
				model_enabled INTEGER NOT NULL DEFAULT 0,
				model TEXT,
				contextual_stop INTEGER NOT NULL DEFAULT 0,
				contextual_pretooluse INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`},
	},
	{
		Version:     5,
		Description: "Queue scan and instance lookup indexes",
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_events_status_id ON events(status, id);`,
			`CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, id);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_pid ON sessions(claude_pid);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_port ON sessions(server_port);`,
		},
	},
}

// MigrationRecord is one row of the applied-migrations ledger.
type MigrationRecord struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// MigrationStatus summarizes the ledger for the control plane.
type MigrationStatus struct {
	CurrentVersion int               `json:"current_version"`
	LatestVersion  int               `json:"latest_version"`
	Pending        int               `json:"pending_migrations"`
	Applied        []MigrationRecord `json:"applied_migrations"`
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`)
	if err != nil {
		return storeErr("create migrations table", err)
	}
	return nil
}

// CurrentVersion returns the highest applied migration version, 0 if none.
func (s *Store) CurrentVersion(ctx context.Context) (int, error) {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM migrations;`).Scan(&version); err != nil {
		return 0, storeErr("read migration version", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// ApplyPendingMigrations brings the schema from the current version to the
// latest, one transaction per migration, recording each in the ledger.
func (s *Store) ApplyPendingMigrations(ctx context.Context) error {
	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			// ALTER TABLE ADD COLUMN cannot be guarded in SQLite; a
			// duplicate column means a prior partial run already added it.
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO migrations (version, description) VALUES (?, ?);
	`, m.Version, m.Description); err != nil {
		return storeErr("record migration", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit migration", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// Status reports the applied ledger and pending count.
func (s *Store) Status(ctx context.Context) (MigrationStatus, error) {
	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	latest := 0
	pending := 0
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
		if m.Version > current {
			pending++
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, description, applied_at FROM migrations ORDER BY version;
	`)
	if err != nil {
		return MigrationStatus{}, storeErr("query migrations", err)
	}
	defer rows.Close()

	status := MigrationStatus{CurrentVersion: current, LatestVersion: latest, Pending: pending}
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.Version, &rec.Description, &rec.AppliedAt); err != nil {
			return MigrationStatus{}, storeErr("scan migration", err)
		}
		status.Applied = append(status.Applied, rec)
	}
	if err := rows.Err(); err != nil {
		return MigrationStatus{}, storeErr("migration rows", err)
	}
	return status, nil
}
