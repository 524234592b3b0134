package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

// Migration is one forward-only schema change. Up must be valid for both
// sqlite and postgres.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// MigrationRunner applies pending migrations and records them in
// schema_migrations.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{db: db, log: log}
}

// GetAllMigrations returns all available migrations in order.
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create scans, findings and workflows tables",
			Up: `
				CREATE TABLE IF NOT EXISTS scans (
					id TEXT PRIMARY KEY,
					target TEXT NOT NULL,
					status TEXT NOT NULL,
					progress REAL NOT NULL DEFAULT 0,
					config TEXT,
					error_message TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					started_at TIMESTAMP,
					completed_at TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS findings (
					id TEXT PRIMARY KEY,
					scan_id TEXT NOT NULL DEFAULT '',
					module TEXT NOT NULL DEFAULT '',
					adapter TEXT NOT NULL DEFAULT '',
					task_id TEXT NOT NULL DEFAULT '',
					category TEXT NOT NULL,
					severity TEXT NOT NULL,
					confidence TEXT NOT NULL DEFAULT '',
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					location TEXT NOT NULL DEFAULT '',
					parameter TEXT NOT NULL DEFAULT '',
					evidence TEXT NOT NULL DEFAULT '',
					remediation TEXT NOT NULL DEFAULT '',
					refs TEXT,
					cwe_id INTEGER NOT NULL DEFAULT 0,
					cvss_score REAL NOT NULL DEFAULT 0,
					request TEXT,
					response TEXT,
					metadata TEXT,
					timestamp TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS workflows (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					target TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					document TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_findings_scan_id ON findings(scan_id);
				CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
				CREATE INDEX IF NOT EXISTS idx_scans_target ON scans(target);
				CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
				CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at);
			`,
		},
		{
			Version:     2,
			Description: "Add finding fingerprints for cross-scan deduplication",
			Up: `
				ALTER TABLE findings ADD COLUMN fingerprint TEXT NOT NULL DEFAULT '';
				CREATE INDEX IF NOT EXISTS idx_findings_fingerprint ON findings(fingerprint);
			`,
		},
		{
			Version:     3,
			Description: "Index workflows by status",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
			`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies all pending migrations. Running it again is a
// no-op.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	pending := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		pending++
	}

	if pending == 0 {
		mr.log.Debugw("Database schema is up to date", "latest_version", all[len(all)-1].Version)
		return nil
	}
	mr.log.Infow("All migrations applied successfully", "migrations_applied", pending)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration", "version", m.Version, "description", m.Description)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed", "version", m.Version, "error", err)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	record := tx.Rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, record, m.Version, m.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// MigrationStatus reports the applied and latest schema versions.
type MigrationStatus struct {
	CurrentVersion int  `json:"current_version"`
	LatestVersion  int  `json:"latest_version"`
	Pending        int  `json:"pending"`
	UpToDate       bool `json:"up_to_date"`
}

func (mr *MigrationRunner) Status(ctx context.Context) (*MigrationStatus, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	st := &MigrationStatus{}
	for _, m := range GetAllMigrations() {
		if m.Version > st.LatestVersion {
			st.LatestVersion = m.Version
		}
		if applied[m.Version] {
			if m.Version > st.CurrentVersion {
				st.CurrentVersion = m.Version
			}
		} else {
			st.Pending++
		}
	}
	st.UpToDate = st.Pending == 0
	return st, nil
}
