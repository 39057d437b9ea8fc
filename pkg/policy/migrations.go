package policy

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the fact store schema. The statements stay within the
// subset of SQL shared by PostgreSQL and SQLite so one list serves both.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create module catalog tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS entitle_catalog_meta (
					id INTEGER PRIMARY KEY,
					version BIGINT NOT NULL
				);

				INSERT INTO entitle_catalog_meta (id, version) VALUES (1, 0);

				CREATE TABLE IF NOT EXISTS entitle_modules (
					code VARCHAR(128) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					is_core BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE TABLE IF NOT EXISTS entitle_module_permissions (
					code VARCHAR(128) PRIMARY KEY,
					module VARCHAR(128) NOT NULL
				);

				CREATE TABLE IF NOT EXISTS entitle_module_dependencies (
					module VARCHAR(128) NOT NULL,
					required_module VARCHAR(128) NOT NULL,
					is_required BOOLEAN NOT NULL,
					PRIMARY KEY (module, required_module)
				);

				CREATE INDEX IF NOT EXISTS idx_entitle_module_permissions_module ON entitle_module_permissions(module);
			`,
		},
		{
			Version:     2,
			Description: "Create users and roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS entitle_users (
					tenant_id VARCHAR(128) NOT NULL,
					user_id VARCHAR(128) NOT NULL,
					user_type VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, user_id)
				);

				CREATE TABLE IF NOT EXISTS entitle_roles (
					id VARCHAR(128) PRIMARY KEY,
					tenant_id VARCHAR(128),
					name VARCHAR(255) NOT NULL,
					description TEXT,
					permissions TEXT NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS entitle_user_roles (
					tenant_id VARCHAR(128) NOT NULL,
					user_id VARCHAR(128) NOT NULL,
					role_id VARCHAR(128) NOT NULL,
					PRIMARY KEY (tenant_id, user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_entitle_roles_tenant_id ON entitle_roles(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_entitle_user_roles_role_id ON entitle_user_roles(role_id);
			`,
		},
		{
			Version:     3,
			Description: "Create override, exception and subscription tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS entitle_franchise_overrides (
					tenant_id VARCHAR(128) NOT NULL,
					code VARCHAR(128) NOT NULL,
					effect VARCHAR(16) NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, code)
				);

				CREATE TABLE IF NOT EXISTS entitle_user_exceptions (
					tenant_id VARCHAR(128) NOT NULL,
					user_id VARCHAR(128) NOT NULL,
					code VARCHAR(128) NOT NULL,
					kind VARCHAR(16) NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, user_id, code)
				);

				CREATE TABLE IF NOT EXISTS entitle_module_subscriptions (
					tenant_id VARCHAR(128) NOT NULL,
					module VARCHAR(128) NOT NULL,
					status VARCHAR(32) NOT NULL,
					trial_ends_at TIMESTAMP,
					period_start TIMESTAMP,
					period_end TIMESTAMP,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, module)
				);
			`,
		},
	}
}

// RunMigrations applies any pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entitle_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM entitle_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entitle_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
