package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS upgrade_runs (
		id             TEXT PRIMARY KEY,
		volume         TEXT NOT NULL,
		backup_volume  TEXT NOT NULL DEFAULT '',
		source_version INTEGER NOT NULL DEFAULT 0,
		target_version INTEGER NOT NULL,
		state          TEXT NOT NULL,
		failed_stage   TEXT NOT NULL DEFAULT '',
		reason         TEXT NOT NULL DEFAULT '',
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_upgrade_runs_volume ON upgrade_runs (volume, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS upgrade_run_databases (
		id           SERIAL PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES upgrade_runs(id) ON DELETE CASCADE,
		database     TEXT NOT NULL,
		source_count INTEGER NOT NULL DEFAULT 0,
		dest_count   INTEGER NOT NULL DEFAULT 0,
		bytes        BIGINT NOT NULL DEFAULT 0,
		outcome      TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT ''
	)`,
}

// EnsureSchema 创建升级记录表（幂等）
func (d *Database) EnsureSchema(ctx context.Context) error {
	db := d.GetDB()
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
