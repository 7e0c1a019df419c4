package sqlite

import (
	"context"
	"fmt"
)

// schema holds one entry per schema version; PRAGMA user_version records how many have run.
// Append only: never edit an entry that has shipped.
var schema = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS call_log (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT,
			operation TEXT NOT NULL,
			batch_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL,
			error_class TEXT,
			error TEXT,
			request_size INTEGER NOT NULL DEFAULT 0,
			response_size INTEGER NOT NULL DEFAULT 0,
			request TEXT,
			response TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_log_batch ON call_log(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_log_started ON call_log(started_at)`,
	},
}

// migrate applies the schema versions above the stored user_version and returns the resulting version
func (s *SQLiteDB) migrate(ctx context.Context) (int, error) {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > len(schema) {
		return current, fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(schema))
	}

	for version := current + 1; version <= len(schema); version++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return current, err
		}
		for _, stmt := range schema[version-1] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return current, fmt.Errorf("schema version %d: %w", version, err)
			}
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return current, err
		}
		if err := tx.Commit(); err != nil {
			return current, err
		}
		current = version
		s.logger.Debug().Int("version", version).Msg("Audit schema migrated")
	}
	return current, nil
}
