package sqlstore

import (
	"context"
	"fmt"
)

func schema(dialect Dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plan_executions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			seq ` + serial + `,
			uuid TEXT NOT NULL UNIQUE,
			plan_execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_plan ON node_executions(plan_execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS concurrent_child_instances (
			parent_id TEXT PRIMARY KEY,
			plan_execution_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			seq ` + serial + `,
			id TEXT NOT NULL UNIQUE,
			plan_execution_id TEXT NOT NULL,
			state TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interrupts_plan ON interrupts(plan_execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS correlations (
			correlation_id TEXT PRIMARY KEY,
			runtime_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sweeping_outputs (
			plan_execution_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			name TEXT NOT NULL,
			producer_id TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (plan_execution_id, scope, name)
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
	if dialect == DialectSQLite {
		stmts = append([]string{
			`PRAGMA journal_mode = WAL`,
			`PRAGMA busy_timeout = 5000`,
		}, stmts...)
	}
	return stmts
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
