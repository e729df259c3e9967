package store

import (
	"context"
	"fmt"
)

// schema is applied idempotently at open. The coordination tables are
// append-mostly: operations are only ever updated by their owning executor,
// and locks are conditionally inserted so acquisition stays atomic across
// process instances.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            TEXT PRIMARY KEY,
	active        INTEGER NOT NULL DEFAULT 1,
	platform_url  TEXT NOT NULL DEFAULT '',
	last_sync_at  TIMESTAMP,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS namespace_locks (
	tenant_id            TEXT PRIMARY KEY,
	holder_operation_id  TEXT NOT NULL,
	reason               TEXT NOT NULL,
	held_since           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id                       TEXT PRIMARY KEY,
	tenant_id                TEXT NOT NULL,
	type                     TEXT NOT NULL,
	status                   TEXT NOT NULL,
	progress_percent         INTEGER NOT NULL DEFAULT 0,
	current_step             INTEGER NOT NULL DEFAULT 0,
	total_steps              INTEGER NOT NULL DEFAULT 0,
	step_description         TEXT NOT NULL DEFAULT '',
	blocks_reads             INTEGER NOT NULL DEFAULT 0,
	retry_count              INTEGER NOT NULL DEFAULT 0,
	max_retries              INTEGER NOT NULL DEFAULT 3,
	error                    TEXT,
	started_at               TIMESTAMP NOT NULL,
	estimated_completion_at  TIMESTAMP,
	completed_at             TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_operations_tenant ON operations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

CREATE TABLE IF NOT EXISTS sync_schedules (
	tenant_id         TEXT PRIMARY KEY,
	interval_seconds  INTEGER NOT NULL,
	next_fire_at      TIMESTAMP NOT NULL,
	cancelled         INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}
