// Package postgres implements [store.Store] on PostgreSQL.
//
// One [pgxpool.Pool] backs all three tables. [Migrate] creates them with
// CREATE IF NOT EXISTS so a fresh database bootstraps itself on first start.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// runs — one row per accepted test request
// ─────────────────────────────────────────────────────────────────────────────

const ddlRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT         PRIMARY KEY,
    tenant           TEXT         NOT NULL,
    key_id           TEXT         NOT NULL DEFAULT '',
    idempotency_key  TEXT,
    source_type      TEXT         NOT NULL,
    bundle_key       TEXT         NOT NULL DEFAULT '',
    bundle_hash      TEXT         NOT NULL DEFAULT '',
    lockfile_hash    TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL DEFAULT 'queued',
    test_spec        JSONB        NOT NULL,
    aggregate        TEXT         NOT NULL DEFAULT '',
    error_text       TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    finished_at      TIMESTAMPTZ,
    duration_ms      BIGINT       NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_tenant_idempotency
    ON runs (tenant, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_runs_tenant_created
    ON runs (tenant, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_runs_status
    ON runs (status);
`

// ─────────────────────────────────────────────────────────────────────────────
// run_results — per-test sub-results, append-only
// ─────────────────────────────────────────────────────────────────────────────

const ddlRunResults = `
CREATE TABLE IF NOT EXISTS run_results (
    id         BIGSERIAL    PRIMARY KEY,
    run_id     TEXT         NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    kind       TEXT         NOT NULL,
    result     JSONB        NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_results_run_id
    ON run_results (run_id, id);
`

// ─────────────────────────────────────────────────────────────────────────────
// dependency_images — prebaked image cache keyed by lockfile hash
// ─────────────────────────────────────────────────────────────────────────────

const ddlDependencyImages = `
CREATE TABLE IF NOT EXISTS dependency_images (
    lockfile_hash      TEXT         PRIMARY KEY,
    image_ref          TEXT         NOT NULL DEFAULT '',
    base_image_ref     TEXT         NOT NULL DEFAULT '',
    status             TEXT         NOT NULL,
    builder_machine_id TEXT         NOT NULL DEFAULT '',
    error_text         TEXT         NOT NULL DEFAULT '',
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all tables and indexes required by the store. It is safe to
// run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlRuns, ddlRunResults, ddlDependencyImages} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
