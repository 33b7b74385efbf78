package store

import "context"

// schemaDDL creates every table in §3/§6's "Persisted state layout" if
// absent. Migrations beyond additive CREATE TABLE IF NOT EXISTS are out of
// scope, per spec.md's Non-goals ("schema migration of replicated tables").
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL DEFAULT 'active',
	max_branches       INT NOT NULL DEFAULT 0,
	rate_limit_per_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
	conflict_strategy  TEXT NOT NULL DEFAULT 'LastWriteWins',
	source_priority    JSONB NOT NULL DEFAULT '[]',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS branches (
	tenant_id    TEXT NOT NULL REFERENCES tenants(id),
	id           TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	api_key_hash TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'offline',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS offline_messages (
	id               BIGSERIAL PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	target_branch_id TEXT NOT NULL,
	envelope_bytes   BYTEA NOT NULL,
	priority         SMALLINT NOT NULL DEFAULT 5,
	ttl_deadline     TIMESTAMPTZ NOT NULL,
	enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS offline_messages_drain_idx
	ON offline_messages (tenant_id, target_branch_id, priority DESC, enqueued_at ASC);

CREATE TABLE IF NOT EXISTS conflict_resolutions (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	primary_key TEXT NOT NULL,
	change_a    JSONB NOT NULL,
	change_b    JSONB NOT NULL,
	strategy    TEXT NOT NULL,
	winner      TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- applied_changes holds the last-applied Record per (tenant, table, pk),
-- the comparison basis for conflict.Resolver.Evaluate. Not named in §3's
-- table list verbatim, but required to answer "what did we last apply for
-- this key" — the same persistence concern as conflict_resolutions, just
-- keyed for point lookups instead of appended for audit.
CREATE TABLE IF NOT EXISTS applied_changes (
	tenant_id        TEXT NOT NULL,
	table_name       TEXT NOT NULL,
	primary_key      TEXT NOT NULL,
	change           JSONB NOT NULL,
	origin_branch_id TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, table_name, primary_key)
);

CREATE TABLE IF NOT EXISTS sync_transactions (
	id               BIGSERIAL PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	origin_branch_id TEXT NOT NULL,
	batch_id         TEXT NOT NULL,
	change_count     INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id        BIGSERIAL PRIMARY KEY,
	kind      TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	branch_id TEXT NOT NULL DEFAULT '',
	source_ip TEXT NOT NULL DEFAULT '',
	detail    TEXT NOT NULL DEFAULT '',
	at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies schemaDDL. Safe to call on every startup: every
// statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, schemaDDL)
		return nil, err
	})
}
