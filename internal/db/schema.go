package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schema is applied on startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS task_sync_state (
	namespace       TEXT        NOT NULL,
	external_id     TEXT        NOT NULL,
	dest_page_id    TEXT        NOT NULL DEFAULT '',
	payload_hash    TEXT        NOT NULL DEFAULT '',
	echo_hash       TEXT        NOT NULL DEFAULT '',
	sync_status     TEXT        NOT NULL DEFAULT 'ok',
	sync_source     TEXT        NOT NULL DEFAULT '',
	was_eligible    BOOLEAN     NOT NULL DEFAULT FALSE,
	backlink_added  BOOLEAN     NOT NULL DEFAULT FALSE,
	last_synced_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	error_note      TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, external_id)
);

CREATE INDEX IF NOT EXISTS task_sync_state_status_idx
	ON task_sync_state (namespace, sync_status);

CREATE TABLE IF NOT EXISTS project_sync_state (
	namespace          TEXT        NOT NULL,
	source_project_id  TEXT        NOT NULL,
	dest_page_id       TEXT        NOT NULL DEFAULT '',
	echo_hash          TEXT        NOT NULL DEFAULT '',
	name_last_written  TEXT        NOT NULL DEFAULT '',
	status             TEXT        NOT NULL DEFAULT 'Active',
	areas_frozen_at    TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_synced_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, source_project_id)
);

CREATE TABLE IF NOT EXISTS sync_meta (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS sync_queue (
	id          UUID        PRIMARY KEY,
	namespace   TEXT        NOT NULL,
	item_id     TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	attempts    INT         NOT NULL DEFAULT 0,
	visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_at   TIMESTAMPTZ,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS sync_queue_visible_idx
	ON sync_queue (namespace, visible_at);
`

// Migrate applies the schema to the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return err
	}
	log.Info().Msg("database schema applied")
	return nil
}
