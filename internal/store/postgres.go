package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/domain"
)

const lastReconcileKey = "last_reconcile_at"

// Postgres implements Store on a pgx pool. Rows are namespaced so
// multiple environments can share one database.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgres returns a Store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool, namespace string) *Postgres {
	return &Postgres{pool: pool, namespace: namespace}
}

func (s *Postgres) GetTask(ctx context.Context, externalID string) (*domain.TaskState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT external_id, dest_page_id, payload_hash, echo_hash, sync_status,
		       sync_source, was_eligible, backlink_added, last_synced_at, error_note
		FROM task_sync_state
		WHERE namespace = $1 AND external_id = $2
	`, s.namespace, externalID)

	st, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task state %s: %w", externalID, err)
	}
	return st, nil
}

func (s *Postgres) UpsertTask(ctx context.Context, externalID string, fn TaskMutator) (*domain.TaskState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert task: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT external_id, dest_page_id, payload_hash, echo_hash, sync_status,
		       sync_source, was_eligible, backlink_added, last_synced_at, error_note
		FROM task_sync_state
		WHERE namespace = $1 AND external_id = $2
		FOR UPDATE
	`, s.namespace, externalID)

	st, err := scanTask(row)
	if err == pgx.ErrNoRows {
		st = &domain.TaskState{ExternalID: externalID, Status: domain.StatusOK}
	} else if err != nil {
		return nil, fmt.Errorf("lock task state %s: %w", externalID, err)
	}

	if err := fn(st); err != nil {
		return nil, err
	}
	st.ExternalID = externalID

	_, err = tx.Exec(ctx, `
		INSERT INTO task_sync_state
			(namespace, external_id, dest_page_id, payload_hash, echo_hash,
			 sync_status, sync_source, was_eligible, backlink_added,
			 last_synced_at, error_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (namespace, external_id) DO UPDATE SET
			dest_page_id   = EXCLUDED.dest_page_id,
			payload_hash   = EXCLUDED.payload_hash,
			echo_hash      = EXCLUDED.echo_hash,
			sync_status    = EXCLUDED.sync_status,
			sync_source    = EXCLUDED.sync_source,
			was_eligible   = EXCLUDED.was_eligible,
			backlink_added = EXCLUDED.backlink_added,
			last_synced_at = EXCLUDED.last_synced_at,
			error_note     = EXCLUDED.error_note
	`, s.namespace, externalID, st.DestPageID, st.PayloadHash, st.EchoHash,
		st.Status, st.Source, st.WasEligible, st.BacklinkAdded,
		st.LastSyncedAt, st.ErrorNote)
	if err != nil {
		return nil, fmt.Errorf("write task state %s: %w", externalID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task state %s: %w", externalID, err)
	}
	return st, nil
}

func (s *Postgres) ListTasks(ctx context.Context, status domain.SyncStatus) ([]domain.TaskState, error) {
	query := `
		SELECT external_id, dest_page_id, payload_hash, echo_hash, sync_status,
		       sync_source, was_eligible, backlink_added, last_synced_at, error_note
		FROM task_sync_state
		WHERE namespace = $1`
	args := []any{s.namespace}
	if status != "" {
		query += ` AND sync_status = $2`
		args = append(args, status)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task states: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskState
	for rows.Next() {
		st, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Postgres) GetProject(ctx context.Context, sourceProjectID string) (*domain.ProjectState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT source_project_id, dest_page_id, echo_hash, name_last_written,
		       status, areas_frozen_at, created_at, last_synced_at
		FROM project_sync_state
		WHERE namespace = $1 AND source_project_id = $2
	`, s.namespace, sourceProjectID)

	st, err := scanProject(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project state %s: %w", sourceProjectID, err)
	}
	return st, nil
}

func (s *Postgres) UpsertProject(ctx context.Context, sourceProjectID string, fn ProjectMutator) (*domain.ProjectState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert project: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT source_project_id, dest_page_id, echo_hash, name_last_written,
		       status, areas_frozen_at, created_at, last_synced_at
		FROM project_sync_state
		WHERE namespace = $1 AND source_project_id = $2
		FOR UPDATE
	`, s.namespace, sourceProjectID)

	st, err := scanProject(row)
	if err == pgx.ErrNoRows {
		st = &domain.ProjectState{SourceProjectID: sourceProjectID, Status: "Active"}
	} else if err != nil {
		return nil, fmt.Errorf("lock project state %s: %w", sourceProjectID, err)
	}

	if err := fn(st); err != nil {
		return nil, err
	}
	st.SourceProjectID = sourceProjectID

	var frozen *time.Time
	if !st.AreasFrozenAt.IsZero() {
		frozen = &st.AreasFrozenAt
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_sync_state
			(namespace, source_project_id, dest_page_id, echo_hash,
			 name_last_written, status, areas_frozen_at, created_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (namespace, source_project_id) DO UPDATE SET
			dest_page_id      = EXCLUDED.dest_page_id,
			echo_hash         = EXCLUDED.echo_hash,
			name_last_written = EXCLUDED.name_last_written,
			status            = EXCLUDED.status,
			areas_frozen_at   = EXCLUDED.areas_frozen_at,
			last_synced_at    = EXCLUDED.last_synced_at
	`, s.namespace, sourceProjectID, st.DestPageID, st.EchoHash,
		st.NameLastWritten, st.Status, frozen, st.CreatedAt, st.LastSyncedAt)
	if err != nil {
		return nil, fmt.Errorf("write project state %s: %w", sourceProjectID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit project state %s: %w", sourceProjectID, err)
	}
	return st, nil
}

func (s *Postgres) ListProjects(ctx context.Context) ([]domain.ProjectState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_project_id, dest_page_id, echo_hash, name_last_written,
		       status, areas_frozen_at, created_at, last_synced_at
		FROM project_sync_state
		WHERE namespace = $1
	`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("list project states: %w", err)
	}
	defer rows.Close()

	var out []domain.ProjectState
	for rows.Next() {
		st, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project state: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Postgres) LastReconcileAt(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM sync_meta WHERE namespace = $1 AND key = $2
	`, s.namespace, lastReconcileKey).Scan(&raw)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last reconcile time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Warn().Str("value", raw).Msg("unparsable reconcile watermark, resetting")
		return time.Time{}, nil
	}
	return t, nil
}

func (s *Postgres) SetLastReconcileAt(ctx context.Context, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_meta (namespace, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value
	`, s.namespace, lastReconcileKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set last reconcile time: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.TaskState, error) {
	var st domain.TaskState
	err := row.Scan(&st.ExternalID, &st.DestPageID, &st.PayloadHash, &st.EchoHash,
		&st.Status, &st.Source, &st.WasEligible, &st.BacklinkAdded,
		&st.LastSyncedAt, &st.ErrorNote)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func scanProject(row pgx.Row) (*domain.ProjectState, error) {
	var st domain.ProjectState
	var frozen *time.Time
	err := row.Scan(&st.SourceProjectID, &st.DestPageID, &st.EchoHash,
		&st.NameLastWritten, &st.Status, &frozen, &st.CreatedAt, &st.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	if frozen != nil {
		st.AreasFrozenAt = *frozen
	}
	return &st, nil
}
