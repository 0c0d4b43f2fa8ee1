package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/domain"
)

// Postgres implements Queue on the sync_queue table using
// FOR UPDATE SKIP LOCKED so concurrent workers never lease the same
// row twice.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgres returns a Queue backed by the given pool.
func NewPostgres(pool *pgxpool.Pool, namespace string) *Postgres {
	return &Postgres{pool: pool, namespace: namespace}
}

func (q *Postgres) Enqueue(ctx context.Context, msg domain.SyncMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sync message: %w", err)
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO sync_queue (id, namespace, item_id, payload)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), q.namespace, msg.SourceItemID, payload)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.SourceItemID, err)
	}

	log.Debug().
		Str("item_id", msg.SourceItemID).
		Str("action", string(msg.Action)).
		Msg("message enqueued")
	return nil
}

func (q *Postgres) Dequeue(ctx context.Context) (*Delivery, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id       uuid.UUID
		payload  []byte
		attempts int
	)
	err = tx.QueryRow(ctx, `
		SELECT id, payload, attempts
		FROM sync_queue
		WHERE namespace = $1 AND visible_at <= now()
		ORDER BY enqueued_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, q.namespace).Scan(&id, &payload, &attempts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease message: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE sync_queue
		SET attempts = attempts + 1, locked_at = now(), visible_at = now() + $2
		WHERE id = $1
	`, id, visibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("mark leased: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	var msg domain.SyncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Poison message: drop it rather than wedging the queue.
		log.Error().Err(err).Str("id", id.String()).Msg("dropping unparsable queue message")
		_ = q.Ack(ctx, id)
		return nil, nil
	}
	msg.Attempt = attempts + 1

	return &Delivery{ID: id, Message: msg, Attempt: attempts + 1}, nil
}

func (q *Postgres) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *Postgres) Nack(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE sync_queue SET locked_at = NULL, visible_at = now() + $2 WHERE id = $1
	`, id, delay)
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return nil
}

func (q *Postgres) InFlight(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM sync_queue WHERE namespace = $1
	`, q.namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}
