// Package queue is the durable job queue between intake and the
// workers. Messages are delivered at least once; the worker pipeline
// is hash-guarded so redelivery is safe.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/capsync/internal/domain"
)

// visibilityTimeout is how long a dequeued message stays invisible
// before it is considered abandoned and redelivered.
const visibilityTimeout = 5 * time.Minute

// Delivery is one leased message. Attempt counts deliveries including
// this one.
type Delivery struct {
	ID      uuid.UUID
	Message domain.SyncMessage
	Attempt int
}

// Queue is the durable queue contract.
type Queue interface {
	Enqueue(ctx context.Context, msg domain.SyncMessage) error
	// Dequeue leases the next visible message, or returns nil when the
	// queue is empty.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, id uuid.UUID) error
	// Nack returns the message to the queue, visible again after delay.
	Nack(ctx context.Context, id uuid.UUID, delay time.Duration) error
	// InFlight reports how many messages are pending or leased; the
	// reconciler uses it to avoid flooding.
	InFlight(ctx context.Context) (int, error)
}
