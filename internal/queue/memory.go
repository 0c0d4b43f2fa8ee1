package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/capsync/internal/domain"
)

type memoryEntry struct {
	id        uuid.UUID
	msg       domain.SyncMessage
	attempts  int
	visibleAt time.Time
	leased    bool
}

// Memory is an in-memory Queue for tests and local dev mode. Delivery
// semantics match the postgres queue: at-least-once, redelivery after
// Nack delay.
type Memory struct {
	mu      sync.Mutex
	entries []*memoryEntry
	now     func() time.Time
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (q *Memory) Enqueue(_ context.Context, msg domain.SyncMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &memoryEntry{
		id:        uuid.New(),
		msg:       msg,
		visibleAt: q.now(),
	})
	return nil
}

func (q *Memory) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, e := range q.entries {
		if e.leased || e.visibleAt.After(now) {
			continue
		}
		e.leased = true
		e.attempts++
		e.visibleAt = now.Add(visibilityTimeout)
		msg := e.msg
		msg.Attempt = e.attempts
		return &Delivery{ID: e.id, Message: msg, Attempt: e.attempts}, nil
	}
	return nil, nil
}

func (q *Memory) Ack(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *Memory) Nack(_ context.Context, id uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.id == id {
			e.leased = false
			e.visibleAt = q.now().Add(delay)
			return nil
		}
	}
	return nil
}

func (q *Memory) InFlight(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
