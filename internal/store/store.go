// Package store is the durable state store binding source entities to
// destination pages. It owns TaskState and ProjectState rows and
// offers atomic per-key read-modify-write; no cross-key transactions.
package store

import (
	"context"
	"time"

	"github.com/erauner12/capsync/internal/domain"
)

// TaskMutator mutates a task state inside a transaction. The state
// passed in is the current row, or a zero-value row with ExternalID
// set when none exists yet. Returning an error aborts the write and
// leaves the previous state unchanged.
type TaskMutator func(*domain.TaskState) error

// ProjectMutator is the project-row counterpart of TaskMutator.
type ProjectMutator func(*domain.ProjectState) error

// Store is the state store contract. Implementations guarantee
// read-your-write per key within a worker and single-writer-per-key
// via their own concurrency control.
type Store interface {
	// GetTask returns the state for a source item id, or nil when the
	// item was never synced.
	GetTask(ctx context.Context, externalID string) (*domain.TaskState, error)
	// UpsertTask applies fn to the current (or new) row atomically and
	// returns the stored result.
	UpsertTask(ctx context.Context, externalID string, fn TaskMutator) (*domain.TaskState, error)
	// ListTasks returns rows filtered by status; empty status means all.
	ListTasks(ctx context.Context, status domain.SyncStatus) ([]domain.TaskState, error)

	GetProject(ctx context.Context, sourceProjectID string) (*domain.ProjectState, error)
	UpsertProject(ctx context.Context, sourceProjectID string, fn ProjectMutator) (*domain.ProjectState, error)
	ListProjects(ctx context.Context) ([]domain.ProjectState, error)

	// LastReconcileAt is the reverse-sync watermark. The zero time
	// means no reconcile has completed yet.
	LastReconcileAt(ctx context.Context) (time.Time, error)
	SetLastReconcileAt(ctx context.Context, t time.Time) error
}
