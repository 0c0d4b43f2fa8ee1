package store

import (
	"context"
	"sync"
	"time"

	"github.com/erauner12/capsync/internal/domain"
)

// Memory is an in-memory Store used by tests and local dev mode. It
// mirrors the postgres semantics: per-key atomic mutation, mutator
// failure leaves the row untouched.
type Memory struct {
	mu            sync.Mutex
	tasks         map[string]domain.TaskState
	projects      map[string]domain.ProjectState
	lastReconcile time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]domain.TaskState),
		projects: make(map[string]domain.ProjectState),
	}
}

func (m *Memory) GetTask(_ context.Context, externalID string) (*domain.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[externalID]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (m *Memory) UpsertTask(_ context.Context, externalID string, fn TaskMutator) (*domain.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tasks[externalID]
	if !ok {
		st = domain.TaskState{ExternalID: externalID, Status: domain.StatusOK}
	}
	work := st
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.ExternalID = externalID
	m.tasks[externalID] = work
	cp := work
	return &cp, nil
}

func (m *Memory) ListTasks(_ context.Context, status domain.SyncStatus) ([]domain.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TaskState
	for _, st := range m.tasks {
		if status == "" || st.Status == status {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *Memory) GetProject(_ context.Context, sourceProjectID string) (*domain.ProjectState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.projects[sourceProjectID]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (m *Memory) UpsertProject(_ context.Context, sourceProjectID string, fn ProjectMutator) (*domain.ProjectState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.projects[sourceProjectID]
	if !ok {
		st = domain.ProjectState{SourceProjectID: sourceProjectID, Status: "Active"}
	}
	work := st
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.SourceProjectID = sourceProjectID
	m.projects[sourceProjectID] = work
	cp := work
	return &cp, nil
}

func (m *Memory) ListProjects(_ context.Context) ([]domain.ProjectState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProjectState, 0, len(m.projects))
	for _, st := range m.projects {
		out = append(out, st)
	}
	return out, nil
}

func (m *Memory) LastReconcileAt(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReconcile, nil
}

func (m *Memory) SetLastReconcileAt(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReconcile = t
	return nil
}
