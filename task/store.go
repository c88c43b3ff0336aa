package task

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("task already exists")
)

// Store persists tasks. Create is atomic: exactly one caller wins when
// concurrent creates race on the same id. Update is an upsert.
type Store interface {
	Get(ctx context.Context, id string) (*Task, error)
	Create(ctx context.Context, t *Task) error
	Update(ctx context.Context, t *Task) error
	ListByInstallation(ctx context.Context, installationID int64) ([]*Task, error)
}

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Get returns a copy of the task, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Create stores a new task, failing with ErrAlreadyExists if the id is taken.
func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return ErrAlreadyExists
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Update upserts the task.
func (s *MemoryStore) Update(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// ListByInstallation returns all tasks for an installation, newest first.
func (s *MemoryStore) ListByInstallation(_ context.Context, installationID int64) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.InstallationID == installationID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
