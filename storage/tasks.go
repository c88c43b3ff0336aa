package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/issuepilot/issuepilot/task"
)

// TaskStore is a task.Store backed by a JetStream KV bucket. KV Create is
// atomic, so concurrent creates for the same task id have exactly one winner
// without any coordination here.
type TaskStore struct {
	kv jetstream.KeyValue
}

// NewTaskStore opens (or creates) the task bucket.
func NewTaskStore(ctx context.Context, js jetstream.JetStream) (*TaskStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("open task bucket: %w", err)
	}
	return &TaskStore{kv: kv}, nil
}

// Get returns the task for id, or task.ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	entry, err := s.kv.Get(ctx, encodeKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var t task.Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// Create stores a new task, failing with task.ErrAlreadyExists when the id
// is taken.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	if _, err := s.kv.Create(ctx, encodeKey(t.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return task.ErrAlreadyExists
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Update upserts the task.
func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if _, err := s.kv.Put(ctx, encodeKey(t.ID), data); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// ListByInstallation scans the bucket for tasks under installationID,
// newest first. Entries that fail to load are skipped.
func (s *TaskStore) ListByInstallation(ctx context.Context, installationID int64) ([]*task.Task, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	var out []*task.Task
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var t task.Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.InstallationID == installationID {
			out = append(out, &t)
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
