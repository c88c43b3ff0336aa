package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/issuepilot/issuepilot/jobs"
)

// StatusStore is a jobs.StatusStore backed by a JetStream KV bucket. Each
// status record is one key; List and Metrics scan the bucket, which is
// acceptable at the record counts a single service instance produces.
type StatusStore struct {
	kv jetstream.KeyValue
}

// NewStatusStore opens (or creates) the job status bucket.
func NewStatusStore(ctx context.Context, js jetstream.JetStream) (*StatusStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketJobs)
	if err != nil {
		return nil, fmt.Errorf("open job status bucket: %w", err)
	}
	return &StatusStore{kv: kv}, nil
}

// Set upserts the record keyed by its JobID.
func (s *StatusStore) Set(ctx context.Context, rec *jobs.StatusRecord) error {
	if rec == nil || rec.JobID == "" {
		return fmt.Errorf("status record job id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status %s: %w", rec.JobID, err)
	}
	if _, err := s.kv.Put(ctx, encodeKey(rec.JobID), data); err != nil {
		return fmt.Errorf("put status %s: %w", rec.JobID, err)
	}
	return nil
}

// Get returns the record for jobID, or jobs.ErrNotFound.
func (s *StatusStore) Get(ctx context.Context, jobID string) (*jobs.StatusRecord, error) {
	entry, err := s.kv.Get(ctx, encodeKey(jobID))
	if err != nil {
		if isNotFound(err) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("get status %s: %w", jobID, err)
	}

	var rec jobs.StatusRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal status %s: %w", jobID, err)
	}
	return &rec, nil
}

// List returns records matching the filter, newest first.
func (s *StatusStore) List(ctx context.Context, f jobs.ListFilter) ([]*jobs.StatusRecord, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return jobs.ApplyListFilter(all, f), nil
}

// Metrics aggregates the stored population on demand.
func (s *StatusStore) Metrics(ctx context.Context) (*jobs.MetricsSnapshot, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return jobs.AggregateMetrics(all), nil
}

// scan loads every record in the bucket. Entries that fail to load are
// skipped rather than failing the whole listing.
func (s *StatusStore) scan(ctx context.Context) ([]*jobs.StatusRecord, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list status keys: %w", err)
	}

	out := make([]*jobs.StatusRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec jobs.StatusRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
