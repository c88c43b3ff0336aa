// Package storage provides durable NATS JetStream KV implementations of the
// task and job-status stores. The in-memory implementations in the task and
// jobs packages remain the default; these are wired in when persistence
// across restarts matters.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names.
const (
	BucketTasks = "ISSUEPILOT_TASKS"
	BucketJobs  = "ISSUEPILOT_JOBS"
)

// getOrCreateBucket returns the named KV bucket, creating it on first use.
func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("issuepilot %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// encodeKey maps an arbitrary identifier onto the KV key alphabet. Task ids
// contain slashes, which KV keys do not allow.
func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// isNotFound reports whether err indicates a missing KV key.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}
