package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}

// waitForStatus polls the store until the job reaches the wanted status or
// the deadline expires.
func waitForStatus(t *testing.T, store StatusStore, jobID string, want Status) *StatusRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(context.Background(), jobID)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := store.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (last: %+v, err: %v)", jobID, want, rec, err)
	return nil
}
