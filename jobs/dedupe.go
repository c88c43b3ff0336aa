package jobs

import "sync"

// Deduper maps idempotency keys to the in-flight job holding them. At most
// one non-terminal job may hold a key; registrations are released when the
// holding job reaches a terminal state.
type Deduper struct {
	mu       sync.Mutex
	byKey    map[string]string // key -> job id
	keyByJob map[string]string // job id -> key
}

// NewDeduper creates an empty registry.
func NewDeduper() *Deduper {
	return &Deduper{
		byKey:    make(map[string]string),
		keyByJob: make(map[string]string),
	}
}

// Register atomically claims key for jobID. It returns false without mutation
// when another job already holds the key. An empty key is never stored and
// always succeeds.
func (d *Deduper) Register(jobID, key string) bool {
	if key == "" {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if holder, ok := d.byKey[key]; ok && holder != jobID {
		return false
	}
	d.byKey[key] = jobID
	d.keyByJob[jobID] = key
	return true
}

// InFlight returns the job id currently holding key, if any.
func (d *Deduper) InFlight(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byKey[key]
	return id, ok
}

// Unregister releases the key held by jobID. Releasing by job id verifies the
// owner's identity: a stale call for a key that has since been re-registered
// by another job is a no-op.
func (d *Deduper) Unregister(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := d.keyByJob[jobID]
	if !ok {
		return
	}
	delete(d.keyByJob, jobID)
	if d.byKey[key] == jobID {
		delete(d.byKey, key)
	}
}

// Clear removes all registrations.
func (d *Deduper) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.byKey = make(map[string]string)
	d.keyByJob = make(map[string]string)
}
