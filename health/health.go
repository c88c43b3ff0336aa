// Package health exposes liveness and readiness probes over HTTP. Probes are
// registered by app wiring; the registry evaluates them on demand rather than
// polling in the background.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// CheckResult is the outcome of one probe evaluation.
type CheckResult struct {
	Name       string `json:"name"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the detailed health response body.
type Report struct {
	Status  string        `json:"status"`
	Checks  []CheckResult `json:"checks"`
	Checked time.Time     `json:"checked_at"`
}

// Registry holds named probes. Safe for concurrent registration and checks.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
	// timeout bounds each probe evaluation.
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		probes:  make(map[string]Probe),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Register adds a probe under name, replacing any existing probe with the
// same name.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
}

// Check evaluates every probe and returns a report. Healthy means every
// probe passed.
func (r *Registry) Check(ctx context.Context) *Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = r.probes[name]
	}
	r.mu.RUnlock()

	report := &Report{
		Status:  "healthy",
		Checks:  make([]CheckResult, 0, len(names)),
		Checked: time.Now().UTC(),
	}

	for i, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		err := probes[i](probeCtx)
		cancel()

		res := CheckResult{
			Name:       name,
			Healthy:    err == nil,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Error = err.Error()
			report.Status = "unhealthy"
			r.logger.Warn("health probe failed",
				"probe", name,
				"error", err)
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}

// Healthy reports whether every registered probe currently passes.
func (r *Registry) Healthy(ctx context.Context) bool {
	return r.Check(ctx).Status == "healthy"
}

// Handler serves the plain liveness endpoint. It answers OK as long as the
// process is serving requests; dependency state is the detailed endpoint's
// concern.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK\n"))
	})
}

// DetailedHandler serves the readiness endpoint: 200 with a JSON report when
// every probe passes, 503 otherwise.
func (r *Registry) DetailedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Check(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			r.logger.Error("encode health report", "error", err)
		}
	})
}
