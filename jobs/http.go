package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// defaultPageSize bounds unpaginated list queries.
const defaultPageSize = 50

// HTTPHandler exposes the job status surface: list, per-job status, metrics,
// dead-letter queue, and cancellation.
type HTTPHandler struct {
	store      StatusStore
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHTTPHandler creates the handler over the given store and dispatcher.
func NewHTTPHandler(store StatusStore, dispatcher *Dispatcher, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{store: store, dispatcher: dispatcher, logger: logger}
}

// RegisterHTTPHandlers registers the job endpoints on mux:
//
//	GET  /jobs                 filtered, paginated list
//	GET  /jobs/metrics         aggregate counts
//	GET  /jobs/dead-letter     paginated dead-letter list
//	GET  /jobs/{id}/status     single record
//	POST /jobs/{id}/cancel     cooperative cancellation
func (h *HTTPHandler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", h.handleList)
	mux.HandleFunc("/jobs/", h.handleJobPath)
}

// handleList handles GET /jobs with status/type/source/skip/take filters.
func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := ListFilter{
		Status: Status(q.Get("status")),
		Type:   q.Get("type"),
		Source: q.Get("source"),
		Skip:   intParam(q.Get("skip"), 0),
		Take:   intParam(q.Get("take"), defaultPageSize),
	}

	recs, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("job list failed", "error", err)
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  recs,
		"count": len(recs),
	})
}

// handleJobPath routes /jobs/metrics, /jobs/dead-letter, /jobs/{id}/status,
// and /jobs/{id}/cancel.
func (h *HTTPHandler) handleJobPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")

	switch rest {
	case "metrics":
		h.handleMetrics(w, r)
		return
	case "dead-letter":
		h.handleDeadLetter(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	jobID, action := parts[0], parts[1]

	switch action {
	case "status":
		h.handleStatus(w, r, jobID)
	case "cancel":
		h.handleCancel(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleStatus handles GET /jobs/{id}/status.
func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, err := h.store.Get(r.Context(), jobID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("job status lookup failed",
			"job_id", sanitizeForLog(jobID),
			"error", err)
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleCancel handles POST /jobs/{id}/cancel.
func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.dispatcher.Cancel(r.Context(), jobID) {
		http.Error(w, "Job not found or not cancellable", http.StatusNotFound)
		return
	}

	h.logger.Info("job cancelled via API", "job_id", sanitizeForLog(jobID))
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "cancelled": true})
}

// handleMetrics handles GET /jobs/metrics.
func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := h.store.Metrics(r.Context())
	if err != nil {
		h.logger.Error("job metrics failed", "error", err)
		http.Error(w, "Failed to compute metrics", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleDeadLetter handles GET /jobs/dead-letter.
func (h *HTTPHandler) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	recs, err := ListByStatus(r.Context(), h.store, StatusDeadLetter,
		intParam(q.Get("skip"), 0), intParam(q.Get("take"), defaultPageSize))
	if err != nil {
		h.logger.Error("dead-letter list failed", "error", err)
		http.Error(w, "Failed to list dead-letter jobs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  recs,
		"count": len(recs),
	})
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sanitizeForLog strips CR/LF from user-provided identifiers before they are
// echoed into logs.
func sanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
