package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/issuepilot/issuepilot/audit"
)

// maxBodyBytes bounds webhook payloads. The forge caps deliveries at 25MB;
// anything near that is not an issue event.
const maxBodyBytes = 1 << 20

// HTTPHandler is the webhook ingress endpoint.
type HTTPHandler struct {
	handler *Handler
	secret  string
	auditor audit.Sink
	logger  *slog.Logger
}

// NewHTTPHandler wires the ingress over the domain handler. An empty secret
// disables signature validation.
func NewHTTPHandler(handler *Handler, secret string, auditor audit.Sink, logger *slog.Logger) *HTTPHandler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{handler: handler, secret: secret, auditor: auditor, logger: logger}
}

// RegisterHTTPHandlers registers POST /webhook on mux.
func (h *HTTPHandler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", h.handleWebhook)
}

func (h *HTTPHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := sanitizeForLog(r.Header.Get("X-GitHub-Delivery"))

	if !ValidSignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")) {
		ev := audit.NewEvent(audit.KindSignatureRejected)
		ev.Details = map[string]string{"delivery": delivery}
		h.auditor.Emit(r.Context(), ev)

		h.logger.Warn("webhook signature rejected", "delivery", delivery)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	ev := audit.NewEvent(audit.KindWebhookReceived)
	ev.Details = map[string]string{"event": sanitizeForLog(event), "delivery": delivery}
	h.auditor.Emit(r.Context(), ev)

	switch event {
	case "issues":
		h.handleIssuesEvent(w, r, body)
	case "installation":
		h.handleInstallationEvent(w, r, body)
	default:
		// Ping and every other event type are acknowledged and dropped.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *HTTPHandler) handleIssuesEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev IssuesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}

	jobID, err := h.handler.HandleIssues(r.Context(), &ev)
	if err != nil {
		h.logger.Error("issues event failed",
			"action", sanitizeForLog(ev.Action),
			"error", err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}
	if jobID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":     jobID,
		"statusUrl": "/jobs/" + jobID + "/status",
	})
}

func (h *HTTPHandler) handleInstallationEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev InstallationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}

	if err := h.handler.HandleInstallation(r.Context(), &ev); err != nil {
		h.logger.Error("installation event failed", "error", err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sanitizeForLog strips CR/LF from header values before they reach the log.
func sanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
