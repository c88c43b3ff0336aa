package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request with method, path, status, and
// duration. Paths are CR/LF-stripped before logging since they are
// caller-controlled.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, req)

			logger.Info("http request",
				"method", req.Method,
				"path", Sanitize(req.URL.Path),
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", Sanitize(req.RemoteAddr))
		})
	}
}

// Sanitize strips CR and LF from caller-controlled values so they cannot
// forge log lines.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
