// Package api assembles the HTTP surface of the gate: operational
// endpoints, the middleware stack and the protected upstream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"

	"ssogate/internal/observability"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Gate wraps the protected upstream. *gate.Gate implements it.
type Gate interface {
	Middleware(next http.Handler) http.Handler
}

// Pinger is implemented by session stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes operational endpoints directly and everything else through
// the gate to the upstream application.
type Server struct {
	mux     *http.ServeMux
	logger  observability.Logger
	metrics *observability.Metrics
	checks  map[string]Pinger
}

// NewServer creates a new HTTP server with the given dependencies.
// If logger is nil, a default logger will be used.
// If metrics is nil, metrics collection is disabled.
func NewServer(mux *http.ServeMux, logger observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Server{mux: mux, logger: logger.WithComponent("api"), metrics: metrics, checks: map[string]Pinger{}}
}

// AddReadinessCheck makes /readyz depend on p.
func (s *Server) AddReadinessCheck(name string, p Pinger) {
	s.checks[name] = p
}

// RegisterRoutes mounts /healthz, /readyz and /metrics, and sends every
// other path through g to upstream.
func (s *Server) RegisterRoutes(g Gate, upstream http.Handler) {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.Handle("/", g.Middleware(forwardUser(upstream)))
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{
		"status", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		sentry.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ReadinessResponse represents the JSON response for the readiness check endpoint.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady returns 200 when every registered dependency answers and 503
// otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErr(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	ctx := r.Context()
	resp := ReadinessResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = "error"
			resp.Status = "unhealthy"
			s.logger.ErrorContext(ctx, "readiness check failed", "check", name, "error", err.Error())
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
