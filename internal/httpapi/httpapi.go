// Package httpapi exposes the engine's operational HTTP surface: health
// and readiness probes, Prometheus metrics, and a small read-only API over
// execution history. Command execution itself stays on the MCP transport;
// nothing here can run a command.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/shellfence/internal/history"
	"github.com/jkaninda/shellfence/internal/observability"
	"github.com/jkaninda/shellfence/internal/policy"
)

const historyPageSize = 50

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr string // e.g., ":8090"

	// APIKeys maps API key to caller ID. Empty = /v1 endpoints disabled.
	APIKeys map[string]string

	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics. nil = no metrics endpoint.
	MetricsPath     string                       // Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Readiness checks for /readyz.
}

// Server is the operational HTTP server.
type Server struct {
	config  Config
	policy  *policy.Policy
	history *history.Store
	logger  *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
}

// NewServer creates the HTTP server. History may be nil; the history
// endpoint is then omitted.
func NewServer(cfg Config, pol *policy.Policy, hist *history.Store, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		policy:  pol,
		history: hist,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	// Authenticated read-only API.
	if len(s.config.APIKeys) > 0 {
		group := s.okapi.Group("/v1", s.authenticate)
		group.Get("/allowed-commands", s.handleAllowedCommands,
			okapi.DocSummary("List the exact-match allowed command names"),
			okapi.DocTags("Policy"),
			okapi.DocResponse(AllowedCommandsResponse{}),
		)
		if s.history != nil {
			group.Get("/history", s.handleHistory,
				okapi.DocSummary("List recent executions, newest first"),
				okapi.DocTags("History"),
				okapi.DocResponse([]HistoryEntry{}),
				okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
			)
		}
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http server starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http server stopping")
	return s.okapi.Shutdown(s.server)
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// AllowedCommandsResponse lists the policy's exact-match names.
type AllowedCommandsResponse struct {
	Commands []string `json:"commands"`
}

func (s *Server) handleAllowedCommands(c *okapi.Context) error {
	return c.OK(&AllowedCommandsResponse{Commands: s.policy.AllowedCommands()})
}

// HistoryEntry is one execution in the history listing.
type HistoryEntry struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	Directory string `json:"directory,omitempty"`
	Mode      string `json:"mode"`
	Status    int    `json:"status"`
	Error     string `json:"error,omitempty"`
	Duration  int64  `json:"duration_ms"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleHistory(c *okapi.Context) error {
	rows, err := s.history.Recent(c.Context(), historyPageSize)
	if err != nil {
		s.logger.Error("history query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("history unavailable")
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, HistoryEntry{
			ID:        row.ID,
			Command:   row.Command,
			Directory: row.Directory,
			Mode:      row.Mode,
			Status:    row.Status,
			Error:     row.Error,
			Duration:  row.DurationMS,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.OK(out)
}

// authenticate validates the Bearer API key with a constant-time comparison
// and stores the resolved caller ID on the request context.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, id := range s.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = id
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

