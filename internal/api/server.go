// Package api serves the device manager's HTTP and websocket surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/health"
	"github.com/ElementAstro/lithium-next-sub000/internal/manager"
)

// Middleware wraps handlers with API key authentication, CORS, and
// request body limits.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates middleware bound to the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// CORS adds CORS headers based on configuration and reports whether the
// request was a preflight that has been fully handled.
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := false
	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		// No origins configured: development mode, allow all.
		allowed = true
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				allowedOrigin = origin
				break
			}
		}
	}
	if !allowed {
		m.logger.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// authorized checks the API key from the header or query parameter.
func (m *Middleware) authorized(r *http.Request) bool {
	if !m.config.AuthEnabled {
		return true
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	return apiKey == m.config.APIKey
}

// Secure combines CORS, body size limiting, and authentication.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}
		if !m.authorized(r) {
			m.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Authentication failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ReadOnly applies CORS and body size limits without authentication,
// for public read endpoints.
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}
		next(w, r)
	}
}

// Server exposes the manager facade over HTTP.
type Server struct {
	mgr     *manager.Manager
	checker *health.HealthChecker
	mw      *Middleware
	logger  zerolog.Logger
}

// NewServer creates the API server. checker may be nil, in which case
// the probe endpoints are not registered.
func NewServer(mgr *manager.Manager, checker *health.HealthChecker, cfg config.APIConfig, logger zerolog.Logger) *Server {
	return &Server{
		mgr:     mgr,
		checker: checker,
		mw:      NewMiddleware(cfg, logger),
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the complete handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	if s.checker != nil {
		mux.HandleFunc("/healthz", s.checker.HealthHandler)
		mux.HandleFunc("/livez", s.checker.LivenessHandler)
		mux.HandleFunc("/readyz", s.checker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/devices", s.mw.Secure(s.devicesRoute))
	mux.HandleFunc("/api/devices/connect", s.mw.Secure(s.connectHandler))
	mux.HandleFunc("/api/devices/disconnect", s.mw.Secure(s.disconnectHandler))
	mux.HandleFunc("/api/devices/primary", s.mw.Secure(s.primaryRoute))
	mux.HandleFunc("/api/devices/properties", s.mw.Secure(s.propertiesRoute))
	mux.HandleFunc("/api/devices/reset", s.mw.Secure(s.resetHandler))
	mux.HandleFunc("/api/devices/diagnostics", s.mw.Secure(s.diagnosticsHandler))
	mux.HandleFunc("/api/devices/metrics", s.mw.ReadOnly(s.deviceMetricsHandler))
	mux.HandleFunc("/api/devices/unhealthy", s.mw.ReadOnly(s.unhealthyHandler))

	mux.HandleFunc("/api/tasks", s.mw.Secure(s.tasksRoute))
	mux.HandleFunc("/api/tasks/migrate", s.mw.Secure(s.migrateTaskHandler))

	mux.HandleFunc("/api/alerts", s.mw.Secure(s.alertsRoute))
	mux.HandleFunc("/api/alerts/ack", s.mw.Secure(s.ackAlertHandler))

	mux.HandleFunc("/api/backends", s.mw.ReadOnly(s.backendsHandler))
	mux.HandleFunc("/api/backends/discover", s.mw.Secure(s.discoverHandler))

	mux.HandleFunc("/api/system/performance", s.mw.ReadOnly(s.performanceHandler))
	mux.HandleFunc("/api/system/stats", s.mw.ReadOnly(s.statsHandler))

	mux.HandleFunc("/api/config/export", s.mw.Secure(s.exportHandler))
	mux.HandleFunc("/api/config/import", s.mw.Secure(s.importHandler))

	mux.HandleFunc("/api/events/recent", s.mw.ReadOnly(s.recentEventsHandler))
	// The stream upgrades the connection itself; auth runs inside the
	// handler because websocket clients cannot follow a 401 redirect.
	mux.HandleFunc("/api/events/stream", s.streamHandler)

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
}

// statusForError maps domain sentinel errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound),
		errors.Is(err, domain.ErrTypeNotFound),
		errors.Is(err, domain.ErrBackendNotFound),
		errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrPropertyUnknown):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDeviceExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrServiceStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
