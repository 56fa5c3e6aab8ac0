// Package health aggregates component health checks and serves the
// liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Checker reports whether one component is currently able to do its
// job. Implementations must honor the context deadline.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a plain function to the Checker interface.
type CheckFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Status values reported per check and for the service overall.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Config tunes the health checker.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// CheckTimeout bounds each individual check.
	CheckTimeout time.Duration
	// RefreshInterval is the background re-check period.
	RefreshInterval time.Duration
}

// CheckStatus is the latest outcome of a single check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse is the JSON body served by the health endpoints.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
}

// HealthChecker runs registered checks in parallel and caches their
// outcomes. Readiness reports unhealthy once Stop has been called, so
// load balancers drain the instance before connections drop.
type HealthChecker struct {
	cfg       Config
	startedAt time.Time

	mu       sync.RWMutex
	checks   map[string]Checker
	statuses map[string]CheckStatus

	started  atomic.Bool
	shutdown atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewChecker creates a health checker with no registered checks.
func NewChecker(cfg Config) *HealthChecker {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	return &HealthChecker{
		cfg:       cfg,
		startedAt: time.Now(),
		checks:    make(map[string]Checker),
		statuses:  make(map[string]CheckStatus),
		stop:      make(chan struct{}),
	}
}

// AddCheck registers a named check. Re-registering a name replaces the
// previous checker.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
	h.statuses[name] = CheckStatus{Name: name, Status: StatusUnknown}
}

// RemoveCheck removes a check and its cached status.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.statuses, name)
}

// Start launches the background refresh loop. No-op when already
// running.
func (h *HealthChecker) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	h.wg.Add(1)
	go h.loop()
}

// Stop halts the refresh loop and flips readiness to unhealthy.
func (h *HealthChecker) Stop() {
	h.shutdown.Store(true)
	if h.started.CompareAndSwap(true, false) {
		close(h.stop)
		h.wg.Wait()
	}
}

func (h *HealthChecker) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.Check(context.Background())
		}
	}
}

// Check runs every registered check in parallel, each bounded by the
// configured timeout, and returns the aggregated response. Results are
// cached for GetStatus.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	resp := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.cfg.ServiceName,
		Version:   h.cfg.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
		Checks:    make(map[string]*CheckStatus, len(checks)),
	}

	var wg sync.WaitGroup
	var respMu sync.Mutex
	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			defer cancel()

			began := time.Now()
			err := checker.HealthCheck(checkCtx)
			status := CheckStatus{
				Name:      name,
				Status:    StatusHealthy,
				LatencyMS: time.Since(began).Milliseconds(),
				LastCheck: time.Now(),
			}
			if err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			}

			respMu.Lock()
			resp.Checks[name] = &status
			if status.Status != StatusHealthy {
				resp.Status = StatusUnhealthy
			}
			respMu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	h.mu.Lock()
	for name, status := range resp.Checks {
		h.statuses[name] = *status
	}
	h.mu.Unlock()

	return resp
}

// GetStatus returns the cached status of one check.
func (h *HealthChecker) GetStatus(name string) (CheckStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status, ok := h.statuses[name]
	return status, ok
}

// IsHealthy reports whether every check currently passes.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status == StatusHealthy
}

// HealthHandler serves the full health report. Any failing check turns
// the response into a 503.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Check(r.Context())
	writeHealth(w, resp, resp.Status == StatusHealthy)
}

// LivenessHandler answers 200 whenever the process is running. It
// never runs the checks.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.cfg.ServiceName,
		Version:   h.cfg.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
	}
	writeHealth(w, resp, true)
}

// ReadinessHandler answers 200 only while all dependencies pass and
// the service is not shutting down.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.shutdown.Load() {
		resp := &HealthResponse{
			Status:    StatusUnhealthy,
			Service:   h.cfg.ServiceName,
			Version:   h.cfg.ServiceVersion,
			Timestamp: time.Now(),
		}
		writeHealth(w, resp, false)
		return
	}
	resp := h.Check(r.Context())
	writeHealth(w, resp, resp.Status == StatusHealthy)
}

func writeHealth(w http.ResponseWriter, resp *HealthResponse, healthy bool) {
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
