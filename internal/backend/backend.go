// Package backend abstracts heterogeneous device protocol integrations
// behind one interface, with a factory-backed registry and union
// discovery across connected backends.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// ServerConfig addresses a backend's server process.
type ServerConfig struct {
	Host    string            `json:"host"`
	Port    int               `json:"port"`
	Timeout time.Duration     `json:"timeout"`
	Options map[string]string `json:"options,omitempty"`
}

// EventCallback receives backend events translated into device events.
type EventCallback func(domain.Event)

// Backend is one protocol integration. Implementations translate their
// native notions into DiscoveredDevice and domain events so the rest of
// the system never sees protocol details.
type Backend interface {
	Name() string
	Version() string

	ConnectServer(ctx context.Context, cfg ServerConfig) error
	DisconnectServer(ctx context.Context) error
	IsServerConnected() bool
	ServerStatus() map[string]any

	DiscoverDevices(ctx context.Context, timeout time.Duration) ([]domain.DiscoveredDevice, error)
	Devices() []domain.DiscoveredDevice
	Device(id string) (domain.DiscoveredDevice, bool)

	ConnectDevice(ctx context.Context, id string) error
	DisconnectDevice(ctx context.Context, id string) error

	Property(id, name string) (any, bool)
	SetProperty(ctx context.Context, id, name string, value any) error

	RegisterEventCallback(cb EventCallback)
	UnregisterEventCallback()
}

// Factory builds a backend on first demand.
type Factory func() (Backend, error)

// Registry tracks backends by name. Instantiation is lazy: a factory
// registration costs nothing until the backend is first requested.
type Registry struct {
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	factories map[string]Factory
	backends  map[string]Backend
	callback  EventCallback
}

// NewRegistry creates an empty registry. Discovery refreshes are
// throttled to one per refreshEvery; zero disables throttling.
func NewRegistry(refreshEvery time.Duration, logger zerolog.Logger) *Registry {
	limit := rate.Inf
	if refreshEvery > 0 {
		limit = rate.Every(refreshEvery)
	}
	return &Registry{
		logger:    logger.With().Str("component", "backend").Logger(),
		limiter:   rate.NewLimiter(limit, 1),
		factories: make(map[string]Factory),
		backends:  make(map[string]Backend),
	}
}

// RegisterFactory registers a lazily constructed backend. Registration
// is idempotent by name: the first factory wins.
func (r *Registry) RegisterFactory(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("%w: factory needs a name and a constructor", domain.ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return nil
	}
	if _, ok := r.backends[name]; ok {
		return nil
	}
	r.factories[name] = f
	r.logger.Debug().Str("backend", name).Msg("Backend factory registered")
	return nil
}

// Register installs an already constructed backend. Idempotent by name.
func (r *Registry) Register(name string, b Backend) error {
	if name == "" || b == nil {
		return fmt.Errorf("%w: backend needs a name", domain.ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		return nil
	}
	r.backends[name] = b
	if r.callback != nil {
		b.RegisterEventCallback(r.guardedCallback(name, r.callback))
	}
	r.logger.Info().Str("backend", name).Str("version", b.Version()).Msg("Backend registered")
	return nil
}

// Backend returns the named backend, constructing it from its factory
// on first demand.
func (r *Registry) Backend(name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.backends[name]; ok {
		return b, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBackendNotFound, name)
	}
	b, err := f()
	if err != nil {
		return nil, fmt.Errorf("create backend %s: %w", name, err)
	}
	r.backends[name] = b
	if r.callback != nil {
		b.RegisterEventCallback(r.guardedCallback(name, r.callback))
	}
	r.logger.Info().Str("backend", name).Str("version", b.Version()).Msg("Backend instantiated")
	return b, nil
}

// Names lists every registered backend and factory, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.backends)+len(r.factories))
	out := make([]string, 0, len(seen))
	for name := range r.backends {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for name := range r.factories {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SetEventCallback installs a global callback on every current and
// future backend. Backend code that panics inside the callback chain is
// contained and surfaced as an Error event.
func (r *Registry) SetEventCallback(cb EventCallback) {
	r.mu.Lock()
	r.callback = cb
	backends := make(map[string]Backend, len(r.backends))
	for name, b := range r.backends {
		backends[name] = b
	}
	r.mu.Unlock()

	for name, b := range backends {
		if cb == nil {
			b.UnregisterEventCallback()
		} else {
			b.RegisterEventCallback(r.guardedCallback(name, cb))
		}
	}
}

// DiscoverAll unions discovery over all server-connected backends.
// Duplicate device ids across backends are preserved; deduplication is
// the caller's concern. A failing backend contributes nothing and
// surfaces an Error event, never an error return.
func (r *Registry) DiscoverAll(ctx context.Context, timeout time.Duration) []domain.DiscoveredDevice {
	r.mu.RLock()
	backends := make(map[string]Backend, len(r.backends))
	for name, b := range r.backends {
		backends[name] = b
	}
	cb := r.callback
	r.mu.RUnlock()

	var out []domain.DiscoveredDevice
	for name, b := range backends {
		if !b.IsServerConnected() {
			continue
		}
		devices, err := r.discoverOne(ctx, name, b, timeout)
		if err != nil {
			r.logger.Warn().Err(err).Str("backend", name).Msg("Backend discovery failed")
			if cb != nil {
				ev := domain.NewErrorEvent("", "", fmt.Sprintf("discovery failed: %v", err), true)
				ev.Source = name
				cb(ev)
			}
			continue
		}
		out = append(out, devices...)

		if cb != nil && len(devices) > 0 {
			ids := make([]string, len(devices))
			for i, d := range devices {
				ids[i] = d.DeviceID
			}
			cb(domain.NewDiscoveryEvent(name, ids))
		}
	}
	return out
}

// RefreshAll is DiscoverAll behind the refresh throttle. It blocks
// until the limiter admits the refresh or ctx is cancelled.
func (r *Registry) RefreshAll(ctx context.Context, timeout time.Duration) ([]domain.DiscoveredDevice, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("discovery refresh: %w", domain.ErrCancelled)
	}
	return r.DiscoverAll(ctx, timeout), nil
}

// discoverOne contains panics thrown by backend code.
func (r *Registry) discoverOne(ctx context.Context, name string, b Backend, timeout time.Duration) (devices []domain.DiscoveredDevice, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: backend %s panicked: %v", domain.ErrDiscoveryFailed, name, rec)
		}
	}()
	return b.DiscoverDevices(ctx, timeout)
}

// guardedCallback contains panics escaping the global callback so a
// misbehaving subscriber cannot kill a backend's event pump.
func (r *Registry) guardedCallback(backendName string, cb EventCallback) EventCallback {
	return func(ev domain.Event) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("backend", backendName).
					Interface("panic", rec).
					Msg("Backend event callback panicked")
			}
		}()
		cb(ev)
	}
}
