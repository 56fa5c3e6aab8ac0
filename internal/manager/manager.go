// Package manager assembles the device management runtime: registry,
// scheduler, connection pool, health monitor, resource manager,
// property cache, retry executor, and event bus, wired together behind
// one facade.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/backend"
	"github.com/ElementAstro/lithium-next-sub000/internal/cache"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/eventbus"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
	"github.com/ElementAstro/lithium-next-sub000/internal/monitor"
	"github.com/ElementAstro/lithium-next-sub000/internal/pool"
	"github.com/ElementAstro/lithium-next-sub000/internal/registry"
	"github.com/ElementAstro/lithium-next-sub000/internal/resource"
	"github.com/ElementAstro/lithium-next-sub000/internal/retry"
	"github.com/ElementAstro/lithium-next-sub000/internal/scheduler"
)

// The registry resolves drivers for the scheduler, the monitor records
// outcomes for both the scheduler and the retry executor, and backends
// feed the registry's discovery path.
var (
	_ scheduler.DriverResolver    = (*registry.Registry)(nil)
	_ scheduler.OperationRecorder = (*monitor.Monitor)(nil)
	_ retry.OperationRecorder     = (*monitor.Monitor)(nil)
	_ registry.DeviceSource       = (backend.Backend)(nil)
	_ registry.DriverFactory      = (*backend.DeviceFactory)(nil)
)

// Config gathers every subsystem's tuning in one place.
type Config struct {
	Bus       eventbus.Config
	Retry     retry.Config
	Registry  registry.Config
	Pool      pool.Config
	Monitor   monitor.Config
	Scheduler scheduler.Config
	Resources resource.Config
	Cache     cache.Config

	// DiscoveryInterval re-runs backend discovery in the background.
	// Zero disables the loop; discovery still runs on demand.
	DiscoveryInterval time.Duration
	// DiscoveryTimeout bounds each background discovery pass.
	DiscoveryTimeout time.Duration
	// MaintenanceInterval drives the periodic cleanup of finished task
	// records.
	MaintenanceInterval time.Duration
	// TaskRetention is how long finished tasks stay queryable before
	// maintenance drops them.
	TaskRetention time.Duration
}

// DefaultConfig returns production defaults with background discovery
// disabled.
func DefaultConfig() Config {
	return Config{
		Pool:                pool.DefaultConfig(),
		Scheduler:           scheduler.DefaultConfig(),
		Retry:               retry.Config{BreakerEnabled: true},
		DiscoveryTimeout:    10 * time.Second,
		MaintenanceInterval: time.Minute,
		TaskRetention:       time.Hour,
	}
}

// FromAppConfig maps the loaded application configuration onto the
// subsystem configs.
func FromAppConfig(app *config.Config) Config {
	cfg := DefaultConfig()
	cfg.Registry = registry.Config{ConnectTimeout: app.Pool.ConnectTimeout}
	cfg.Pool = pool.Config{
		MaxPerDevice:        app.Pool.MaxPerDevice,
		AcquireTimeout:      app.Pool.AcquireTimeout,
		ConnectTimeout:      app.Pool.ConnectTimeout,
		IdleTimeout:         app.Pool.IdleTimeout,
		MaintenanceInterval: app.Pool.MaintenanceInterval,
	}
	cfg.Monitor = monitor.Config{
		MonitoringInterval: app.Monitor.Interval,
		MaxHistory:         app.Monitor.MaxHistory,
		AlertCooldown:      app.Monitor.AlertCooldown,
		HealthyThreshold:   app.Monitor.HealthyThreshold,
	}
	cfg.Scheduler = scheduler.Config{
		Policy:             scheduler.ParsePolicy(app.Scheduler.Policy),
		MaxConcurrentTasks: app.Scheduler.MaxConcurrentTasks,
		MaxQueueSize:       app.Scheduler.MaxQueueSize,
		Workers:            app.Scheduler.Workers,
		SchedulingInterval: app.Scheduler.SchedulingInterval,
		AgingInterval:      app.Scheduler.AgingInterval,
		MaxExecutionTime:   app.Scheduler.MaxExecutionTime,
		EnableAging:        app.Scheduler.EnableAging,
		EnablePreemption:   app.Scheduler.EnablePreemption,
		EnableMigration:    app.Scheduler.EnableMigration,
		DeadlineAware:      app.Scheduler.DeadlineAware,
	}
	cfg.Resources = resource.Config{
		Policy:        resource.ParsePolicy(app.Resources.Policy),
		DefaultLease:  app.Resources.DefaultLease,
		MaxRenewals:   app.Resources.MaxRenewals,
		SweepInterval: app.Resources.SweepInterval,
		AutoOptimize:  app.Resources.AutoOptimize,
	}
	cfg.Cache = cache.Config{
		MaxEntries:      app.Cache.MaxEntries,
		DefaultTTL:      app.Cache.DefaultTTL,
		CleanupInterval: app.Cache.CleanupInterval,
		Policy:          cache.ParsePolicy(app.Cache.Policy),
	}
	cfg.DiscoveryInterval = app.Discovery.RefreshInterval
	cfg.DiscoveryTimeout = app.Discovery.Timeout
	return cfg
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithMetrics attaches the Prometheus registry. The metrics registry
// registers against the default registerer, so a process creates at
// most one.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// WithSink attaches a telemetry sink for monitor samples.
func WithSink(sink monitor.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithSnapshotStore attaches persistence for configuration exports.
func WithSnapshotStore(store registry.SnapshotSaver) Option {
	return func(m *Manager) { m.snapshots = store }
}

// WithBackends attaches a pre-built backend registry, typically one
// whose factories were registered from configuration.
func WithBackends(reg *backend.Registry) Option {
	return func(m *Manager) { m.backends = reg }
}

// Manager owns the runtime's components and their lifecycles.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	metrics   *metrics.Registry
	sink      monitor.Sink
	snapshots registry.SnapshotSaver

	bus       *eventbus.Bus
	monitor   *monitor.Monitor
	executor  *retry.Executor
	registry  *registry.Registry
	pool      *pool.Pool
	backends  *backend.Registry
	factory   *backend.DeviceFactory
	scheduler *scheduler.Scheduler
	resources *resource.Manager
	props     *cache.Cache[any]

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the runtime together. Construction starts the background
// sweepers owned by the pool, resource manager, and cache; Start brings
// up the scheduling and monitoring loops.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = time.Hour
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backends == nil {
		m.backends = backend.NewRegistry(0, logger)
	}

	m.bus = eventbus.New(cfg.Bus, logger)
	m.monitor = monitor.New(cfg.Monitor, m.bus, m.metrics, m.sink, logger)
	m.executor = retry.New(cfg.Retry, m.bus, m.monitor, m.metrics, logger)
	m.registry = registry.New(cfg.Registry, m.executor, m.bus, m.metrics, logger)
	if m.snapshots != nil {
		m.registry.SetSnapshotStore(m.snapshots)
	}

	poolCfg := cfg.Pool
	if poolCfg.DeviceExists == nil {
		poolCfg.DeviceExists = m.registry.Has
	}
	m.pool = pool.New(poolCfg, m.dialDevice, logger, m.metrics)

	m.resources = resource.New(cfg.Resources, m.bus, m.metrics, logger)
	m.scheduler = scheduler.New(cfg.Scheduler, m.registry, m.bus, m.monitor, m.metrics, logger)
	m.scheduler.SetResourceGate(&resourceGate{resources: m.resources})

	var cacheOpts []cache.Option[any]
	if m.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[any](m.metrics))
	}
	m.props = cache.New[any](cfg.Cache, logger, cacheOpts...)

	m.factory = backend.NewDeviceFactory()
	m.factory.SetFallback(m.backends.DriverFactory())
	m.backends.SetEventCallback(m.bus.Emit)

	// Devices enter the registry through AddDevice, discovery, and
	// configuration import alike; the bus is the one path that sees
	// them all.
	m.bus.SubscribeFiltered(m.onDeviceEvent, eventbus.Filter{
		Types: []domain.EventType{domain.EventDeviceAdded, domain.EventDeviceRemoved},
	})

	return m
}

// dialDevice is the pool's dialer. Pooled connections are logical
// sessions over the device's driver link, so dialing verifies the
// driver is connected rather than opening a second transport.
func (m *Manager) dialDevice(ctx context.Context, deviceName string) error {
	drv, err := m.registry.Driver(deviceName)
	if err != nil {
		return err
	}
	if !drv.IsConnected() {
		return fmt.Errorf("dial %s: %w", deviceName, domain.ErrNotConnected)
	}
	return nil
}

func (m *Manager) onDeviceEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventDeviceAdded:
		m.monitor.Track(ev.DeviceName)
		if err := m.pool.RegisterDevice(ev.DeviceName, 0); err != nil {
			m.logger.Warn().Err(err).Str("device", ev.DeviceName).Msg("Pool registration failed")
		}
	case domain.EventDeviceRemoved:
		m.monitor.Untrack(ev.DeviceName)
		m.pool.UnregisterDevice(ev.DeviceName)
		m.props.InvalidateDevice(ev.DeviceName)
	}
}

// Start launches the scheduler, the monitor, and the background loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return domain.ErrServiceStopped
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.monitor.Start(runCtx)
	if err := m.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	m.wg.Add(1)
	go m.maintenanceLoop(runCtx)
	if m.cfg.DiscoveryInterval > 0 {
		m.wg.Add(1)
		go m.discoveryLoop(runCtx)
	}

	m.logger.Info().
		Dur("maintenance_interval", m.cfg.MaintenanceInterval).
		Dur("discovery_interval", m.cfg.DiscoveryInterval).
		Msg("Device manager started")
	return nil
}

// Stop shuts the runtime down: the scheduler drains within ctx, devices
// are disconnected best-effort, and every component is closed. Stop is
// idempotent and also reclaims a manager that was never started.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if m.started.Load() {
		m.cancel()
		if err := m.scheduler.Stop(ctx); err != nil {
			firstErr = err
		}
		m.wg.Wait()
	}
	m.monitor.Stop()

	var connected []string
	for _, info := range m.registry.AllDevices() {
		if info.State.IsConnected {
			connected = append(connected, info.Name)
		}
	}
	if len(connected) > 0 {
		for _, res := range m.registry.DisconnectMany(ctx, connected) {
			if res.Err != nil {
				m.logger.Warn().Err(res.Err).Str("device", res.Name).Msg("Disconnect during shutdown failed")
			}
		}
	}

	m.pool.Close()
	m.resources.Close()
	m.props.Close()
	m.bus.Close()

	m.logger.Info().Msg("Device manager stopped")
	return firstErr
}

// maintenanceLoop drops finished task records past their retention.
func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.scheduler.Cleanup(m.cfg.TaskRetention); n > 0 {
				m.logger.Debug().Int("removed", n).Msg("Task records cleaned up")
			}
		}
	}
}

// discoveryLoop keeps backend device inventories fresh. Registration
// stays explicit: the loop refreshes what each backend can see, and
// Discover turns findings into registered devices.
func (m *Manager) discoveryLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			found := m.backends.DiscoverAll(ctx, m.cfg.DiscoveryTimeout)
			m.logger.Debug().Int("devices", len(found)).Msg("Background discovery pass completed")
		}
	}
}

// Bus exposes the event bus for subscriptions.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Monitor exposes the health monitor for alert callbacks and metric
// queries.
func (m *Manager) Monitor() *monitor.Monitor { return m.monitor }

// Resources exposes the resource manager for pool and quota
// administration.
func (m *Manager) Resources() *resource.Manager { return m.resources }

// Backends exposes the backend registry for server session control.
func (m *Manager) Backends() *backend.Registry { return m.backends }

// Pool exposes the connection pool for health probes.
func (m *Manager) Pool() *pool.Pool { return m.pool }
