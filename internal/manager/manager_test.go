package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/cache"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/manager"
	"github.com/ElementAstro/lithium-next-sub000/internal/registry"
	"github.com/ElementAstro/lithium-next-sub000/internal/resource"
	"github.com/ElementAstro/lithium-next-sub000/internal/scheduler"
)

type mgrDriver struct {
	mu           sync.Mutex
	name         string
	typ          domain.DeviceType
	connected    bool
	failConnects int
	connectCalls int
	propReads    int
	props        map[string]any
}

var _ domain.Driver = (*mgrDriver)(nil)

func newMgrDriver(name string, typ domain.DeviceType) *mgrDriver {
	return &mgrDriver{
		name:  name,
		typ:   typ,
		props: map[string]any{},
	}
}

func (d *mgrDriver) Name() string            { return d.name }
func (d *mgrDriver) Type() domain.DeviceType { return d.typ }
func (d *mgrDriver) UUID() string            { return "uuid-" + d.name }

func (d *mgrDriver) Initialize(ctx context.Context) error { return nil }
func (d *mgrDriver) Destroy() error                       { return nil }

func (d *mgrDriver) Connect(ctx context.Context, port string, timeout time.Duration, maxRetry int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectCalls++
	if d.failConnects > 0 {
		d.failConnects--
		return domain.ErrConnectionFailed
	}
	d.connected = true
	return nil
}

func (d *mgrDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *mgrDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *mgrDriver) Scan(ctx context.Context) ([]string, error) {
	return []string{"tcp://" + d.name + ":7624"}, nil
}

func (d *mgrDriver) State() domain.OperationalState { return domain.StateIdle }
func (d *mgrDriver) Capabilities() map[string]any   { return map[string]any{} }
func (d *mgrDriver) LoadConfig() error              { return nil }
func (d *mgrDriver) SaveConfig() error              { return nil }
func (d *mgrDriver) ResetConfig() error             { return nil }

func (d *mgrDriver) Property(name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.propReads++
	v, ok := d.props[name]
	return v, ok
}

func (d *mgrDriver) SetProperty(name string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props[name] = value
	return nil
}

func (d *mgrDriver) ListProperties() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.props))
	for k := range d.props {
		out = append(out, k)
	}
	return out
}

func (d *mgrDriver) RunDiagnostics(ctx context.Context) error { return nil }

func (d *mgrDriver) reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.propReads
}

func (d *mgrDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCalls
}

func testConfig() manager.Config {
	cfg := manager.DefaultConfig()
	cfg.Scheduler.SchedulingInterval = 10 * time.Millisecond
	cfg.Cache.DefaultTTL = time.Minute
	cfg.MaintenanceInterval = time.Hour
	return cfg
}

func newTestManager(t *testing.T, cfg manager.Config) *manager.Manager {
	t.Helper()
	m := manager.New(cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func startManager(t *testing.T, cfg manager.Config) *manager.Manager {
	t.Helper()
	m := newTestManager(t, cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m
}

func TestManagerStartStop(t *testing.T) {
	m := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("second Start should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, domain.ErrServiceStopped) {
		t.Fatalf("Start after Stop = %v, want ErrServiceStopped", err)
	}
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := manager.New(testConfig(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop on a never-started manager: %v", err)
	}
}

func TestManagerDeviceBookkeeping(t *testing.T) {
	m := startManager(t, testConfig())

	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	if _, ok := m.Monitor().Metrics("cam"); !ok {
		t.Fatalf("added device is not tracked by the monitor")
	}
	if got := m.PoolStats().Devices; got != 1 {
		t.Fatalf("pool devices = %d, want 1", got)
	}

	if err := m.RemoveDevice("cam"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if _, ok := m.Monitor().Metrics("cam"); ok {
		t.Fatalf("removed device is still tracked by the monitor")
	}
	if got := m.PoolStats().Devices; got != 0 {
		t.Fatalf("pool devices after removal = %d, want 0", got)
	}
}

func TestManagerConnectDisconnect(t *testing.T) {
	m := startManager(t, testConfig())
	drv := newMgrDriver("cam", domain.DeviceTypeCamera)
	if err := m.AddDevice(domain.DeviceTypeCamera, drv, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	ctx := context.Background()
	if err := m.ConnectDevice(ctx, "cam"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	info, err := m.Device("cam")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if !info.State.IsConnected {
		t.Fatalf("device state not connected after ConnectDevice")
	}

	if err := m.DisconnectDevice(ctx, "cam"); err != nil {
		t.Fatalf("DisconnectDevice: %v", err)
	}
	if drv.IsConnected() {
		t.Fatalf("driver still connected after DisconnectDevice")
	}
}

func TestManagerConnectAuto(t *testing.T) {
	m := startManager(t, testConfig())
	auto := newMgrDriver("auto-cam", domain.DeviceTypeCamera)
	manual := newMgrDriver("manual-cam", domain.DeviceTypeCamera)
	if err := m.AddDevice(domain.DeviceTypeCamera, auto, &domain.DeviceMetadata{AutoConnect: true}); err != nil {
		t.Fatalf("AddDevice(auto): %v", err)
	}
	if err := m.AddDevice(domain.DeviceTypeCamera, manual, nil); err != nil {
		t.Fatalf("AddDevice(manual): %v", err)
	}

	results := m.ConnectAuto(context.Background())
	if len(results) != 1 || results[0].Name != "auto-cam" || results[0].Err != nil {
		t.Fatalf("ConnectAuto results = %+v, want auto-cam only", results)
	}
	if !auto.IsConnected() {
		t.Fatalf("auto-connect device not connected")
	}
	if manual.IsConnected() {
		t.Fatalf("manual device connected by ConnectAuto")
	}

	// Already connected devices are skipped on the next pass.
	if results := m.ConnectAuto(context.Background()); results != nil {
		t.Fatalf("second ConnectAuto = %+v, want nil", results)
	}
}

func TestManagerApplyRoster(t *testing.T) {
	m := startManager(t, testConfig())
	specs := []config.DeviceSpec{
		{
			Name:  "sim-cam",
			Type:  domain.DeviceTypeCamera,
			Retry: domain.DefaultRetryPolicy(),
			Meta:  &domain.DeviceMetadata{DisplayName: "sim-cam", AutoConnect: true},
		},
		{
			Name:  "sim-focus",
			Type:  domain.DeviceTypeFocuser,
			Retry: domain.DefaultRetryPolicy(),
			Meta:  &domain.DeviceMetadata{DisplayName: "sim-focus"},
		},
		{
			// Duplicate of the first entry.
			Name:  "sim-cam",
			Type:  domain.DeviceTypeCamera,
			Retry: domain.DefaultRetryPolicy(),
			Meta:  &domain.DeviceMetadata{DisplayName: "sim-cam"},
		},
	}

	ctx := context.Background()
	added, err := m.ApplyRoster(ctx, specs)
	if len(added) != 2 || added[0] != "sim-cam" || added[1] != "sim-focus" {
		t.Fatalf("added = %v, want [sim-cam sim-focus]", added)
	}
	if !errors.Is(err, domain.ErrDeviceExists) {
		t.Fatalf("duplicate roster entry error = %v, want ErrDeviceExists", err)
	}

	// Roster entries without a backend run simulated and connect on
	// demand.
	if err := m.ConnectDevice(ctx, "sim-cam"); err != nil {
		t.Fatalf("ConnectDevice(sim-cam): %v", err)
	}
	v, err := m.Property("sim-cam", "driver")
	if err != nil {
		t.Fatalf("Property: %v", err)
	}
	if v != "simulated" {
		t.Fatalf("driver property = %v, want simulated", v)
	}
}

func TestManagerPropertyCache(t *testing.T) {
	m := startManager(t, testConfig())
	drv := newMgrDriver("cam", domain.DeviceTypeCamera)
	drv.props["gain"] = 42
	if err := m.AddDevice(domain.DeviceTypeCamera, drv, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := m.Property("cam", "gain")
		if err != nil {
			t.Fatalf("Property read %d: %v", i, err)
		}
		if v != 42 {
			t.Fatalf("gain = %v, want 42", v)
		}
	}
	if got := drv.reads(); got != 1 {
		t.Fatalf("driver reads = %d, want 1 (cache should absorb repeats)", got)
	}

	if err := m.SetProperty("cam", "gain", 77); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	v, err := m.Property("cam", "gain")
	if err != nil {
		t.Fatalf("Property after write: %v", err)
	}
	if v != 77 {
		t.Fatalf("gain after write = %v, want 77", v)
	}
	if got := drv.reads(); got != 2 {
		t.Fatalf("driver reads after invalidation = %d, want 2", got)
	}

	if _, err := m.Property("cam", "nonexistent"); !errors.Is(err, domain.ErrPropertyUnknown) {
		t.Fatalf("unknown property error = %v, want ErrPropertyUnknown", err)
	}
}

func TestManagerExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := startManager(t, testConfig())
	specs := []config.DeviceSpec{
		{Name: "sim-cam", Type: domain.DeviceTypeCamera, Retry: domain.DefaultRetryPolicy(),
			Meta: &domain.DeviceMetadata{DisplayName: "sim-cam"}},
		{Name: "sim-mount", Type: domain.DeviceTypeTelescope, Retry: domain.DefaultRetryPolicy(),
			Meta: &domain.DeviceMetadata{DisplayName: "sim-mount"}},
	}
	if _, err := src.ApplyRoster(ctx, specs); err != nil {
		t.Fatalf("ApplyRoster: %v", err)
	}

	payload, err := src.ExportConfiguration(ctx)
	if err != nil {
		t.Fatalf("ExportConfiguration: %v", err)
	}

	dst := startManager(t, testConfig())
	if err := dst.ImportConfiguration(ctx, payload); err != nil {
		t.Fatalf("ImportConfiguration: %v", err)
	}
	if got := len(dst.Devices()); got != 2 {
		t.Fatalf("imported devices = %d, want 2", got)
	}

	// The simulated marker survives the round trip, so the rebuilt
	// driver connects without a backend.
	if err := dst.ConnectDevice(ctx, "sim-cam"); err != nil {
		t.Fatalf("ConnectDevice on imported device: %v", err)
	}
}

func TestManagerStats(t *testing.T) {
	m := startManager(t, testConfig())
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam1", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam2", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := m.ConnectDevice(context.Background(), "cam1"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}

	stats := m.Stats()
	if stats.Devices != 2 {
		t.Fatalf("stats.Devices = %d, want 2", stats.Devices)
	}
	if stats.ConnectedDevices != 1 {
		t.Fatalf("stats.ConnectedDevices = %d, want 1", stats.ConnectedDevices)
	}
	if stats.Registry.SuccessfulConnections != 1 {
		t.Fatalf("stats.Registry.SuccessfulConnections = %d, want 1", stats.Registry.SuccessfulConnections)
	}
	if stats.Pool.Devices != 2 {
		t.Fatalf("stats.Pool.Devices = %d, want 2", stats.Pool.Devices)
	}
	if stats.Bus.Emitted == 0 {
		t.Fatalf("stats.Bus.Emitted = 0, expected device lifecycle events")
	}
}

func TestManagerTaskSubmission(t *testing.T) {
	m := startManager(t, testConfig())
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	handle, err := m.Submit(&domain.Task{
		Name:       "expose",
		DeviceName: "cam",
		Priority:   domain.PriorityNormal,
		Func: func(ctx context.Context, drv domain.Driver) (any, error) {
			return "frame-1", nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.State != domain.TaskCompleted || res.Value != "frame-1" {
		t.Fatalf("result = %+v, want completed frame-1", res)
	}

	snap, ok := m.Task(handle.ID())
	if !ok || snap.State != domain.TaskCompleted {
		t.Fatalf("Task(%s) = %+v ok=%v", handle.ID(), snap, ok)
	}
}

func TestFromAppConfig(t *testing.T) {
	app := &config.Config{}
	app.Pool.MaxPerDevice = 3
	app.Pool.AcquireTimeout = 2 * time.Second
	app.Pool.ConnectTimeout = 4 * time.Second
	app.Scheduler.Policy = "adaptive"
	app.Scheduler.MaxConcurrentTasks = 7
	app.Scheduler.Workers = 2
	app.Resources.Policy = "priority"
	app.Cache.Policy = "lfu"
	app.Cache.DefaultTTL = 30 * time.Second
	app.Monitor.Interval = 5 * time.Second
	app.Discovery.RefreshInterval = time.Minute
	app.Discovery.Timeout = 15 * time.Second

	cfg := manager.FromAppConfig(app)
	if cfg.Pool.MaxPerDevice != 3 || cfg.Pool.AcquireTimeout != 2*time.Second {
		t.Fatalf("pool config not mapped: %+v", cfg.Pool)
	}
	if cfg.Registry.ConnectTimeout != 4*time.Second {
		t.Fatalf("registry connect timeout = %v, want 4s", cfg.Registry.ConnectTimeout)
	}
	if cfg.Scheduler.Policy != scheduler.PolicyAdaptive || cfg.Scheduler.MaxConcurrentTasks != 7 {
		t.Fatalf("scheduler config not mapped: %+v", cfg.Scheduler)
	}
	if cfg.Resources.Policy != resource.Priority {
		t.Fatalf("resource policy = %v, want priority", cfg.Resources.Policy)
	}
	if cfg.Cache.Policy != cache.PolicyLFU || cfg.Cache.DefaultTTL != 30*time.Second {
		t.Fatalf("cache config not mapped: %+v", cfg.Cache)
	}
	if cfg.Monitor.MonitoringInterval != 5*time.Second {
		t.Fatalf("monitor interval = %v, want 5s", cfg.Monitor.MonitoringInterval)
	}
	if cfg.DiscoveryInterval != time.Minute || cfg.DiscoveryTimeout != 15*time.Second {
		t.Fatalf("discovery config not mapped: %v / %v", cfg.DiscoveryInterval, cfg.DiscoveryTimeout)
	}
	if !cfg.Retry.BreakerEnabled {
		t.Fatalf("breaker should default on")
	}
}

func TestManagerPrimaryFacade(t *testing.T) {
	m := startManager(t, testConfig())
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("c1", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("c2", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	if err := m.SetPrimary(domain.DeviceTypeCamera, "c2"); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}
	primary, err := m.PrimaryDevice(domain.DeviceTypeCamera)
	if err != nil {
		t.Fatalf("PrimaryDevice: %v", err)
	}
	if primary.Name != "c2" || !primary.IsPrimary {
		t.Fatalf("primary = %+v, want c2", primary)
	}
}

func TestManagerDiscoverUnknownBackend(t *testing.T) {
	m := startManager(t, testConfig())
	if _, err := m.Discover(context.Background(), "no-such-backend", registry.DiscoverOptions{}); !errors.Is(err, domain.ErrBackendNotFound) {
		t.Fatalf("Discover against unknown backend = %v, want ErrBackendNotFound", err)
	}
}
