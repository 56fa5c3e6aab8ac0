package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// identityNamespace keys deterministic UUID derivation so a device
// name always maps to the same identity across restarts.
var identityNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SimulatedConfig tunes the simulated driver. The zero value is a
// well-behaved instant device.
type SimulatedConfig struct {
	// ConnectDelay is slept inside Connect before the attempt resolves.
	ConnectDelay time.Duration
	// OperationDelay is slept inside Scan and RunDiagnostics.
	OperationDelay time.Duration
	// FailConnects makes the first n Connect attempts fail.
	FailConnects int
	// FailDiagnostics makes RunDiagnostics report a fault.
	FailDiagnostics bool
	// Ports overrides the endpoints Scan returns.
	Ports []string
	// Properties seeds the property table.
	Properties map[string]any
}

// SimulatedDriver is a deterministic in-process device. It backs
// roster entries marked simulated and every driver-facing test.
type SimulatedDriver struct {
	name string
	typ  domain.DeviceType
	uuid string
	cfg  SimulatedConfig

	connected   atomic.Bool
	initialized atomic.Bool
	aborted     atomic.Bool

	mu           sync.RWMutex
	state        domain.OperationalState
	props        map[string]any
	saved        map[string]any
	failConnects int
}

// NewSimulatedDriver builds a simulated device of the given type.
func NewSimulatedDriver(name string, typ domain.DeviceType, cfg SimulatedConfig) *SimulatedDriver {
	props := defaultProperties(typ)
	for k, v := range cfg.Properties {
		props[k] = v
	}
	saved := make(map[string]any, len(props))
	for k, v := range props {
		saved[k] = v
	}
	return &SimulatedDriver{
		name:         name,
		typ:          typ,
		uuid:         uuid.NewSHA1(identityNamespace, []byte(name)).String(),
		cfg:          cfg,
		state:        domain.StateUnknown,
		props:        props,
		saved:        saved,
		failConnects: cfg.FailConnects,
	}
}

// newSimulatedFromDiscovery adapts a discovery record into a simulated
// driver, carrying discovery properties into the property table.
func newSimulatedFromDiscovery(dev domain.DiscoveredDevice, meta domain.DeviceMetadata) (domain.Driver, error) {
	name := meta.DisplayName
	if name == "" {
		name = dev.DeviceID
	}
	cfg := SimulatedConfig{Properties: dev.Properties}
	if dev.Address != "" {
		cfg.Ports = []string{dev.Address}
	}
	return NewSimulatedDriver(name, dev.DeviceType, cfg), nil
}

func defaultProperties(typ domain.DeviceType) map[string]any {
	props := map[string]any{
		"driver":   "simulated",
		"firmware": "1.0.0",
	}
	switch typ {
	case domain.DeviceTypeCamera:
		props["exposure"] = 0.0
		props["gain"] = 100
		props["temperature"] = -10.0
		props["binning"] = 1
	case domain.DeviceTypeTelescope:
		props["ra"] = 0.0
		props["dec"] = 0.0
		props["tracking"] = false
	case domain.DeviceTypeFocuser:
		props["position"] = 5000
		props["maxPosition"] = 10000
	case domain.DeviceTypeFilterWheel:
		props["slot"] = 0
		props["slotCount"] = 7
	case domain.DeviceTypeDome:
		props["azimuth"] = 0.0
		props["shutterOpen"] = false
	}
	return props
}

func (d *SimulatedDriver) Name() string            { return d.name }
func (d *SimulatedDriver) Type() domain.DeviceType { return d.typ }
func (d *SimulatedDriver) UUID() string            { return d.uuid }

// Initialize moves the device out of the Unknown state.
func (d *SimulatedDriver) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("initialize %s: %w", d.name, domain.ErrCancelled)
	}
	d.initialized.Store(true)
	d.setState(domain.StateIdle)
	return nil
}

// Destroy tears the device down. A connected device is disconnected
// first.
func (d *SimulatedDriver) Destroy() error {
	d.connected.Store(false)
	d.initialized.Store(false)
	d.setState(domain.StateUnknown)
	return nil
}

// Connect establishes the simulated session. The first FailConnects
// attempts fail with ErrConnectionFailed, after which connects succeed.
// maxRetry is handled by the caller's retry policy, not replayed here.
func (d *SimulatedDriver) Connect(ctx context.Context, port string, timeout time.Duration, maxRetry int) error {
	if !d.initialized.Load() {
		return fmt.Errorf("connect %s: %w", d.name, domain.ErrNotInitialized)
	}
	if d.connected.Load() {
		return nil
	}
	if err := d.sleep(ctx, d.cfg.ConnectDelay, timeout); err != nil {
		return fmt.Errorf("connect %s: %w", d.name, err)
	}

	d.mu.Lock()
	if d.failConnects > 0 {
		d.failConnects--
		d.state = domain.StateError
		d.mu.Unlock()
		return fmt.Errorf("connect %s on %q: %w", d.name, port, domain.ErrConnectionFailed)
	}
	if port != "" {
		d.props["port"] = port
	}
	d.state = domain.StateIdle
	d.mu.Unlock()

	d.connected.Store(true)
	return nil
}

// Disconnect closes the simulated session.
func (d *SimulatedDriver) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.name, domain.ErrCancelled)
	}
	d.connected.Store(false)
	d.setState(domain.StateIdle)
	return nil
}

func (d *SimulatedDriver) IsConnected() bool {
	return d.connected.Load()
}

// Scan returns the configured endpoints, or a deterministic default.
func (d *SimulatedDriver) Scan(ctx context.Context) ([]string, error) {
	if err := d.sleep(ctx, d.cfg.OperationDelay, 0); err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.name, err)
	}
	if len(d.cfg.Ports) > 0 {
		out := make([]string, len(d.cfg.Ports))
		copy(out, d.cfg.Ports)
		return out, nil
	}
	return []string{fmt.Sprintf("sim://%s", d.name)}, nil
}

func (d *SimulatedDriver) State() domain.OperationalState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *SimulatedDriver) Capabilities() map[string]any {
	return map[string]any{
		"simulated": true,
		"type":      string(d.typ),
		"abortable": true,
	}
}

// LoadConfig restores the last saved property table.
func (d *SimulatedDriver) LoadConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.saved {
		d.props[k] = v
	}
	return nil
}

// SaveConfig snapshots the current property table.
func (d *SimulatedDriver) SaveConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = make(map[string]any, len(d.props))
	for k, v := range d.props {
		d.saved[k] = v
	}
	return nil
}

// ResetConfig restores factory defaults for the device type.
func (d *SimulatedDriver) ResetConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props = defaultProperties(d.typ)
	for k, v := range d.cfg.Properties {
		d.props[k] = v
	}
	return nil
}

func (d *SimulatedDriver) Property(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.props[name]
	return v, ok
}

func (d *SimulatedDriver) SetProperty(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", domain.ErrInvalidConfig)
	}
	d.mu.Lock()
	d.props[name] = value
	d.mu.Unlock()
	return nil
}

func (d *SimulatedDriver) ListProperties() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.props))
	for k := range d.props {
		out = append(out, k)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RunDiagnostics reports the injected fault state.
func (d *SimulatedDriver) RunDiagnostics(ctx context.Context) error {
	if err := d.sleep(ctx, d.cfg.OperationDelay, 0); err != nil {
		return fmt.Errorf("diagnostics %s: %w", d.name, err)
	}
	if d.cfg.FailDiagnostics {
		d.setState(domain.StateAlert)
		return fmt.Errorf("diagnostics %s: %w", d.name, domain.ErrDeviceUnhealthy)
	}
	return nil
}

// Abort flags the device so a long simulated operation stops early.
func (d *SimulatedDriver) Abort() error {
	d.aborted.Store(true)
	return nil
}

// Aborted reports and clears the abort flag.
func (d *SimulatedDriver) Aborted() bool {
	return d.aborted.Swap(false)
}

func (d *SimulatedDriver) setState(s domain.OperationalState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// sleep waits for delay honoring ctx, bounded by timeout when positive.
func (d *SimulatedDriver) sleep(ctx context.Context, delay, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrCancelled
	}
	if delay <= 0 {
		return nil
	}
	if timeout > 0 && delay > timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ErrCancelled
		case <-timer.C:
			return domain.ErrTimeout
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.ErrCancelled
	case <-timer.C:
		return nil
	}
}
