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

// BackendDriver adapts one backend device into a domain.Driver so the
// device registry can manage it like any other driver. The driver owns
// its session view; the backend owns the transport.
type BackendDriver struct {
	b    Backend
	id   string
	name string
	typ  domain.DeviceType
	uuid string

	connected   atomic.Bool
	initialized atomic.Bool

	mu    sync.RWMutex
	state domain.OperationalState
	saved map[string]any
}

// NewBackendDriver binds a discovered device to its backend. The driver
// name prefers the metadata display name, then the discovery label,
// then the raw device id.
func NewBackendDriver(b Backend, dev domain.DiscoveredDevice, meta domain.DeviceMetadata) *BackendDriver {
	name := meta.DisplayName
	if name == "" {
		name = dev.Label
	}
	if name == "" {
		name = dev.DeviceID
	}
	return &BackendDriver{
		b:     b,
		id:    dev.DeviceID,
		name:  name,
		typ:   dev.DeviceType,
		uuid:  uuid.NewSHA1(identityNamespace, []byte(b.Name()+"/"+dev.DeviceID)).String(),
		state: domain.StateUnknown,
	}
}

func (d *BackendDriver) Name() string            { return d.name }
func (d *BackendDriver) Type() domain.DeviceType { return d.typ }
func (d *BackendDriver) UUID() string            { return d.uuid }

// Initialize verifies the backend still reports the device.
func (d *BackendDriver) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("initialize %s: %w", d.name, domain.ErrCancelled)
	}
	if _, ok := d.b.Device(d.id); !ok {
		return fmt.Errorf("initialize %s: %w", d.name, domain.ErrDeviceNotFound)
	}
	d.initialized.Store(true)
	d.setState(domain.StateIdle)
	return nil
}

// Destroy releases the session. A connected device is disconnected
// best-effort.
func (d *BackendDriver) Destroy() error {
	if d.connected.Load() {
		_ = d.b.DisconnectDevice(context.Background(), d.id)
	}
	d.connected.Store(false)
	d.initialized.Store(false)
	d.setState(domain.StateUnknown)
	return nil
}

// Connect asks the backend to bring the device online. port is unused:
// backend devices are addressed through the server session, not a local
// endpoint. maxRetry is handled by the caller's retry policy.
func (d *BackendDriver) Connect(ctx context.Context, port string, timeout time.Duration, maxRetry int) error {
	if !d.initialized.Load() {
		return fmt.Errorf("connect %s: %w", d.name, domain.ErrNotInitialized)
	}
	if d.connected.Load() {
		return nil
	}
	if !d.b.IsServerConnected() {
		return fmt.Errorf("connect %s: %w", d.name, domain.ErrServerNotConnected)
	}

	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.b.ConnectDevice(cctx, d.id); err != nil {
		d.setState(domain.StateError)
		return fmt.Errorf("connect %s: %w", d.name, err)
	}

	d.connected.Store(true)
	d.setState(domain.StateIdle)
	return nil
}

// Disconnect closes the device session on the backend.
func (d *BackendDriver) Disconnect(ctx context.Context) error {
	if !d.connected.Load() {
		return nil
	}
	if err := d.b.DisconnectDevice(ctx, d.id); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.name, err)
	}
	d.connected.Store(false)
	d.setState(domain.StateIdle)
	return nil
}

func (d *BackendDriver) IsConnected() bool {
	return d.connected.Load()
}

// Scan reports the address the backend discovered the device at.
func (d *BackendDriver) Scan(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.name, domain.ErrCancelled)
	}
	dev, ok := d.b.Device(d.id)
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", d.name, domain.ErrDeviceNotFound)
	}
	if dev.Address == "" {
		return nil, nil
	}
	return []string{dev.Address}, nil
}

func (d *BackendDriver) State() domain.OperationalState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *BackendDriver) Capabilities() map[string]any {
	return map[string]any{
		"backend": d.b.Name(),
		"type":    string(d.typ),
	}
}

// SaveConfig snapshots the device's current backend properties.
func (d *BackendDriver) SaveConfig() error {
	dev, ok := d.b.Device(d.id)
	if !ok {
		return fmt.Errorf("save config %s: %w", d.name, domain.ErrDeviceNotFound)
	}
	saved := make(map[string]any, len(dev.Properties))
	for k := range dev.Properties {
		if v, ok := d.b.Property(d.id, k); ok {
			saved[k] = v
		}
	}
	d.mu.Lock()
	d.saved = saved
	d.mu.Unlock()
	return nil
}

// LoadConfig replays the last saved property snapshot to the backend.
func (d *BackendDriver) LoadConfig() error {
	d.mu.RLock()
	saved := make(map[string]any, len(d.saved))
	for k, v := range d.saved {
		saved[k] = v
	}
	d.mu.RUnlock()

	ctx := context.Background()
	for k, v := range saved {
		if err := d.b.SetProperty(ctx, d.id, k, v); err != nil {
			return fmt.Errorf("load config %s: property %s: %w", d.name, k, err)
		}
	}
	return nil
}

// ResetConfig discards the saved snapshot. Factory defaults live on the
// device itself; the backend offers no reset primitive.
func (d *BackendDriver) ResetConfig() error {
	d.mu.Lock()
	d.saved = nil
	d.mu.Unlock()
	return nil
}

func (d *BackendDriver) Property(name string) (any, bool) {
	return d.b.Property(d.id, name)
}

func (d *BackendDriver) SetProperty(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", domain.ErrInvalidConfig)
	}
	return d.b.SetProperty(context.Background(), d.id, name, value)
}

func (d *BackendDriver) ListProperties() []string {
	dev, ok := d.b.Device(d.id)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(dev.Properties))
	for k := range dev.Properties {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RunDiagnostics checks the server session and device presence.
func (d *BackendDriver) RunDiagnostics(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("diagnostics %s: %w", d.name, domain.ErrCancelled)
	}
	if !d.b.IsServerConnected() {
		return fmt.Errorf("diagnostics %s: %w", d.name, domain.ErrServerNotConnected)
	}
	if _, ok := d.b.Device(d.id); !ok {
		return fmt.Errorf("diagnostics %s: %w", d.name, domain.ErrDeviceNotFound)
	}
	return nil
}

func (d *BackendDriver) setState(s domain.OperationalState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// DriverFactory builds drivers for discovered devices by resolving each
// record's source backend. Records without a backend name cannot be
// resolved and fail with ErrBackendNotFound.
func (r *Registry) DriverFactory() DriverFactory {
	return func(dev domain.DiscoveredDevice, meta domain.DeviceMetadata) (domain.Driver, error) {
		if dev.BackendName == "" {
			return nil, fmt.Errorf("%w: discovery record for %s names no backend", domain.ErrBackendNotFound, dev.DeviceID)
		}
		b, err := r.Backend(dev.BackendName)
		if err != nil {
			return nil, err
		}
		return NewBackendDriver(b, dev, meta), nil
	}
}
