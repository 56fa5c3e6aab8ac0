package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/cache"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/eventbus"
	"github.com/ElementAstro/lithium-next-sub000/internal/pool"
	"github.com/ElementAstro/lithium-next-sub000/internal/registry"
	"github.com/ElementAstro/lithium-next-sub000/internal/scheduler"
)

// Device roster and registration.

// AddDevice registers a device under typ.
func (m *Manager) AddDevice(typ domain.DeviceType, driver domain.Driver, meta *domain.DeviceMetadata) error {
	return m.registry.AddDevice(typ, driver, meta)
}

// RemoveDevice unregisters a device, disconnecting it first when
// needed.
func (m *Manager) RemoveDevice(name string) error {
	return m.registry.RemoveDevice(name)
}

// RemoveAllOfType unregisters every device of typ and returns how many
// were removed.
func (m *Manager) RemoveAllOfType(typ domain.DeviceType) int {
	return m.registry.RemoveAllOfType(typ)
}

// Device returns a snapshot of one device.
func (m *Manager) Device(name string) (domain.DeviceInfo, error) {
	return m.registry.Device(name)
}

// Devices returns snapshots of every registered device.
func (m *Manager) Devices() []domain.DeviceInfo {
	return m.registry.AllDevices()
}

// DevicesByType returns snapshots of every device of typ.
func (m *Manager) DevicesByType(typ domain.DeviceType) []domain.DeviceInfo {
	return m.registry.DevicesByType(typ)
}

// PrimaryDevice returns the primary device of typ.
func (m *Manager) PrimaryDevice(typ domain.DeviceType) (domain.DeviceInfo, error) {
	return m.registry.PrimaryDevice(typ)
}

// SetPrimary promotes name to primary for typ.
func (m *Manager) SetPrimary(typ domain.DeviceType, name string) error {
	return m.registry.SetPrimary(name)
}

// UpdateMetadata replaces a device's metadata.
func (m *Manager) UpdateMetadata(name string, meta domain.DeviceMetadata) error {
	return m.registry.UpdateMetadata(name, meta)
}

// SetRetryPolicy overrides the retry policy for a device's operations.
func (m *Manager) SetRetryPolicy(name string, policy domain.RetryPolicy) error {
	return m.registry.SetRetryPolicy(name, policy)
}

// ApplyRoster registers the configured device roster. Roster devices
// without a backend run as simulated drivers so a station can boot on
// configuration alone. Registration continues past individual
// failures; the returned names are the devices that registered.
func (m *Manager) ApplyRoster(ctx context.Context, specs []config.DeviceSpec) ([]string, error) {
	var (
		added []string
		errs  []error
	)
	for _, spec := range specs {
		dev := domain.DiscoveredDevice{
			BackendName: spec.Backend,
			DeviceID:    spec.Name,
			DeviceType:  spec.Type,
		}
		var meta domain.DeviceMetadata
		if spec.Meta != nil {
			meta = spec.Meta.Clone()
		} else {
			meta = domain.DeviceMetadata{DisplayName: spec.Name, AutoConnect: spec.AutoConnect}
		}
		dev.Label = meta.DisplayName
		dev.Address = meta.ConnectionString
		// Stamp the routing hint so an exported configuration rebuilds
		// the same driver kind on import.
		if meta.CustomProperties == nil {
			meta.CustomProperties = make(map[string]any, 1)
		}
		if spec.Backend == "" {
			dev.Properties = map[string]any{"simulated": true}
			meta.CustomProperties["simulated"] = true
		} else {
			meta.CustomProperties["backendName"] = spec.Backend
		}

		drv, err := m.factory.Create(dev, meta)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", spec.Name, err))
			continue
		}
		if err := drv.Initialize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("device %q: initialize: %w", spec.Name, err))
			continue
		}
		if err := m.registry.AddDevice(spec.Type, drv, &meta); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", spec.Name, err))
			continue
		}
		if err := m.registry.SetRetryPolicy(spec.Name, spec.Retry); err != nil {
			m.logger.Warn().Err(err).Str("device", spec.Name).Msg("Retry policy not applied")
		}
		added = append(added, spec.Name)
	}
	return added, errors.Join(errs...)
}

// Connection management.

// ConnectDevice connects a device using the registry's default
// timeout and the device's retry policy.
func (m *Manager) ConnectDevice(ctx context.Context, name string) error {
	return m.registry.ConnectDevice(ctx, name, 0)
}

// DisconnectDevice disconnects a device.
func (m *Manager) DisconnectDevice(ctx context.Context, name string) error {
	return m.registry.DisconnectDevice(ctx, name)
}

// ConnectMany connects devices concurrently and reports per-device
// outcomes.
func (m *Manager) ConnectMany(ctx context.Context, names []string) []registry.BatchResult {
	return m.registry.ConnectMany(ctx, names, 0)
}

// DisconnectMany disconnects devices concurrently and reports
// per-device outcomes.
func (m *Manager) DisconnectMany(ctx context.Context, names []string) []registry.BatchResult {
	return m.registry.DisconnectMany(ctx, names)
}

// ConnectAuto connects every registered device marked auto-connect
// that is not already connected.
func (m *Manager) ConnectAuto(ctx context.Context) []registry.BatchResult {
	var names []string
	for _, info := range m.registry.AllDevices() {
		if info.Metadata.AutoConnect && !info.State.IsConnected {
			names = append(names, info.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return m.registry.ConnectMany(ctx, names, 0)
}

// ScanDevices scans connected devices of typ for reachable endpoints.
func (m *Manager) ScanDevices(ctx context.Context, typ domain.DeviceType) (map[string][]string, error) {
	return m.registry.ScanDevices(ctx, typ)
}

// ResetDevice disconnects, reinitializes, and reconnects a device.
func (m *Manager) ResetDevice(ctx context.Context, name string, timeout time.Duration) error {
	return m.registry.ResetDevice(ctx, name, timeout)
}

// RunDiagnostics runs a device's self test.
func (m *Manager) RunDiagnostics(ctx context.Context, name string) error {
	return m.registry.RunDiagnostics(ctx, name)
}

// UnhealthyDevices returns devices whose health score is at or below
// threshold.
func (m *Manager) UnhealthyDevices(threshold float64) []domain.DeviceInfo {
	return m.registry.UnhealthyDevices(threshold)
}

// Task scheduling.

// Submit queues a task for execution.
func (m *Manager) Submit(task *domain.Task) (*scheduler.TaskHandle, error) {
	return m.scheduler.Submit(task)
}

// CancelTask cancels a queued or running task.
func (m *Manager) CancelTask(id, reason string) error {
	return m.scheduler.CancelTask(id, reason)
}

// MigrateTask moves a waiting task to another device.
func (m *Manager) MigrateTask(id, targetDevice string) error {
	return m.scheduler.MigrateTask(id, targetDevice)
}

// Task returns a snapshot of one task.
func (m *Manager) Task(id string) (scheduler.TaskSnapshot, bool) {
	return m.scheduler.Task(id)
}

// Tasks returns snapshots of every tracked task.
func (m *Manager) Tasks() []scheduler.TaskSnapshot {
	return m.scheduler.Tasks()
}

// PauseScheduling stops dispatching queued tasks. Running tasks
// continue.
func (m *Manager) PauseScheduling() { m.scheduler.Pause() }

// ResumeScheduling resumes dispatching.
func (m *Manager) ResumeScheduling() { m.scheduler.Resume() }

// SetDeviceCapacity bounds how many tasks may run concurrently on one
// device.
func (m *Manager) SetDeviceCapacity(device string, n int) {
	m.scheduler.SetDeviceCapacity(device, n)
}

// Properties.

// Property reads a device property through the cache. Misses resolve
// against the driver and are cached with the configured TTL.
func (m *Manager) Property(deviceName, propName string) (any, error) {
	info, err := m.registry.Device(deviceName)
	if err != nil {
		return nil, err
	}
	key := cache.ScopedKey(string(info.Type), deviceName, propName)
	return m.props.GetOrLoad(key, m.cfg.Cache.DefaultTTL, func() (any, error) {
		drv, err := m.registry.Driver(deviceName)
		if err != nil {
			return nil, err
		}
		value, ok := drv.Property(propName)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", domain.ErrPropertyUnknown, propName, deviceName)
		}
		return value, nil
	})
}

// ListProperties returns the property names the device's driver
// exposes, bypassing the cache.
func (m *Manager) ListProperties(deviceName string) ([]string, error) {
	drv, err := m.registry.Driver(deviceName)
	if err != nil {
		return nil, err
	}
	return drv.ListProperties(), nil
}

// SetProperty writes a device property and invalidates its cache
// entry.
func (m *Manager) SetProperty(deviceName, propName string, value any) error {
	info, err := m.registry.Device(deviceName)
	if err != nil {
		return err
	}
	drv, err := m.registry.Driver(deviceName)
	if err != nil {
		return err
	}
	if err := drv.SetProperty(propName, value); err != nil {
		return err
	}
	m.props.Delete(cache.ScopedKey(string(info.Type), deviceName, propName))
	return nil
}

// Discovery.

// Discover runs discovery against one backend and registers what it
// finds.
func (m *Manager) Discover(ctx context.Context, backendName string, opts registry.DiscoverOptions) ([]string, error) {
	b, err := m.backends.Backend(backendName)
	if err != nil {
		return nil, err
	}
	return m.registry.DiscoverAndRegister(ctx, b, m.factory, opts)
}

// DiscoverAll runs discovery against every registered backend. The
// returned names cover all backends; a failing backend does not stop
// the others.
func (m *Manager) DiscoverAll(ctx context.Context, opts registry.DiscoverOptions) ([]string, error) {
	var (
		added []string
		errs  []error
	)
	for _, name := range m.backends.Names() {
		names, err := m.Discover(ctx, name, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", name, err))
			continue
		}
		added = append(added, names...)
	}
	return added, errors.Join(errs...)
}

// Configuration snapshots.

// ExportConfiguration serializes the device roster, also persisting it
// when a snapshot store is attached.
func (m *Manager) ExportConfiguration(ctx context.Context) ([]byte, error) {
	return m.registry.ExportConfiguration(ctx)
}

// ImportConfiguration restores devices from an exported snapshot.
func (m *Manager) ImportConfiguration(ctx context.Context, data []byte) error {
	return m.registry.ImportConfiguration(ctx, data, m.factory)
}

// Stats aggregates runtime counters across the subsystems.
type Stats struct {
	Devices          int                      `json:"devices"`
	ConnectedDevices int                      `json:"connectedDevices"`
	Registry         registry.ConnectionStats `json:"registry"`
	Scheduler        scheduler.Stats          `json:"scheduler"`
	Pool             pool.Stats               `json:"pool"`
	Bus              eventbus.Stats           `json:"bus"`
	Cache            cache.Stats              `json:"cache"`
	ActiveLeases     int                      `json:"activeLeases"`
	ResourceQueue    int                      `json:"resourceQueue"`
}

// Stats returns a point-in-time aggregate of runtime counters.
func (m *Manager) Stats() Stats {
	devices := m.registry.AllDevices()
	connected := 0
	for _, info := range devices {
		if info.State.IsConnected {
			connected++
		}
	}
	return Stats{
		Devices:          len(devices),
		ConnectedDevices: connected,
		Registry:         m.registry.Stats(),
		Scheduler:        m.scheduler.Stats(),
		Pool:             m.pool.Stats(),
		Bus:              m.bus.Stats(),
		Cache:            m.props.Stats(),
		ActiveLeases:     len(m.resources.Leases()),
		ResourceQueue:    m.resources.QueueDepth(),
	}
}

// Pooled connections.

// AcquireConnection leases a pooled connection slot for a device.
// Release it with ReleaseConnection.
func (m *Manager) AcquireConnection(ctx context.Context, deviceName string, timeout time.Duration) (string, error) {
	return m.pool.Acquire(ctx, deviceName, timeout)
}

// ReleaseConnection returns a pooled connection slot.
func (m *Manager) ReleaseConnection(connID string) bool {
	return m.pool.Release(connID)
}

// WithConnection runs fn while holding a pooled connection slot for
// the device.
func (m *Manager) WithConnection(ctx context.Context, deviceName string, fn func(ctx context.Context) (any, error)) (any, error) {
	return m.pool.Execute(ctx, deviceName, fn)
}

// PoolStats returns aggregate connection pool counters.
func (m *Manager) PoolStats() pool.Stats {
	return m.pool.Stats()
}
