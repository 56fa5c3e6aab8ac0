// Package registry is the authoritative store of devices. It indexes
// drivers by name and by type, elects a primary device per type, tracks
// per-device metadata and operational state, and drives connection
// lifecycle through the retry executor.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
	"github.com/ElementAstro/lithium-next-sub000/internal/retry"
)

// DefaultHealthThreshold is the health score below which a device
// counts as unhealthy.
const DefaultHealthThreshold = 0.5

// EventEmitter publishes lifecycle events. The event bus implements it.
type EventEmitter interface {
	Emit(domain.Event)
}

// Config tunes the registry.
type Config struct {
	// DefaultRetryPolicy applies to devices without their own policy.
	DefaultRetryPolicy domain.RetryPolicy
	// ConnectTimeout bounds connect attempts without an explicit timeout.
	ConnectTimeout time.Duration
	// BatchConcurrency bounds batch fan-out. Zero means 8.
	BatchConcurrency int
}

// ConnectionStats is a snapshot of the registry's connection counters.
type ConnectionStats struct {
	TotalConnections      uint64 `json:"totalConnections"`
	SuccessfulConnections uint64 `json:"successfulConnections"`
	FailedConnections     uint64 `json:"failedConnections"`
	TotalRetries          uint64 `json:"totalRetries"`
}

// BatchResult is one entry of an order-preserving batch operation.
type BatchResult struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// OK reports whether the operation on this device succeeded.
func (b BatchResult) OK() bool { return b.Err == nil }

type entry struct {
	driver   domain.Driver
	name     string
	typ      domain.DeviceType
	uuid     string
	metadata domain.DeviceMetadata
	state    domain.DeviceState
	retry    *domain.RetryPolicy
}

type connCounters struct {
	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	retries    atomic.Uint64
}

// Registry owns the devices. All other subsystems hold device names and
// re-resolve through it.
type Registry struct {
	cfg      Config
	logger   zerolog.Logger
	bus      EventEmitter
	executor *retry.Executor
	metrics  *metrics.Registry

	mu      sync.RWMutex
	devices map[string]*entry
	byType  map[domain.DeviceType][]*entry
	primary map[domain.DeviceType]*entry
	store   SnapshotSaver

	stats connCounters
}

// New creates a registry. bus and metricsReg may be nil; a nil executor
// gets a default one.
func New(cfg Config, executor *retry.Executor, bus EventEmitter, metricsReg *metrics.Registry, logger zerolog.Logger) *Registry {
	if cfg.DefaultRetryPolicy.Strategy == domain.RetryNone && cfg.DefaultRetryPolicy.MaxRetries == 0 {
		cfg.DefaultRetryPolicy = domain.DefaultRetryPolicy()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	log := logger.With().Str("component", "registry").Logger()
	if executor == nil {
		executor = retry.New(retry.Config{DefaultPolicy: cfg.DefaultRetryPolicy}, bus, nil, metricsReg, logger)
	}
	return &Registry{
		cfg:      cfg,
		logger:   log,
		bus:      bus,
		executor: executor,
		metrics:  metricsReg,
		devices:  make(map[string]*entry),
		byType:   make(map[domain.DeviceType][]*entry),
		primary:  make(map[domain.DeviceType]*entry),
	}
}

// AddDevice registers a driver under its type. The first device of a
// type becomes primary. Names are unique; a duplicate is rejected.
func (r *Registry) AddDevice(typ domain.DeviceType, driver domain.Driver, meta *domain.DeviceMetadata) error {
	if driver == nil {
		return fmt.Errorf("%w: nil driver", domain.ErrInvalidConfig)
	}
	name := driver.Name()
	if err := domain.ValidateName(name); err != nil {
		return err
	}
	if !typ.IsValid() {
		typ = driver.Type()
	}
	if !typ.IsValid() {
		return fmt.Errorf("%w: device %s has no type", domain.ErrInvalidConfig, name)
	}

	ent := &entry{
		driver: driver,
		name:   name,
		typ:    typ,
		uuid:   driver.UUID(),
		state:  domain.NewDeviceState(driver.IsConnected()),
	}
	if meta != nil {
		ent.metadata = meta.Clone()
	}
	if ent.metadata.DeviceID == "" {
		ent.metadata.DeviceID = ent.uuid
	}
	if ent.metadata.DisplayName == "" {
		ent.metadata.DisplayName = name
	}

	r.mu.Lock()
	if _, exists := r.devices[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceExists, name)
	}
	r.devices[name] = ent
	r.byType[typ] = append(r.byType[typ], ent)
	if r.primary[typ] == nil {
		r.primary[typ] = ent
	}
	r.mu.Unlock()

	r.logger.Info().
		Str("device", name).
		Str("type", string(typ)).
		Bool("connected", ent.state.IsConnected).
		Msg("Device registered")

	added := domain.NewEvent(domain.EventDeviceAdded, name, string(typ), "device registered")
	added.Source = "registry"
	r.emit(added)
	r.emit(domain.NewStateChangeEvent(name, string(typ), domain.StateUnknown.String(), driver.State().String()))
	r.publishGauges()
	return nil
}

// RemoveDevice destroys and removes one device by name. If it was the
// primary of its type, the head of the remaining list is elected.
func (r *Registry) RemoveDevice(name string) error {
	r.mu.Lock()
	ent, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	r.removeLocked(ent)
	r.mu.Unlock()

	r.destroyDriver(ent)
	removed := domain.NewEvent(domain.EventDeviceRemoved, name, string(ent.typ), "device removed")
	removed.Source = "registry"
	r.emit(removed)
	r.publishGauges()
	return nil
}

// RemoveAllOfType destroys and removes every device of a type. It
// returns the number removed.
func (r *Registry) RemoveAllOfType(typ domain.DeviceType) int {
	r.mu.Lock()
	list := r.byType[typ]
	removed := make([]*entry, len(list))
	copy(removed, list)
	for _, ent := range removed {
		delete(r.devices, ent.name)
	}
	delete(r.byType, typ)
	delete(r.primary, typ)
	r.mu.Unlock()

	for _, ent := range removed {
		r.destroyDriver(ent)
		ev := domain.NewEvent(domain.EventDeviceRemoved, ent.name, string(typ), "device removed")
		ev.Source = "registry"
		r.emit(ev)
	}
	if len(removed) > 0 {
		r.publishGauges()
	}
	return len(removed)
}

// removeLocked unlinks ent from every index and re-elects the primary.
func (r *Registry) removeLocked(ent *entry) {
	delete(r.devices, ent.name)
	list := r.byType[ent.typ]
	for i, e := range list {
		if e == ent {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byType, ent.typ)
		delete(r.primary, ent.typ)
		return
	}
	r.byType[ent.typ] = list
	if r.primary[ent.typ] == ent {
		r.primary[ent.typ] = list[0]
	}
}

// destroyDriver runs the driver's destroy hook. A panic or error is
// logged, never propagated: removal proceeds regardless.
func (r *Registry) destroyDriver(ent *entry) {
	err := guard(func() error { return ent.driver.Destroy() })
	if err != nil {
		r.logger.Warn().Str("device", ent.name).Err(err).Msg("Device destroy hook failed")
	}
}

// Device returns a read-only snapshot of one device.
func (r *Registry) Device(name string) (domain.DeviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.devices[name]
	if !ok {
		return domain.DeviceInfo{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	return r.infoLocked(ent), nil
}

// Driver resolves a device name to its driver.
func (r *Registry) Driver(name string) (domain.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	return ent.driver, nil
}

// Has reports whether a device name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[name]
	return ok
}

// DevicesByType returns snapshots of a type's devices in registration
// order.
func (r *Registry) DevicesByType(typ domain.DeviceType) []domain.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byType[typ]
	out := make([]domain.DeviceInfo, 0, len(list))
	for _, ent := range list {
		out = append(out, r.infoLocked(ent))
	}
	return out
}

// AllDevices returns snapshots of every device, sorted by name.
func (r *Registry) AllDevices() []domain.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeviceInfo, 0, len(r.devices))
	for _, ent := range r.devices {
		out = append(out, r.infoLocked(ent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Types returns the types that currently have devices, sorted.
func (r *Registry) Types() []domain.DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeviceType, 0, len(r.byType))
	for typ := range r.byType {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// PrimaryDevice returns the elected primary of a type. It fails with
// ErrTypeNotFound when the type has no devices.
func (r *Registry) PrimaryDevice(typ domain.DeviceType) (domain.DeviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent := r.primary[typ]
	if ent == nil {
		return domain.DeviceInfo{}, fmt.Errorf("%w: %s", domain.ErrTypeNotFound, typ)
	}
	return r.infoLocked(ent), nil
}

// SetPrimary elects the named device as its type's primary.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	r.primary[ent.typ] = ent
	return nil
}

// UpdateMetadata replaces a device's metadata record.
func (r *Registry) UpdateMetadata(name string, meta domain.DeviceMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	ent.metadata = meta.Clone()
	return nil
}

// SetRetryPolicy installs a per-device retry policy override. It wins
// over the registry default on every connect.
func (r *Registry) SetRetryPolicy(name string, policy domain.RetryPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	ent.retry = &policy
	return nil
}

// ConnectDevice connects one device under its retry policy. A timeout
// of zero uses the registry default. Connecting an already connected
// device is a no-op.
func (r *Registry) ConnectDevice(ctx context.Context, name string, timeout time.Duration) error {
	r.mu.RLock()
	ent, ok := r.devices[name]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	driver := ent.driver
	typ := ent.typ
	port := ent.metadata.ConnectionString
	policy := r.cfg.DefaultRetryPolicy
	if ent.retry != nil {
		policy = *ent.retry
	}
	r.mu.RUnlock()

	if timeout <= 0 {
		timeout = r.cfg.ConnectTimeout
	}
	if driver.IsConnected() {
		r.updateState(name, func(s *domain.DeviceState) { s.IsConnected = true })
		return nil
	}

	r.stats.total.Add(1)
	start := time.Now()
	res := r.executor.ExecuteWithPolicy(ctx, name, "connect", policy, timeout, func(ctx context.Context) (any, error) {
		return nil, guard(func() error { return driver.Connect(ctx, port, timeout, 0) })
	})
	if retries := res.Attempts - 1; retries > 0 {
		r.stats.retries.Add(uint64(retries))
	}
	if r.metrics != nil {
		r.metrics.RecordConnection(res.Success(), time.Since(start).Seconds())
	}

	if !res.Success() {
		r.stats.failed.Add(1)
		r.updateState(name, func(s *domain.DeviceState) {
			s.IsConnected = false
			s.RecordFailure(res.Err)
		})
		r.emit(domain.NewErrorEvent(name, string(typ), fmt.Sprintf("connect failed: %v", res.Err), true))
		r.publishGauges()
		return fmt.Errorf("connect %s: %w", name, res.Err)
	}

	r.stats.successful.Add(1)
	r.updateState(name, func(s *domain.DeviceState) {
		s.IsConnected = true
		s.IsInitialized = true
		s.RecordSuccess()
	})
	ev := domain.NewEvent(domain.EventConnected, name, string(typ), "device connected")
	ev.Source = "registry"
	ev.Data = map[string]any{"attempts": res.Attempts, "durationMs": res.Duration.Milliseconds()}
	r.emit(ev)
	r.publishGauges()
	return nil
}

// DisconnectDevice disconnects one device. Disconnecting a device that
// is not connected is a no-op.
func (r *Registry) DisconnectDevice(ctx context.Context, name string) error {
	r.mu.RLock()
	ent, ok := r.devices[name]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	driver := ent.driver
	typ := ent.typ
	r.mu.RUnlock()

	if !driver.IsConnected() {
		r.updateState(name, func(s *domain.DeviceState) { s.IsConnected = false })
		return nil
	}
	if err := guard(func() error { return driver.Disconnect(ctx) }); err != nil {
		r.updateState(name, func(s *domain.DeviceState) { s.RecordFailure(err) })
		r.emit(domain.NewErrorEvent(name, string(typ), fmt.Sprintf("disconnect failed: %v", err), true))
		return fmt.Errorf("disconnect %s: %w", name, err)
	}

	r.updateState(name, func(s *domain.DeviceState) {
		s.IsConnected = false
		s.RecordSuccess()
	})
	ev := domain.NewEvent(domain.EventDisconnected, name, string(typ), "device disconnected")
	ev.Source = "registry"
	r.emit(ev)
	r.publishGauges()
	return nil
}

// ConnectMany connects the named devices concurrently. The result
// slice preserves input order; each entry carries that device's error.
func (r *Registry) ConnectMany(ctx context.Context, names []string, timeout time.Duration) []BatchResult {
	return r.batch(names, func(name string) error {
		return r.ConnectDevice(ctx, name, timeout)
	})
}

// DisconnectMany disconnects the named devices concurrently, preserving
// input order in the results.
func (r *Registry) DisconnectMany(ctx context.Context, names []string) []BatchResult {
	return r.batch(names, func(name string) error {
		return r.DisconnectDevice(ctx, name)
	})
}

func (r *Registry) batch(names []string, op func(string) error) []BatchResult {
	results := make([]BatchResult, len(names))
	var g errgroup.Group
	g.SetLimit(r.cfg.BatchConcurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = BatchResult{Name: name, Err: op(name)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ScanDevices fans Scan out over every device of a type and returns the
// candidate endpoints per device. Devices whose scan fails are logged
// and omitted.
func (r *Registry) ScanDevices(ctx context.Context, typ domain.DeviceType) (map[string][]string, error) {
	r.mu.RLock()
	list := r.byType[typ]
	snap := make([]*entry, len(list))
	copy(snap, list)
	r.mu.RUnlock()
	if len(snap) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTypeNotFound, typ)
	}

	endpoints := make([][]string, len(snap))
	errs := make([]error, len(snap))
	var g errgroup.Group
	g.SetLimit(r.cfg.BatchConcurrency)
	for i, ent := range snap {
		i, ent := i, ent
		g.Go(func() error {
			errs[i] = guard(func() error {
				eps, err := ent.driver.Scan(ctx)
				endpoints[i] = eps
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string][]string, len(snap))
	for i, ent := range snap {
		if errs[i] != nil {
			r.logger.Warn().Str("device", ent.name).Err(errs[i]).Msg("Device scan failed")
			continue
		}
		out[ent.name] = endpoints[i]
	}
	return out, nil
}

// ResetDevice clears a device's error state and cycles its connection:
// disconnect if connected, then reconnect under the retry policy.
func (r *Registry) ResetDevice(ctx context.Context, name string, timeout time.Duration) error {
	driver, err := r.Driver(name)
	if err != nil {
		return err
	}
	if driver.IsConnected() {
		if derr := guard(func() error { return driver.Disconnect(ctx) }); derr != nil {
			r.logger.Warn().Str("device", name).Err(derr).Msg("Disconnect during reset failed")
		}
	}
	r.updateState(name, func(s *domain.DeviceState) {
		s.IsConnected = false
		s.IsBusy = false
		s.LastError = ""
		s.ConsecutiveErrors = 0
	})
	return r.ConnectDevice(ctx, name, timeout)
}

// RunDiagnostics runs the driver's diagnostics and records the outcome
// in the device state.
func (r *Registry) RunDiagnostics(ctx context.Context, name string) error {
	r.mu.RLock()
	ent, ok := r.devices[name]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	driver := ent.driver
	typ := ent.typ
	r.mu.RUnlock()

	err := guard(func() error { return driver.RunDiagnostics(ctx) })
	if err != nil {
		r.updateState(name, func(s *domain.DeviceState) { s.RecordFailure(err) })
		r.emit(domain.NewErrorEvent(name, string(typ), fmt.Sprintf("diagnostics failed: %v", err), true))
		return fmt.Errorf("diagnostics %s: %w", name, err)
	}
	r.updateState(name, func(s *domain.DeviceState) { s.RecordSuccess() })
	return nil
}

// UnhealthyDevices returns devices whose health score is below the
// threshold. A non-positive threshold uses the default 0.5.
func (r *Registry) UnhealthyDevices(threshold float64) []domain.DeviceInfo {
	if threshold <= 0 {
		threshold = DefaultHealthThreshold
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeviceInfo
	for _, ent := range r.devices {
		if !ent.state.IsHealthy(threshold) {
			out = append(out, r.infoLocked(ent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns a snapshot of the connection counters.
func (r *Registry) Stats() ConnectionStats {
	return ConnectionStats{
		TotalConnections:      r.stats.total.Load(),
		SuccessfulConnections: r.stats.successful.Load(),
		FailedConnections:     r.stats.failed.Load(),
		TotalRetries:          r.stats.retries.Load(),
	}
}

// infoLocked builds a snapshot. Caller holds at least a read lock.
func (r *Registry) infoLocked(ent *entry) domain.DeviceInfo {
	return domain.DeviceInfo{
		Name:      ent.name,
		Type:      ent.typ,
		UUID:      ent.uuid,
		IsPrimary: r.primary[ent.typ] == ent,
		Metadata:  ent.metadata.Clone(),
		State:     ent.state,
	}
}

// updateState mutates one device's state record under the write lock,
// re-resolving by name so a concurrently removed device is skipped.
func (r *Registry) updateState(name string, fn func(*domain.DeviceState)) {
	r.mu.Lock()
	ent, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(&ent.state)
	score := ent.state.HealthScore
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.UpdateHealthScore(name, score)
	}
}

// emit publishes outside the registry lock so subscribers can re-enter
// registry APIs.
func (r *Registry) emit(ev domain.Event) {
	if r.bus == nil {
		return
	}
	if ev.Source == "" {
		ev.Source = "registry"
	}
	r.bus.Emit(ev)
}

func (r *Registry) publishGauges() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	registered := len(r.devices)
	connected := 0
	for _, ent := range r.devices {
		if ent.state.IsConnected {
			connected++
		}
	}
	r.mu.RUnlock()
	r.metrics.UpdateDeviceCount(registered, connected)
}

// guard runs op and converts a panic into an error, so a misbehaving
// driver cannot take the registry down.
func guard(op func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrOperationFailed, rec)
		}
	}()
	return op()
}
