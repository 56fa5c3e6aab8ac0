// Package pool amortizes device connection setup cost and bounds
// per-device concurrency with a waitable connection pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateActive
	StateBusy
	StateError
	StateTimeout
	StateDisconnected
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnHealth grades a pooled connection. Grading is advisory: the
// maintenance sweep evicts Unhealthy connections unless they are in use.
type ConnHealth int

const (
	HealthUnknown ConnHealth = iota
	Healthy
	Degraded
	Unhealthy
)

// String returns the lowercase health name.
func (h ConnHealth) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Connection is a snapshot of one pooled connection.
type Connection struct {
	ID         string     `json:"id"`
	DeviceName string     `json:"deviceName"`
	State      ConnState  `json:"state"`
	Health     ConnHealth `json:"health"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed"`
	UsageCount uint64     `json:"usageCount"`
}

// Dialer establishes the underlying device link for a newly created
// pooled connection. A nil dialer makes connections bookkeeping only.
type Dialer func(ctx context.Context, deviceName string) error

// Config tunes the pool.
type Config struct {
	// MaxPerDevice bounds connections per device.
	MaxPerDevice int

	// AcquireTimeout is the default wait for a free connection.
	AcquireTimeout time.Duration

	// ConnectTimeout bounds each dialer invocation.
	ConnectTimeout time.Duration

	// IdleTimeout is how long an idle connection survives.
	IdleTimeout time.Duration

	// MaintenanceInterval is the eviction sweep period.
	MaintenanceInterval time.Duration

	// DeviceExists, when set, lets the sweep drop pools whose device
	// has been removed from the registry.
	DeviceExists func(deviceName string) bool
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerDevice:        5,
		AcquireTimeout:      5 * time.Second,
		ConnectTimeout:      10 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
	}
}

// DeviceStats are per-device pool counters.
type DeviceStats struct {
	DeviceName string `json:"deviceName"`
	Created    uint64 `json:"created"`
	Reused     uint64 `json:"reused"`
	Evicted    uint64 `json:"evicted"`
	Failed     uint64 `json:"failed"`
	Active     int    `json:"active"`
	Idle       int    `json:"idle"`
	Waiters    int    `json:"waiters"`
	MaxSize    int    `json:"maxSize"`
}

// Stats aggregates counters across all device pools.
type Stats struct {
	Devices     int    `json:"devices"`
	Connections int    `json:"connections"`
	Active      int    `json:"active"`
	Idle        int    `json:"idle"`
	Waiters     int    `json:"waiters"`
	Created     uint64 `json:"created"`
	Reused      uint64 `json:"reused"`
	Evicted     uint64 `json:"evicted"`
	Failed      uint64 `json:"failed"`
}

// devicePool holds one device's connections. Waiters block on cond
// until a release or eviction frees capacity.
type devicePool struct {
	name    string
	maxSize int
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	cond    *sync.Cond
	conns   map[string]*Connection
	waiters int
	removed bool
	stats   DeviceStats
}

// Pool manages per-device connection pools with a shared maintenance
// sweep. Devices must be registered before connections can be acquired.
type Pool struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Registry
	dialer  Dialer

	mu      sync.RWMutex
	devices map[string]*devicePool

	idMu sync.RWMutex
	ids  map[string]*devicePool

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and starts its maintenance sweep. dialer and
// metricsReg may be nil.
func New(cfg Config, dialer Dialer, logger zerolog.Logger, metricsReg *metrics.Registry) *Pool {
	if cfg.MaxPerDevice <= 0 {
		cfg.MaxPerDevice = 5
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger.With().Str("component", "pool").Logger(),
		metrics: metricsReg,
		dialer:  dialer,
		devices: make(map[string]*devicePool),
		ids:     make(map[string]*devicePool),
		stop:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.maintenanceLoop()

	return p
}

// RegisterDevice creates a pool for the device. maxSize <= 0 uses the
// configured default. Registering an existing device is a no-op.
func (p *Pool) RegisterDevice(deviceName string, maxSize int) error {
	if p.closed.Load() {
		return domain.ErrPoolClosed
	}
	if maxSize <= 0 {
		maxSize = p.cfg.MaxPerDevice
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices[deviceName]; ok {
		return nil
	}
	dp := &devicePool{
		name:    deviceName,
		maxSize: maxSize,
		breaker: p.newBreaker(deviceName),
		conns:   make(map[string]*Connection),
		stats:   DeviceStats{DeviceName: deviceName, MaxSize: maxSize},
	}
	dp.cond = sync.NewCond(&dp.mu)
	p.devices[deviceName] = dp

	p.logger.Debug().Str("device", deviceName).Int("max_size", maxSize).Msg("Device registered with pool")
	return nil
}

// UnregisterDevice drops the device's pool and all its connections.
// Blocked waiters fail with ErrDeviceNotRegistered.
func (p *Pool) UnregisterDevice(deviceName string) {
	p.mu.Lock()
	dp, ok := p.devices[deviceName]
	if ok {
		delete(p.devices, deviceName)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	dp.mu.Lock()
	dp.removed = true
	for id := range dp.conns {
		p.forgetID(id)
		delete(dp.conns, id)
	}
	dp.cond.Broadcast()
	dp.mu.Unlock()

	if p.metrics != nil {
		p.metrics.UpdatePoolGauges(deviceName, 0, 0)
	}
	p.logger.Debug().Str("device", deviceName).Msg("Device unregistered from pool")
}

// newBreaker builds the per-device circuit breaker. Per-device breakers
// keep one failing device from starving the rest.
func (p *Pool) newBreaker(deviceName string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("pool-%s", deviceName),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Pool circuit breaker state changed")
		},
	})
}

// Acquire returns a connection id for the device, reusing an idle
// healthy connection, creating one while below the size bound, or
// waiting until a release frees capacity. timeout <= 0 uses the
// configured default.
func (p *Pool) Acquire(ctx context.Context, deviceName string, timeout time.Duration) (string, error) {
	if p.closed.Load() {
		return "", domain.ErrPoolClosed
	}
	p.mu.RLock()
	dp, ok := p.devices[deviceName]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrDeviceNotRegistered, deviceName)
	}
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)

	wake := func() {
		dp.mu.Lock()
		dp.cond.Broadcast()
		dp.mu.Unlock()
	}
	stopCtx := context.AfterFunc(ctx, wake)
	defer stopCtx()
	timer := time.AfterFunc(timeout, wake)
	defer timer.Stop()

	dp.mu.Lock()
	defer dp.mu.Unlock()

	for {
		if p.closed.Load() {
			return "", domain.ErrPoolClosed
		}
		if dp.removed {
			return "", fmt.Errorf("%w: %s", domain.ErrDeviceNotRegistered, deviceName)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("acquire %s: %w", deviceName, domain.ErrCancelled)
		}

		if c := dp.takeIdleLocked(); c != nil {
			dp.stats.Reused++
			p.recordAcquire(start, false)
			return c.ID, nil
		}

		if len(dp.conns) < dp.maxSize {
			c, err := p.createLocked(ctx, dp)
			if err != nil {
				return "", err
			}
			p.recordAcquire(start, false)
			return c.ID, nil
		}

		if !time.Now().Before(deadline) {
			p.recordAcquire(start, true)
			return "", fmt.Errorf("%w: device %s: %d connections in use", domain.ErrPoolExhausted, deviceName, len(dp.conns))
		}

		dp.waiters++
		dp.cond.Wait()
		dp.waiters--
	}
}

// takeIdleLocked claims an idle healthy connection, if any. Caller
// holds dp.mu.
func (dp *devicePool) takeIdleLocked() *Connection {
	for _, c := range dp.conns {
		if c.State == StateIdle && c.Health == Healthy {
			c.State = StateActive
			c.UsageCount++
			c.LastUsed = time.Now()
			return c
		}
	}
	return nil
}

// createLocked dials and registers a new connection. Caller holds
// dp.mu; the dial serializes acquires for this device only.
func (p *Pool) createLocked(ctx context.Context, dp *devicePool) (*Connection, error) {
	if p.dialer != nil {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		start := time.Now()
		err := p.dialer(dctx, dp.name)
		cancel()
		if p.metrics != nil {
			p.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
		}
		if err != nil {
			dp.stats.Failed++
			return nil, fmt.Errorf("connect %s: %w", dp.name, err)
		}
	}

	now := time.Now()
	c := &Connection{
		ID:         connID(dp.name),
		DeviceName: dp.name,
		State:      StateActive,
		Health:     Healthy,
		CreatedAt:  now,
		LastUsed:   now,
		UsageCount: 1,
	}
	dp.conns[c.ID] = c
	dp.stats.Created++
	p.rememberID(c.ID, dp)

	p.logger.Debug().
		Str("device", dp.name).
		Str("connection_id", c.ID).
		Int("pool_size", len(dp.conns)).
		Msg("Created pooled connection")
	return c, nil
}

// connID builds a globally unique connection id.
func connID(deviceName string) string {
	return fmt.Sprintf("%s_conn_%d_%04d", deviceName, time.Now().UnixMilli(), rand.Intn(10000))
}

// Release returns a connection to the idle set and wakes one waiter.
// It reports false for unknown ids or connections not in use.
func (p *Pool) Release(id string) bool {
	dp := p.lookupID(id)
	if dp == nil {
		return false
	}

	dp.mu.Lock()
	c, ok := dp.conns[id]
	if !ok || c.State == StateIdle || c.State == StateDisconnected {
		dp.mu.Unlock()
		return false
	}
	c.State = StateIdle
	c.LastUsed = time.Now()
	dp.cond.Signal()
	active, idle := dp.countsLocked()
	dp.mu.Unlock()

	if p.metrics != nil {
		p.metrics.UpdatePoolGauges(dp.name, active, idle)
	}
	return true
}

// Execute acquires a connection, runs fn through the device's circuit
// breaker, grades connection health from the outcome, and releases.
func (p *Pool) Execute(ctx context.Context, deviceName string, fn func(ctx context.Context) (any, error)) (any, error) {
	id, err := p.Acquire(ctx, deviceName, 0)
	if err != nil {
		return nil, err
	}
	defer p.Release(id)

	dp := p.lookupID(id)
	if dp == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}

	p.setState(dp, id, StateBusy)
	result, err := dp.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	p.gradeHealth(dp, id, err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: device %s", domain.ErrCircuitBreakerOpen, deviceName)
		}
		return nil, err
	}
	return result, nil
}

func (p *Pool) setState(dp *devicePool, id string, s ConnState) {
	dp.mu.Lock()
	if c, ok := dp.conns[id]; ok {
		c.State = s
	}
	dp.mu.Unlock()
}

// gradeHealth maps the breaker state onto the connection's health
// grade: open marks it Unhealthy so the sweep retires it once released,
// half-open marks it Degraded. Individual call failures under a closed
// breaker keep the connection Healthy and reusable for the next attempt.
func (p *Pool) gradeHealth(dp *devicePool, id string, callErr error) {
	state := dp.breaker.State()
	dp.mu.Lock()
	if c, ok := dp.conns[id]; ok {
		switch {
		case state == gobreaker.StateOpen:
			c.Health = Unhealthy
		case state == gobreaker.StateHalfOpen:
			c.Health = Degraded
		case callErr != nil:
			c.State = StateError
		default:
			c.Health = Healthy
			c.State = StateActive
		}
	}
	dp.mu.Unlock()
}

// MarkHealth overrides a connection's health grade, for callers wiring
// real health checks into the pool. Reports false for unknown ids.
func (p *Pool) MarkHealth(id string, h ConnHealth) bool {
	dp := p.lookupID(id)
	if dp == nil {
		return false
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	c, ok := dp.conns[id]
	if !ok {
		return false
	}
	c.Health = h
	return true
}

// Info returns a snapshot of one connection.
func (p *Pool) Info(id string) (Connection, bool) {
	dp := p.lookupID(id)
	if dp == nil {
		return Connection{}, false
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	c, ok := dp.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Connections returns snapshots of the device's connections.
func (p *Pool) Connections(deviceName string) []Connection {
	p.mu.RLock()
	dp, ok := p.devices[deviceName]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	out := make([]Connection, 0, len(dp.conns))
	for _, c := range dp.conns {
		out = append(out, *c)
	}
	return out
}

// DeviceStats returns the device's pool counters.
func (p *Pool) DeviceStats(deviceName string) (DeviceStats, bool) {
	p.mu.RLock()
	dp, ok := p.devices[deviceName]
	p.mu.RUnlock()
	if !ok {
		return DeviceStats{}, false
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	stats := dp.stats
	stats.Active, stats.Idle = dp.countsLocked()
	stats.Waiters = dp.waiters
	return stats, true
}

// Stats aggregates counters across all devices.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	dps := make([]*devicePool, 0, len(p.devices))
	for _, dp := range p.devices {
		dps = append(dps, dp)
	}
	p.mu.RUnlock()

	out := Stats{Devices: len(dps)}
	for _, dp := range dps {
		dp.mu.Lock()
		active, idle := dp.countsLocked()
		out.Connections += len(dp.conns)
		out.Active += active
		out.Idle += idle
		out.Waiters += dp.waiters
		out.Created += dp.stats.Created
		out.Reused += dp.stats.Reused
		out.Evicted += dp.stats.Evicted
		out.Failed += dp.stats.Failed
		dp.mu.Unlock()
	}
	return out
}

// countsLocked tallies in-use and idle connections. Caller holds dp.mu.
func (dp *devicePool) countsLocked() (active, idle int) {
	for _, c := range dp.conns {
		if c.State == StateIdle {
			idle++
		} else {
			active++
		}
	}
	return active, idle
}

// HealthCheck reports whether the pool still accepts acquires.
func (p *Pool) HealthCheck(context.Context) error {
	if p.closed.Load() {
		return domain.ErrPoolClosed
	}
	return nil
}

// Close stops maintenance, drops every connection, and fails all
// waiters with ErrPoolClosed. Close is idempotent.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	dps := make([]*devicePool, 0, len(p.devices))
	for _, dp := range p.devices {
		dps = append(dps, dp)
	}
	p.devices = make(map[string]*devicePool)
	p.mu.Unlock()

	for _, dp := range dps {
		dp.mu.Lock()
		dp.removed = true
		for id := range dp.conns {
			p.forgetID(id)
			delete(dp.conns, id)
		}
		dp.cond.Broadcast()
		dp.mu.Unlock()
	}

	p.logger.Info().Msg("Connection pool closed")
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts idle connections past the idle timeout, unhealthy
// connections not in use, and whole pools for devices removed from the
// registry.
func (p *Pool) sweep() {
	p.mu.RLock()
	dps := make([]*devicePool, 0, len(p.devices))
	for _, dp := range p.devices {
		dps = append(dps, dp)
	}
	p.mu.RUnlock()

	now := time.Now()
	for _, dp := range dps {
		if p.cfg.DeviceExists != nil && !p.cfg.DeviceExists(dp.name) {
			p.UnregisterDevice(dp.name)
			continue
		}

		evicted := 0
		dp.mu.Lock()
		for id, c := range dp.conns {
			if c.State == StateActive || c.State == StateBusy {
				continue
			}
			stale := c.State == StateIdle && now.Sub(c.LastUsed) > p.cfg.IdleTimeout
			if stale || c.Health == Unhealthy || c.State == StateDisconnected {
				delete(dp.conns, id)
				p.forgetID(id)
				dp.stats.Evicted++
				evicted++
			}
		}
		if evicted > 0 {
			dp.cond.Broadcast()
		}
		active, idle := dp.countsLocked()
		dp.mu.Unlock()

		if evicted > 0 {
			p.logger.Debug().Str("device", dp.name).Int("evicted", evicted).Msg("Swept pooled connections")
		}
		if p.metrics != nil {
			p.metrics.UpdatePoolGauges(dp.name, active, idle)
		}
	}
}

func (p *Pool) recordAcquire(start time.Time, exhausted bool) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordAcquire(time.Since(start).Seconds(), exhausted)
}

func (p *Pool) rememberID(id string, dp *devicePool) {
	p.idMu.Lock()
	p.ids[id] = dp
	p.idMu.Unlock()
}

func (p *Pool) forgetID(id string) {
	p.idMu.Lock()
	delete(p.ids, id)
	p.idMu.Unlock()
}

func (p *Pool) lookupID(id string) *devicePool {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	return p.ids[id]
}
