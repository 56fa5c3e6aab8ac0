// Package monitor maintains rolling per-device performance metrics,
// computes health scores, and raises threshold alerts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// emaAlpha weights the newest response time sample.
const emaAlpha = 0.1

// DeviceMetrics is the rolling record for one device.
type DeviceMetrics struct {
	DeviceName        string        `json:"deviceName"`
	ResponseTime      time.Duration `json:"responseTime"`
	ErrorRate         float64       `json:"errorRate"`
	TotalOperations   uint64        `json:"totalOperations"`
	FailedOperations  uint64        `json:"failedOperations"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	HealthScore       float64       `json:"healthScore"`
	CPUUsage          float64       `json:"cpuUsage"`
	MemoryUsage       float64       `json:"memoryUsage"`
	QueueDepth        int           `json:"queueDepth"`
	LastUpdated       time.Time     `json:"lastUpdated"`
}

// Thresholds bound acceptable device behavior. Zero values disable the
// corresponding check.
type Thresholds struct {
	WarningResponseTime  time.Duration `json:"warningResponseTime"`
	CriticalResponseTime time.Duration `json:"criticalResponseTime"`
	WarningErrorRate     float64       `json:"warningErrorRate"`
	CriticalErrorRate    float64       `json:"criticalErrorRate"`
	MaxCPU               float64       `json:"maxCpu"`
	MaxMemory            float64       `json:"maxMemory"`
	MaxQueueDepth        int           `json:"maxQueueDepth"`
}

// AlertLevel grades an alert.
type AlertLevel int

const (
	AlertInfo AlertLevel = iota
	AlertWarning
	AlertError
	AlertCritical
)

// String returns the lowercase level name.
func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertError:
		return "error"
	case AlertCritical:
		return "critical"
	default:
		return "info"
	}
}

// Alert is one threshold breach notification. The ID is assigned when
// the alert enters the active list.
type Alert struct {
	ID             uint64     `json:"id"`
	DeviceName     string     `json:"deviceName"`
	Level          AlertLevel `json:"level"`
	MetricName     string     `json:"metricName"`
	ThresholdValue float64    `json:"thresholdValue"`
	CurrentValue   float64    `json:"currentValue"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	Timestamp      time.Time  `json:"timestamp"`
}

// AlertFunc observes alerts. Callbacks run on the goroutine that
// detected the breach and must not block.
type AlertFunc func(Alert)

// EventEmitter publishes monitor events. The event bus implements it.
type EventEmitter interface {
	Emit(domain.Event)
}

// Sink receives metric samples for long-term storage. The InfluxDB
// sink implements it.
type Sink interface {
	WriteSample(DeviceMetrics)
}

// Config tunes the monitor.
type Config struct {
	// MonitoringInterval is the sampling loop period.
	MonitoringInterval time.Duration
	// MaxHistory bounds the per-device sample history.
	MaxHistory int
	// AlertCooldown suppresses repeat alerts per device.
	AlertCooldown time.Duration
	// HealthyThreshold is the health score cutoff for IsHealthy.
	HealthyThreshold float64
	// MaxAlerts bounds the active alert list.
	MaxAlerts int
	// DefaultThresholds apply to devices without explicit thresholds.
	DefaultThresholds Thresholds
}

type deviceRecord struct {
	mu         sync.Mutex
	metrics    DeviceMetrics
	history    []DeviceMetrics
	thresholds *Thresholds // nil means use defaults
	lastAlert  time.Time
	unhealthy  bool
}

// Monitor tracks per-device metrics under per-device locks, so one
// device's bookkeeping never serializes another's.
type Monitor struct {
	cfg     Config
	logger  zerolog.Logger
	bus     EventEmitter
	metrics *metrics.Registry
	sink    Sink

	mu      sync.RWMutex
	devices map[string]*deviceRecord

	alertMu  sync.RWMutex
	alertFns []AlertFunc

	activeMu sync.Mutex
	active   []Alert
	alertSeq uint64

	started atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a monitor. bus, metricsReg, and sink may be nil.
func New(cfg Config, bus EventEmitter, metricsReg *metrics.Registry, sink Sink, logger zerolog.Logger) *Monitor {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 10 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 60 * time.Second
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 0.5
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 100
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "monitor").Logger(),
		bus:     bus,
		metrics: metricsReg,
		sink:    sink,
		devices: make(map[string]*deviceRecord),
		stop:    make(chan struct{}),
	}
}

// Start launches the sampling loop. It is a no-op when already started.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info().Dur("interval", m.cfg.MonitoringInterval).Msg("Health monitor started")
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

// Track registers a device for monitoring. Metrics start at full
// health.
func (m *Monitor) Track(deviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceName]; ok {
		return
	}
	m.devices[deviceName] = &deviceRecord{
		metrics: DeviceMetrics{
			DeviceName:  deviceName,
			HealthScore: 1.0,
			LastUpdated: time.Now(),
		},
	}
}

// Untrack removes a device and its history.
func (m *Monitor) Untrack(deviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceName)
}

func (m *Monitor) record(deviceName string) *deviceRecord {
	m.mu.RLock()
	rec, ok := m.devices[deviceName]
	m.mu.RUnlock()
	if ok {
		return rec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.devices[deviceName]; ok {
		return rec
	}
	rec = &deviceRecord{
		metrics: DeviceMetrics{
			DeviceName:  deviceName,
			HealthScore: 1.0,
			LastUpdated: time.Now(),
		},
	}
	m.devices[deviceName] = rec
	return rec
}

// RecordOperation folds one operation outcome into the device's
// rolling metrics: EMA response time, error rate, and the health score
// update rule. Threshold checks run inline so a breach alerts without
// waiting for the next sampling tick.
func (m *Monitor) RecordOperation(deviceName string, duration time.Duration, success bool) {
	rec := m.record(deviceName)

	var alert *Alert
	rec.mu.Lock()
	dm := &rec.metrics
	dm.TotalOperations++
	if dm.TotalOperations == 1 {
		dm.ResponseTime = duration
	} else {
		dm.ResponseTime = time.Duration(emaAlpha*float64(duration) + (1-emaAlpha)*float64(dm.ResponseTime))
	}
	if success {
		dm.ConsecutiveErrors = 0
		dm.HealthScore += 0.1
		if dm.HealthScore > 1.0 {
			dm.HealthScore = 1.0
		}
	} else {
		dm.FailedOperations++
		dm.ConsecutiveErrors++
		dm.HealthScore -= 0.1 * float64(dm.ConsecutiveErrors)
		if dm.HealthScore < 0 {
			dm.HealthScore = 0
		}
	}
	dm.ErrorRate = float64(dm.FailedOperations) / float64(dm.TotalOperations)
	dm.LastUpdated = time.Now()
	alert = m.checkThresholdsLocked(rec)
	cross := m.healthCrossLocked(rec)
	health := dm.HealthScore
	rec.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateHealthScore(deviceName, health)
	}
	if alert != nil {
		m.dispatchAlert(*alert)
	}
	if cross != nil {
		m.dispatchAlert(*cross)
	}
}

// healthCrossLocked detects the score crossing the healthy threshold.
// The direction flag always flips so a cross is never observed twice,
// but the alert itself honors the per-device cooldown.
func (m *Monitor) healthCrossLocked(rec *deviceRecord) *Alert {
	dm := rec.metrics
	unhealthy := dm.HealthScore < m.cfg.HealthyThreshold
	if unhealthy == rec.unhealthy {
		return nil
	}
	rec.unhealthy = unhealthy

	now := time.Now()
	if now.Sub(rec.lastAlert) < m.cfg.AlertCooldown {
		return nil
	}
	rec.lastAlert = now

	a := &Alert{
		DeviceName:     dm.DeviceName,
		Level:          AlertError,
		MetricName:     "health_score",
		ThresholdValue: m.cfg.HealthyThreshold,
		CurrentValue:   dm.HealthScore,
		Message:        fmt.Sprintf("%s health score %.2f dropped below %.2f", dm.DeviceName, dm.HealthScore, m.cfg.HealthyThreshold),
		Timestamp:      now,
	}
	if !unhealthy {
		a.Level = AlertInfo
		a.Message = fmt.Sprintf("%s health score %.2f recovered to %.2f", dm.DeviceName, dm.HealthScore, m.cfg.HealthyThreshold)
	}
	return a
}

// UpdateResourceUsage pushes externally sampled resource figures for a
// device.
func (m *Monitor) UpdateResourceUsage(deviceName string, cpu, memory float64, queueDepth int) {
	rec := m.record(deviceName)

	rec.mu.Lock()
	rec.metrics.CPUUsage = cpu
	rec.metrics.MemoryUsage = memory
	rec.metrics.QueueDepth = queueDepth
	rec.metrics.LastUpdated = time.Now()
	alert := m.checkThresholdsLocked(rec)
	rec.mu.Unlock()

	if alert != nil {
		m.dispatchAlert(*alert)
	}
}

// SetThresholds installs per-device thresholds overriding the defaults.
func (m *Monitor) SetThresholds(deviceName string, t Thresholds) {
	rec := m.record(deviceName)
	rec.mu.Lock()
	rec.thresholds = &t
	rec.mu.Unlock()
}

// OnAlert registers an alert callback.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	m.alertFns = append(m.alertFns, fn)
}

// Metrics returns the current rolling metrics for a device.
func (m *Monitor) Metrics(deviceName string) (DeviceMetrics, bool) {
	m.mu.RLock()
	rec, ok := m.devices[deviceName]
	m.mu.RUnlock()
	if !ok {
		return DeviceMetrics{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.metrics, true
}

// AllMetrics returns current metrics for every tracked device.
func (m *Monitor) AllMetrics() []DeviceMetrics {
	m.mu.RLock()
	recs := make([]*deviceRecord, 0, len(m.devices))
	for _, rec := range m.devices {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]DeviceMetrics, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.metrics)
		rec.mu.Unlock()
	}
	return out
}

// History returns up to max samples for a device, oldest first.
// max <= 0 returns the full history.
func (m *Monitor) History(deviceName string, max int) []DeviceMetrics {
	m.mu.RLock()
	rec, ok := m.devices[deviceName]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := len(rec.history)
	if max > 0 && max < n {
		n = max
	}
	out := make([]DeviceMetrics, n)
	copy(out, rec.history[len(rec.history)-n:])
	return out
}

// HealthScore returns the device's health score, zero if untracked.
func (m *Monitor) HealthScore(deviceName string) float64 {
	dm, ok := m.Metrics(deviceName)
	if !ok {
		return 0
	}
	return dm.HealthScore
}

// IsHealthy reports whether the device's health score is at or above
// the configured threshold.
func (m *Monitor) IsHealthy(deviceName string) bool {
	return m.HealthScore(deviceName) >= m.cfg.HealthyThreshold
}

// CheckNow runs one synchronous sample pass over all tracked devices.
func (m *Monitor) CheckNow() {
	m.sample()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample snapshots every device's metrics into its bounded history and
// re-evaluates thresholds. A failed write to the sink is the sink's
// problem; sampling never retries.
func (m *Monitor) sample() {
	m.mu.RLock()
	recs := make([]*deviceRecord, 0, len(m.devices))
	for _, rec := range m.devices {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		snapshot := rec.metrics
		rec.history = append(rec.history, snapshot)
		if len(rec.history) > m.cfg.MaxHistory {
			rec.history = rec.history[len(rec.history)-m.cfg.MaxHistory:]
		}
		alert := m.checkThresholdsLocked(rec)
		rec.mu.Unlock()

		if m.sink != nil {
			m.sink.WriteSample(snapshot)
		}
		if m.metrics != nil {
			m.metrics.UpdateHealthScore(snapshot.DeviceName, snapshot.HealthScore)
		}
		if alert != nil {
			m.dispatchAlert(*alert)
		}
	}
}

// checkThresholdsLocked evaluates the device against its thresholds
// and returns at most one alert, respecting the per-device cooldown.
// Caller holds rec.mu.
func (m *Monitor) checkThresholdsLocked(rec *deviceRecord) *Alert {
	t := m.cfg.DefaultThresholds
	if rec.thresholds != nil {
		t = *rec.thresholds
	}
	dm := rec.metrics

	var alert *Alert
	switch {
	case t.CriticalErrorRate > 0 && dm.ErrorRate >= t.CriticalErrorRate:
		alert = newAlert(dm.DeviceName, AlertCritical, "error_rate", t.CriticalErrorRate, dm.ErrorRate)
	case t.CriticalResponseTime > 0 && dm.ResponseTime >= t.CriticalResponseTime:
		alert = newAlert(dm.DeviceName, AlertCritical, "response_time", t.CriticalResponseTime.Seconds(), dm.ResponseTime.Seconds())
	case t.WarningErrorRate > 0 && dm.ErrorRate >= t.WarningErrorRate:
		alert = newAlert(dm.DeviceName, AlertWarning, "error_rate", t.WarningErrorRate, dm.ErrorRate)
	case t.WarningResponseTime > 0 && dm.ResponseTime >= t.WarningResponseTime:
		alert = newAlert(dm.DeviceName, AlertWarning, "response_time", t.WarningResponseTime.Seconds(), dm.ResponseTime.Seconds())
	case t.MaxCPU > 0 && dm.CPUUsage >= t.MaxCPU:
		alert = newAlert(dm.DeviceName, AlertWarning, "cpu_usage", t.MaxCPU, dm.CPUUsage)
	case t.MaxMemory > 0 && dm.MemoryUsage >= t.MaxMemory:
		alert = newAlert(dm.DeviceName, AlertWarning, "memory_usage", t.MaxMemory, dm.MemoryUsage)
	case t.MaxQueueDepth > 0 && dm.QueueDepth >= t.MaxQueueDepth:
		alert = newAlert(dm.DeviceName, AlertWarning, "queue_depth", float64(t.MaxQueueDepth), float64(dm.QueueDepth))
	}
	if alert == nil {
		return nil
	}
	now := time.Now()
	if now.Sub(rec.lastAlert) < m.cfg.AlertCooldown {
		return nil
	}
	rec.lastAlert = now
	return alert
}

func newAlert(device string, level AlertLevel, metric string, threshold, current float64) *Alert {
	return &Alert{
		DeviceName:     device,
		Level:          level,
		MetricName:     metric,
		ThresholdValue: threshold,
		CurrentValue:   current,
		Message:        fmt.Sprintf("%s %s: %.3f exceeds %.3f", device, metric, current, threshold),
		Timestamp:      time.Now(),
	}
}

func (m *Monitor) dispatchAlert(alert Alert) {
	m.activeMu.Lock()
	m.alertSeq++
	alert.ID = m.alertSeq
	m.active = append(m.active, alert)
	if len(m.active) > m.cfg.MaxAlerts {
		m.active = m.active[len(m.active)-m.cfg.MaxAlerts:]
	}
	m.activeMu.Unlock()

	m.logger.Warn().
		Str("device", alert.DeviceName).
		Str("level", alert.Level.String()).
		Str("metric", alert.MetricName).
		Float64("threshold", alert.ThresholdValue).
		Float64("current", alert.CurrentValue).
		Msg("Device threshold alert")

	if m.metrics != nil {
		m.metrics.RecordAlert(alert.Level.String())
	}

	if m.bus != nil {
		ev := domain.NewEvent(domain.EventHealthChanged, alert.DeviceName, "", alert.Message)
		ev.Source = "monitor"
		ev.Data = map[string]any{
			"level":     alert.Level.String(),
			"metric":    alert.MetricName,
			"threshold": alert.ThresholdValue,
			"current":   alert.CurrentValue,
		}
		m.bus.Emit(ev)
	}

	m.alertMu.RLock()
	fns := make([]AlertFunc, len(m.alertFns))
	copy(fns, m.alertFns)
	m.alertMu.RUnlock()
	for _, fn := range fns {
		fn(alert)
	}
}
