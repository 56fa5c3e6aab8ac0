// Package metrics provides Prometheus metrics for the device manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection pool metrics
	PoolConnectionsActive *prometheus.GaugeVec
	PoolConnectionsIdle   *prometheus.GaugeVec
	ConnectionsTotal      prometheus.Counter
	ConnectionErrors      prometheus.Counter
	ConnectionLatency     prometheus.Histogram
	PoolAcquireWait       prometheus.Histogram
	PoolExhausted         prometheus.Counter

	// Task scheduler metrics
	TasksSubmitted    *prometheus.CounterVec
	TasksFinished     *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	TasksPreempted    prometheus.Counter
	TaskQueueDepth    prometheus.Gauge
	WorkerUtilization prometheus.Gauge

	// Device operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationRetries  *prometheus.CounterVec
	DeviceHealthScore *prometheus.GaugeVec
	DevicesRegistered prometheus.Gauge
	DevicesConnected  prometheus.Gauge
	DeviceErrors      *prometheus.CounterVec

	// Event bus metrics
	EventsEmitted *prometheus.CounterVec
	EventsDropped prometheus.Counter

	// Resource manager metrics
	LeasesActive     prometheus.Gauge
	LeasesGranted    prometheus.Counter
	LeasesDenied     prometheus.Counter
	QuotaUtilization *prometheus.GaugeVec

	// Property cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// Monitor alert metrics
	AlertsRaised *prometheus.CounterVec

	// MQTT bridge metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTReconnects        prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		// Connection pool metrics
		PoolConnectionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "connections_active",
			Help:      "Number of active pooled connections per device",
		}, []string{"device"}),
		PoolConnectionsIdle: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "connections_idle",
			Help:      "Number of idle pooled connections per device",
		}, []string{"device"}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "connections_total",
			Help:      "Total number of connection attempts",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors",
		}),
		ConnectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "connection_latency_seconds",
			Help:      "Connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PoolAcquireWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a pooled connection",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		PoolExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Total acquire attempts that timed out waiting for capacity",
		}),

		// Task scheduler metrics
		TasksSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Total tasks submitted by priority",
		}, []string{"priority"}),
		TasksFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Total tasks finished by terminal state",
		}, []string{"state"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicemanager",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration (per-device for p95/p99 analysis)",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"device"}),
		TasksPreempted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "scheduler",
			Name:      "tasks_preempted_total",
			Help:      "Total cooperative preemptions requested",
		}),
		TaskQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks currently queued",
		}),
		WorkerUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "scheduler",
			Name:      "worker_utilization",
			Help:      "Current workers in use / max workers (0-1)",
		}),

		// Device operation metrics
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "operations_total",
			Help:      "Total device operations by status",
		}, []string{"device", "status"}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "operation_duration_seconds",
			Help:      "Device operation duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device"}),
		OperationRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "operation_retries_total",
			Help:      "Total retry attempts per device",
		}, []string{"device"}),
		DeviceHealthScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "health_score",
			Help:      "Device health score (0-1)",
		}, []string{"device"}),
		DevicesRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of registered devices",
		}),
		DevicesConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Number of connected devices",
		}),
		DeviceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "devices",
			Name:      "errors_total",
			Help:      "Total device errors by type",
		}, []string{"device", "error_type"}),

		// Event bus metrics
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total events emitted by topic",
		}, []string{"topic"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events dropped by saturated channel subscribers",
		}),

		// Resource manager metrics
		LeasesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "resources",
			Name:      "leases_active",
			Help:      "Currently held resource leases",
		}),
		LeasesGranted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "resources",
			Name:      "leases_granted_total",
			Help:      "Total resource leases granted",
		}),
		LeasesDenied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "resources",
			Name:      "leases_denied_total",
			Help:      "Total resource lease requests denied",
		}),
		QuotaUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "resources",
			Name:      "quota_utilization",
			Help:      "Allocated / capacity per resource pool (0-1)",
		}, []string{"resource"}),

		// Property cache metrics
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache reads served from a live entry",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache reads that found no live entry",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total entries evicted by capacity pressure",
		}),

		// Monitor alert metrics
		AlertsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "monitor",
			Name:      "alerts_raised_total",
			Help:      "Total threshold alerts raised by level",
		}, []string{"level"}),

		// MQTT bridge metrics
		MQTTMessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "devicemanager",
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),

		// System metrics
		GoroutineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of running goroutines",
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicemanager",
			Subsystem: "system",
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		}),
	}

	return r
}

// RecordOperation records one device operation outcome.
func (r *Registry) RecordOperation(device string, success bool, duration float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.OperationsTotal.WithLabelValues(device, status).Inc()
	r.OperationDuration.WithLabelValues(device).Observe(duration)
}

// RecordRetry records one retry attempt for a device.
func (r *Registry) RecordRetry(device string) {
	r.OperationRetries.WithLabelValues(device).Inc()
}

// UpdateHealthScore updates the per-device health gauge.
func (r *Registry) UpdateHealthScore(device string, score float64) {
	r.DeviceHealthScore.WithLabelValues(device).Set(score)
}

// RecordDeviceError records a device error by type.
func (r *Registry) RecordDeviceError(device string, errorType string) {
	r.DeviceErrors.WithLabelValues(device, errorType).Inc()
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(registered, connected int) {
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesConnected.Set(float64(connected))
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// RecordAcquire records a pool acquire wait, successful or not.
func (r *Registry) RecordAcquire(waitSeconds float64, exhausted bool) {
	r.PoolAcquireWait.Observe(waitSeconds)
	if exhausted {
		r.PoolExhausted.Inc()
	}
}

// UpdatePoolGauges updates the per-device pool occupancy gauges.
func (r *Registry) UpdatePoolGauges(device string, active, idle int) {
	r.PoolConnectionsActive.WithLabelValues(device).Set(float64(active))
	r.PoolConnectionsIdle.WithLabelValues(device).Set(float64(idle))
}

// RecordTaskSubmitted records a submitted task by priority.
func (r *Registry) RecordTaskSubmitted(priority string) {
	r.TasksSubmitted.WithLabelValues(priority).Inc()
}

// RecordTaskFinished records a task reaching a terminal state.
func (r *Registry) RecordTaskFinished(state string, device string, duration float64) {
	r.TasksFinished.WithLabelValues(state).Inc()
	if device != "" {
		r.TaskDuration.WithLabelValues(device).Observe(duration)
	}
}

// UpdateWorkerUtilization updates the scheduler worker gauge.
func (r *Registry) UpdateWorkerUtilization(inUse, maxWorkers int) {
	if maxWorkers > 0 {
		r.WorkerUtilization.Set(float64(inUse) / float64(maxWorkers))
	}
}

// UpdateQueueDepth updates the scheduler queue depth gauge.
func (r *Registry) UpdateQueueDepth(depth int) {
	r.TaskQueueDepth.Set(float64(depth))
}

// RecordEvent records one emitted event by topic.
func (r *Registry) RecordEvent(topic string) {
	r.EventsEmitted.WithLabelValues(topic).Inc()
}

// RecordLease records a lease grant or denial.
func (r *Registry) RecordLease(granted bool) {
	if granted {
		r.LeasesGranted.Inc()
	} else {
		r.LeasesDenied.Inc()
	}
}

// UpdateActiveLeases sets the active lease gauge.
func (r *Registry) UpdateActiveLeases(n int) {
	r.LeasesActive.Set(float64(n))
}

// UpdateQuota updates the utilization gauge for one resource pool.
func (r *Registry) UpdateQuota(resource string, allocated, capacity float64) {
	if capacity > 0 {
		r.QuotaUtilization.WithLabelValues(resource).Set(allocated / capacity)
	}
}

// RecordCacheAccess records one cache read outcome.
func (r *Registry) RecordCacheAccess(hit bool) {
	if hit {
		r.CacheHits.Inc()
	} else {
		r.CacheMisses.Inc()
	}
}

// RecordCacheEvictions adds n capacity evictions.
func (r *Registry) RecordCacheEvictions(n int) {
	r.CacheEvictions.Add(float64(n))
}

// RecordAlert counts one raised monitor alert by level.
func (r *Registry) RecordAlert(level string) {
	r.AlertsRaised.WithLabelValues(level).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}
