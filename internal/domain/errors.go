// Package domain contains core business entities.
package domain

import "errors"

// Lookup errors.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrTypeNotFound    = errors.New("device type not found")
	ErrBackendNotFound = errors.New("backend not found")
	ErrDeviceExists    = errors.New("device already exists")
	ErrBackendExists   = errors.New("backend already registered")
	ErrPropertyUnknown = errors.New("property not defined")
)

// Operation errors.
var (
	ErrOperationFailed    = errors.New("operation failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrCancelled          = errors.New("operation cancelled")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrNotConnected       = errors.New("device not connected")
	ErrNotInitialized     = errors.New("device not initialized")
	ErrDeviceBusy         = errors.New("device busy")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrDeviceUnhealthy    = errors.New("device unhealthy")
)

// Connection pool errors.
var (
	ErrPoolExhausted       = errors.New("connection pool exhausted")
	ErrPoolClosed          = errors.New("connection pool closed")
	ErrDeviceNotRegistered = errors.New("device not registered with pool")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker is open")
)

// Scheduler errors.
var (
	ErrQueueFull          = errors.New("task queue is full")
	ErrTaskNotFound       = errors.New("task not found")
	ErrCircularDependency = errors.New("circular task dependency")
	ErrInvalidTransition  = errors.New("invalid task state transition")
	ErrSchedulerStopped   = errors.New("scheduler has been stopped")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrMigrationDenied    = errors.New("task cannot be migrated in its current state")
)

// Resource errors.
var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrQuotaExceeded     = errors.New("resource quota exceeded")
	ErrLeaseNotFound     = errors.New("lease not found")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrRenewalExhausted  = errors.New("lease renewals exhausted")
	ErrPoolNotFound      = errors.New("resource pool not found")
	ErrRequestNotFound   = errors.New("resource request not found")
)

// Backend errors.
var (
	ErrServerNotConnected = errors.New("backend server not connected")
	ErrDiscoveryFailed    = errors.New("device discovery failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Configuration errors.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrConfigVersion      = errors.New("unsupported configuration version")
	ErrConfigValidation   = errors.New("configuration failed schema validation")
	ErrRosterDuplicate    = errors.New("duplicate device name in roster")
	ErrStoreNotConfigured = errors.New("configuration store not configured")
	ErrNoSnapshots        = errors.New("no configuration snapshots stored")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
)

// MQTT bridge errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Cache errors.
var (
	ErrCacheClosed = errors.New("cache closed")
	ErrEntryLocked = errors.New("cache entry locked")
)
