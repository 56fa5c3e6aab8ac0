package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DeviceType identifies the instrument class of a device.
type DeviceType string

// Built-in device types. Backends may register additional types at
// runtime through the type registry.
const (
	DeviceTypeCamera              DeviceType = "camera"
	DeviceTypeTelescope           DeviceType = "telescope"
	DeviceTypeFocuser             DeviceType = "focuser"
	DeviceTypeFilterWheel         DeviceType = "filterwheel"
	DeviceTypeDome                DeviceType = "dome"
	DeviceTypeRotator             DeviceType = "rotator"
	DeviceTypeGuider              DeviceType = "guider"
	DeviceTypeWeather             DeviceType = "weather"
	DeviceTypeGPS                 DeviceType = "gps"
	DeviceTypeAuxiliary           DeviceType = "auxiliary"
	DeviceTypeSwitch              DeviceType = "switch"
	DeviceTypeSafetyMonitor       DeviceType = "safety_monitor"
	DeviceTypeCoverCalibrator     DeviceType = "cover_calibrator"
	DeviceTypeObservingConditions DeviceType = "observing_conditions"
	DeviceTypeVideo               DeviceType = "video"
)

// DeviceTypes returns the built-in types in display order.
func DeviceTypes() []DeviceType {
	return []DeviceType{
		DeviceTypeCamera,
		DeviceTypeTelescope,
		DeviceTypeFocuser,
		DeviceTypeFilterWheel,
		DeviceTypeDome,
		DeviceTypeRotator,
		DeviceTypeGuider,
		DeviceTypeWeather,
		DeviceTypeGPS,
		DeviceTypeAuxiliary,
		DeviceTypeSwitch,
		DeviceTypeSafetyMonitor,
		DeviceTypeCoverCalibrator,
		DeviceTypeObservingConditions,
		DeviceTypeVideo,
	}
}

// IsValid reports whether t is a non-empty type tag.
func (t DeviceType) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// OperationalState is the coarse state a driver reports for itself.
//
// Transitions are monotonic within a session: Unknown -> Idle, then
// Idle <-> Busy/Alert/Error. Error is only cleared by an explicit reset.
type OperationalState int

const (
	StateUnknown OperationalState = iota
	StateIdle
	StateBusy
	StateAlert
	StateError
)

// String returns the lowercase name of the state.
func (s OperationalState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateAlert:
		return "alert"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Driver is the capability surface every device implementation provides
// to the core. Class-specific operations (exposure control, slewing, ...)
// are opaque to the core and reach drivers through task functions.
type Driver interface {
	// Name returns the stable identity of the device.
	Name() string
	// Type returns the device type tag.
	Type() DeviceType
	// UUID returns a stable unique identifier.
	UUID() string

	Initialize(ctx context.Context) error
	Destroy() error

	// Connect establishes the hardware session. port is a
	// driver-interpreted endpoint, commonly produced by Scan.
	Connect(ctx context.Context, port string, timeout time.Duration, maxRetry int) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Scan returns candidate connection endpoints.
	Scan(ctx context.Context) ([]string, error)

	State() OperationalState
	Capabilities() map[string]any

	LoadConfig() error
	SaveConfig() error
	ResetConfig() error

	Property(name string) (any, bool)
	SetProperty(name string, value any) error
	ListProperties() []string

	RunDiagnostics(ctx context.Context) error
}

// Aborter is implemented by drivers that can interrupt an in-flight
// operation. The scheduler invokes it on task timeout.
type Aborter interface {
	Abort() error
}

// DeviceMetadata is the separable descriptive record for one device
// name. It is mutable and persisted by configuration export.
type DeviceMetadata struct {
	DeviceID         string         `json:"deviceId"`
	DisplayName      string         `json:"displayName"`
	DriverName       string         `json:"driverName"`
	DriverVersion    string         `json:"driverVersion"`
	ConnectionString string         `json:"connectionString"`
	Priority         int            `json:"priority"`
	AutoConnect      bool           `json:"autoConnect"`
	CustomProperties map[string]any `json:"customProperties,omitempty"`
}

// Clone returns a deep copy so callers can mutate without racing the
// registry's stored record.
func (m DeviceMetadata) Clone() DeviceMetadata {
	out := m
	if m.CustomProperties != nil {
		out.CustomProperties = make(map[string]any, len(m.CustomProperties))
		for k, v := range m.CustomProperties {
			out.CustomProperties[k] = v
		}
	}
	return out
}

// DeviceState is the operational record the core maintains for each
// device. Drivers never mutate it directly.
type DeviceState struct {
	IsConnected       bool      `json:"isConnected"`
	IsInitialized     bool      `json:"isInitialized"`
	IsBusy            bool      `json:"isBusy"`
	LastError         string    `json:"lastError,omitempty"`
	HealthScore       float64   `json:"healthScore"`
	LastActivity      time.Time `json:"lastActivity"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	TotalOperations   uint64    `json:"totalOperations"`
	FailedOperations  uint64    `json:"failedOperations"`
}

// NewDeviceState returns the initial state for a freshly registered
// device. A new device starts at full health.
func NewDeviceState(connected bool) DeviceState {
	return DeviceState{
		IsConnected:  connected,
		HealthScore:  1.0,
		LastActivity: time.Now(),
	}
}

// RecordSuccess applies the health bookkeeping for one successful
// operation: h <- min(1, h+0.1), consecutive errors reset.
func (s *DeviceState) RecordSuccess() {
	s.TotalOperations++
	s.ConsecutiveErrors = 0
	s.LastError = ""
	s.HealthScore += 0.1
	if s.HealthScore > 1.0 {
		s.HealthScore = 1.0
	}
	s.LastActivity = time.Now()
}

// RecordFailure applies the health bookkeeping for one failed
// operation: h <- max(0, h - 0.1*consecutiveErrors).
func (s *DeviceState) RecordFailure(err error) {
	s.TotalOperations++
	s.FailedOperations++
	s.ConsecutiveErrors++
	if err != nil {
		s.LastError = err.Error()
	}
	s.HealthScore -= 0.1 * float64(s.ConsecutiveErrors)
	if s.HealthScore < 0 {
		s.HealthScore = 0
	}
	s.LastActivity = time.Now()
}

// IsHealthy reports whether the device is above the given health
// threshold. The conventional cutoff is 0.5.
func (s DeviceState) IsHealthy(threshold float64) bool {
	return s.HealthScore >= threshold
}

// ErrorRate returns failed/total, or zero when no operations ran.
func (s DeviceState) ErrorRate() float64 {
	if s.TotalOperations == 0 {
		return 0
	}
	return float64(s.FailedOperations) / float64(s.TotalOperations)
}

// DeviceInfo is a read-only snapshot combining identity, metadata, and
// state, as returned by registry queries.
type DeviceInfo struct {
	Name      string         `json:"name"`
	Type      DeviceType     `json:"type"`
	UUID      string         `json:"uuid"`
	IsPrimary bool           `json:"isPrimary"`
	Metadata  DeviceMetadata `json:"metadata"`
	State     DeviceState    `json:"state"`
}

// ValidateName rejects names the registry cannot address.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty device name", ErrInvalidConfig)
	}
	if strings.ContainsAny(name, "/#+") {
		return fmt.Errorf("%w: device name %q contains reserved characters", ErrInvalidConfig, name)
	}
	return nil
}
