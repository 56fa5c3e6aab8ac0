package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies what happened. Values are stable: they appear as
// integers in serialized events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventStateChanged
	EventPropertyChanged
	EventError
	EventHealthChanged
	EventOperationStarted
	EventOperationCompleted
	EventOperationFailed
	EventDeviceAdded
	EventDeviceRemoved
	EventServerConnected
	EventServerDisconnected
	EventBackendDiscovery
	EventResourceGranted
	EventResourceReleased
)

// String returns the dotted topic-style name of the event type.
func (t EventType) String() string {
	return t.Topic()
}

// Topic returns the dotted routing key for the event type, used by the
// event bus statistics and the MQTT bridge.
func (t EventType) Topic() string {
	switch t {
	case EventConnected:
		return "device.connected"
	case EventDisconnected:
		return "device.disconnected"
	case EventStateChanged:
		return "device.state"
	case EventPropertyChanged:
		return "device.property"
	case EventError:
		return "device.error"
	case EventHealthChanged:
		return "device.health"
	case EventOperationStarted:
		return "operation.started"
	case EventOperationCompleted:
		return "operation.completed"
	case EventOperationFailed:
		return "operation.failed"
	case EventDeviceAdded:
		return "device.added"
	case EventDeviceRemoved:
		return "device.removed"
	case EventServerConnected:
		return "backend.connected"
	case EventServerDisconnected:
		return "backend.disconnected"
	case EventBackendDiscovery:
		return "backend.discovery"
	case EventResourceGranted:
		return "resource.granted"
	case EventResourceReleased:
		return "resource.released"
	default:
		return "unknown"
	}
}

// EventCategory groups event types for category subscriptions.
type EventCategory int

const (
	CategoryDevice EventCategory = iota
	CategoryTask
	CategoryBackend
	CategoryResource
	CategorySystem
)

// String returns the lowercase category name.
func (c EventCategory) String() string {
	switch c {
	case CategoryDevice:
		return "device"
	case CategoryTask:
		return "task"
	case CategoryBackend:
		return "backend"
	case CategoryResource:
		return "resource"
	default:
		return "system"
	}
}

// Category returns the category an event type belongs to.
func (t EventType) Category() EventCategory {
	switch t {
	case EventOperationStarted, EventOperationCompleted, EventOperationFailed:
		return CategoryTask
	case EventServerConnected, EventServerDisconnected, EventBackendDiscovery:
		return CategoryBackend
	case EventResourceGranted, EventResourceReleased:
		return CategoryResource
	default:
		return CategoryDevice
	}
}

// Event is one item on the bus. Source is the emitting component or
// device; Data carries type-specific payload.
type Event struct {
	Type       EventType      `json:"type"`
	DeviceName string         `json:"deviceName"`
	DeviceType string         `json:"deviceType,omitempty"`
	Source     string         `json:"source,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"-"`
	Sequence   uint64         `json:"sequence,omitempty"`
}

// eventJSON is the wire shape: integer type, millisecond timestamp.
type eventJSON struct {
	Type        int            `json:"type"`
	Topic       string         `json:"topic"`
	DeviceName  string         `json:"deviceName"`
	DeviceType  string         `json:"deviceType,omitempty"`
	Source      string         `json:"source,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	TimestampMS int64          `json:"timestampMs"`
	Sequence    uint64         `json:"sequence,omitempty"`
}

// MarshalJSON serializes the event with a millisecond epoch timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Type:        int(e.Type),
		Topic:       e.Type.Topic(),
		DeviceName:  e.DeviceName,
		DeviceType:  e.DeviceType,
		Source:      e.Source,
		Message:     e.Message,
		Data:        e.Data,
		TimestampMS: e.Timestamp.UnixMilli(),
		Sequence:    e.Sequence,
	})
}

// UnmarshalJSON restores an event serialized by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = EventType(raw.Type)
	e.DeviceName = raw.DeviceName
	e.DeviceType = raw.DeviceType
	e.Source = raw.Source
	e.Message = raw.Message
	e.Data = raw.Data
	e.Timestamp = time.UnixMilli(raw.TimestampMS)
	e.Sequence = raw.Sequence
	return nil
}

// ToJSON serializes the event for transport.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent builds an event with the timestamp set.
func NewEvent(t EventType, deviceName, deviceType, message string) Event {
	return Event{
		Type:       t,
		DeviceName: deviceName,
		DeviceType: deviceType,
		Message:    message,
		Timestamp:  time.Now(),
	}
}

// NewStateChangeEvent records a device state transition.
func NewStateChangeEvent(deviceName, deviceType, oldState, newState string) Event {
	e := NewEvent(EventStateChanged, deviceName, deviceType, "state changed")
	e.Data = map[string]any{
		"oldState": oldState,
		"newState": newState,
	}
	return e
}

// NewErrorEvent records a device error. recoverable marks errors a
// retry or reset is expected to clear.
func NewErrorEvent(deviceName, deviceType, message string, recoverable bool) Event {
	e := NewEvent(EventError, deviceName, deviceType, message)
	e.Data = map[string]any{
		"recoverable": recoverable,
	}
	return e
}

// NewDiscoveryEvent records a backend discovery round.
func NewDiscoveryEvent(backendName string, deviceIDs []string) Event {
	e := NewEvent(EventBackendDiscovery, "", "", "device discovery completed")
	e.Source = backendName
	e.Data = map[string]any{
		"backend":     backendName,
		"deviceIds":   deviceIDs,
		"deviceCount": len(deviceIDs),
	}
	return e
}
