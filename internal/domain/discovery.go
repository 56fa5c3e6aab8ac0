package domain

import "time"

// DiscoveredDevice is one device reported by a backend scan. It is a
// description, not a handle: callers turn it into a live device through
// the backend's factory.
type DiscoveredDevice struct {
	BackendName  string         `json:"backendName"`
	DeviceID     string         `json:"deviceId"`
	DeviceType   DeviceType     `json:"deviceType"`
	Label        string         `json:"label,omitempty"`
	Address      string         `json:"address,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	DiscoveredAt time.Time      `json:"discoveredAt"`
}
