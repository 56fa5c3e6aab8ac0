package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// RosterEntry is the YAML shape of one device in the roster file.
type RosterEntry struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Driver      string            `yaml:"driver,omitempty"`
	Backend     string            `yaml:"backend,omitempty"`
	Connection  string            `yaml:"connection,omitempty"`
	Priority    int               `yaml:"priority,omitempty"`
	AutoConnect bool              `yaml:"auto_connect"`
	Retry       *RetryEntry       `yaml:"retry,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// RetryEntry is the YAML shape of a per-device retry policy.
type RetryEntry struct {
	Strategy     string  `yaml:"strategy"`
	MaxRetries   int     `yaml:"max_retries"`
	InitialDelay string  `yaml:"initial_delay,omitempty"`
	MaxDelay     string  `yaml:"max_delay,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty"`
}

// RosterFile is the top-level roster file structure.
type RosterFile struct {
	Version string        `yaml:"version"`
	Devices []RosterEntry `yaml:"devices"`
}

// DeviceSpec is a validated roster entry ready for registration.
type DeviceSpec struct {
	Name        string
	Type        domain.DeviceType
	Backend     string
	Driver      string
	AutoConnect bool
	Retry       domain.RetryPolicy
	Meta        *domain.DeviceMetadata
}

// LoadDeviceRoster reads and validates the device roster file. Entries
// with duplicate names fail with domain.ErrRosterDuplicate.
func LoadDeviceRoster(path string) ([]DeviceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}

	var file RosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster file: %w", err)
	}

	seen := make(map[string]int, len(file.Devices))
	specs := make([]DeviceSpec, 0, len(file.Devices))

	for idx, e := range file.Devices {
		if prevIdx, exists := seen[e.Name]; exists {
			return nil, fmt.Errorf("%w: %q at index %d (first seen at index %d)",
				domain.ErrRosterDuplicate, e.Name, idx, prevIdx)
		}
		seen[e.Name] = idx

		spec, err := convertRosterEntry(e)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", e.Name, err)
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

func convertRosterEntry(e RosterEntry) (DeviceSpec, error) {
	if err := domain.ValidateName(e.Name); err != nil {
		return DeviceSpec{}, err
	}
	typ := domain.DeviceType(e.Type)
	if !typ.IsValid() {
		return DeviceSpec{}, fmt.Errorf("%w: unknown device type %q", domain.ErrInvalidConfig, e.Type)
	}

	retry := domain.DefaultRetryPolicy()
	if e.Retry != nil {
		var err error
		retry, err = convertRetryEntry(*e.Retry)
		if err != nil {
			return DeviceSpec{}, err
		}
	}

	meta := &domain.DeviceMetadata{
		DisplayName:      e.Name,
		DriverName:       e.Driver,
		ConnectionString: e.Connection,
		Priority:         e.Priority,
		AutoConnect:      e.AutoConnect,
	}
	if len(e.Metadata) > 0 {
		meta.CustomProperties = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta.CustomProperties[k] = v
		}
	}

	return DeviceSpec{
		Name:        e.Name,
		Type:        typ,
		Backend:     e.Backend,
		Driver:      e.Driver,
		AutoConnect: e.AutoConnect,
		Retry:       retry,
		Meta:        meta,
	}, nil
}

func convertRetryEntry(re RetryEntry) (domain.RetryPolicy, error) {
	p := domain.RetryPolicy{
		Strategy:     domain.ParseRetryStrategy(re.Strategy),
		MaxRetries:   re.MaxRetries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   re.Multiplier,
	}
	if re.InitialDelay != "" {
		d, err := time.ParseDuration(re.InitialDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("invalid initial_delay: %w", err)
		}
		p.InitialDelay = d
	}
	if re.MaxDelay != "" {
		d, err := time.ParseDuration(re.MaxDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("invalid max_delay: %w", err)
		}
		p.MaxDelay = d
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p, nil
}

// SaveDeviceRoster writes the roster back to disk. Connection strings
// may embed credentials, so the file is written 0600.
func SaveDeviceRoster(path string, specs []DeviceSpec) error {
	entries := make([]RosterEntry, 0, len(specs))
	for _, s := range specs {
		entries = append(entries, convertToRosterEntry(s))
	}

	file := RosterFile{
		Version: "1.0",
		Devices: entries,
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write roster file: %w", err)
	}
	return nil
}

func convertToRosterEntry(s DeviceSpec) RosterEntry {
	e := RosterEntry{
		Name:        s.Name,
		Type:        string(s.Type),
		Backend:     s.Backend,
		Driver:      s.Driver,
		AutoConnect: s.AutoConnect,
		Retry: &RetryEntry{
			Strategy:     s.Retry.Strategy.String(),
			MaxRetries:   s.Retry.MaxRetries,
			InitialDelay: s.Retry.InitialDelay.String(),
			MaxDelay:     s.Retry.MaxDelay.String(),
			Multiplier:   s.Retry.Multiplier,
		},
	}
	if s.Meta != nil {
		e.Connection = s.Meta.ConnectionString
		e.Priority = s.Meta.Priority
		if len(s.Meta.CustomProperties) > 0 {
			e.Metadata = make(map[string]string, len(s.Meta.CustomProperties))
			for k, v := range s.Meta.CustomProperties {
				if str, ok := v.(string); ok {
					e.Metadata[k] = str
				} else {
					e.Metadata[k] = fmt.Sprintf("%v", v)
				}
			}
		}
	}
	return e
}
