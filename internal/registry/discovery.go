package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// DeviceSource lists discovered devices. Backends implement it.
type DeviceSource interface {
	Name() string
	DiscoverDevices(ctx context.Context, timeout time.Duration) ([]domain.DiscoveredDevice, error)
}

// DriverFactory turns a discovered device into a live driver. The
// backend device factory implements it.
type DriverFactory interface {
	Create(dev domain.DiscoveredDevice, meta domain.DeviceMetadata) (domain.Driver, error)
}

// DiscoverOptions tunes a discovery round.
type DiscoverOptions struct {
	// Timeout bounds the backend discovery call.
	Timeout time.Duration
	// AutoConnect connects each newly registered device.
	AutoConnect bool
	// ConnectTimeout bounds each auto-connect. Zero uses the registry
	// default.
	ConnectTimeout time.Duration
}

// DiscoverAndRegister runs one discovery round against a backend and
// registers every device not already known. Already registered names
// are skipped, counted in the result. With AutoConnect, each new device
// is connected; a failed connect leaves the device registered.
func (r *Registry) DiscoverAndRegister(ctx context.Context, source DeviceSource, factory DriverFactory, opts DiscoverOptions) ([]string, error) {
	if source == nil || factory == nil {
		return nil, fmt.Errorf("%w: discovery needs a source and a factory", domain.ErrInvalidConfig)
	}
	discovered, err := source.DiscoverDevices(ctx, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("discover on %s: %w", source.Name(), err)
	}

	var added []string
	for _, dev := range discovered {
		name := dev.Label
		if name == "" {
			name = dev.DeviceID
		}
		if r.Has(name) {
			r.logger.Debug().
				Str("device", name).
				Str("backend", source.Name()).
				Msg("Discovered device already registered")
			continue
		}

		meta := metadataFromDiscovered(dev, opts.AutoConnect)
		driver, err := factory.Create(dev, meta)
		if err != nil {
			r.logger.Warn().
				Str("device", name).
				Str("backend", source.Name()).
				Err(err).
				Msg("Driver creation failed for discovered device")
			continue
		}
		if err := driver.Initialize(ctx); err != nil {
			r.logger.Warn().
				Str("device", name).
				Str("backend", source.Name()).
				Err(err).
				Msg("Driver initialization failed for discovered device")
			continue
		}
		if err := r.AddDevice(dev.DeviceType, driver, &meta); err != nil {
			r.logger.Warn().Str("device", name).Err(err).Msg("Registration of discovered device failed")
			continue
		}
		added = append(added, driver.Name())
	}

	if opts.AutoConnect {
		for _, res := range r.ConnectMany(ctx, added, opts.ConnectTimeout) {
			if res.Err != nil {
				r.logger.Warn().Str("device", res.Name).Err(res.Err).Msg("Auto-connect failed")
			}
		}
	}

	r.logger.Info().
		Str("backend", source.Name()).
		Int("discovered", len(discovered)).
		Int("registered", len(added)).
		Msg("Discovery round completed")
	return added, nil
}

// metadataFromDiscovered seeds a metadata record from a backend's
// discovery report.
func metadataFromDiscovered(dev domain.DiscoveredDevice, autoConnect bool) domain.DeviceMetadata {
	meta := domain.DeviceMetadata{
		DeviceID:         dev.DeviceID,
		DisplayName:      dev.Label,
		ConnectionString: dev.Address,
		AutoConnect:      autoConnect,
	}
	if meta.DisplayName == "" {
		meta.DisplayName = dev.DeviceID
	}
	if len(dev.Properties) > 0 {
		meta.CustomProperties = make(map[string]any, len(dev.Properties))
		for k, v := range dev.Properties {
			meta.CustomProperties[k] = v
		}
		if s, ok := dev.Properties["driverName"].(string); ok {
			meta.DriverName = s
		}
		if s, ok := dev.Properties["driverVersion"].(string); ok {
			meta.DriverVersion = s
		}
		switch p := dev.Properties["priority"].(type) {
		case int:
			meta.Priority = p
		case float64:
			meta.Priority = int(p)
		}
	}
	if dev.BackendName != "" {
		if meta.CustomProperties == nil {
			meta.CustomProperties = make(map[string]any, 1)
		}
		meta.CustomProperties["backendName"] = dev.BackendName
	}
	return meta
}
