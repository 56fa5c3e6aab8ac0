package backend

import (
	"fmt"
	"sync"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// DriverFactory turns a discovered device plus its metadata into a live
// driver. The driver is returned uninitialized.
type DriverFactory func(dev domain.DiscoveredDevice, meta domain.DeviceMetadata) (domain.Driver, error)

// DeviceFactory routes driver construction by device type. Devices
// whose discovery record carries `simulated: true` are built by the
// simulator regardless of type so test roster entries never touch
// hardware backends.
type DeviceFactory struct {
	mu        sync.RWMutex
	factories map[domain.DeviceType]DriverFactory
	fallback  DriverFactory
}

// NewDeviceFactory returns a factory with the simulated driver as
// fallback.
func NewDeviceFactory() *DeviceFactory {
	return &DeviceFactory{
		factories: make(map[domain.DeviceType]DriverFactory),
		fallback:  newSimulatedFromDiscovery,
	}
}

// RegisterDriver installs the factory for one device type, replacing
// any previous registration.
func (f *DeviceFactory) RegisterDriver(t domain.DeviceType, factory DriverFactory) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: empty device type", domain.ErrInvalidConfig)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil driver factory for %s", domain.ErrInvalidConfig, t)
	}
	f.mu.Lock()
	f.factories[t] = factory
	f.mu.Unlock()
	return nil
}

// UnregisterDriver removes the factory for one device type.
func (f *DeviceFactory) UnregisterDriver(t domain.DeviceType) {
	f.mu.Lock()
	delete(f.factories, t)
	f.mu.Unlock()
}

// SetFallback replaces the factory used when no type-specific one is
// registered. A nil factory restores the simulator.
func (f *DeviceFactory) SetFallback(factory DriverFactory) {
	f.mu.Lock()
	if factory == nil {
		factory = newSimulatedFromDiscovery
	}
	f.fallback = factory
	f.mu.Unlock()
}

// SupportedTypes lists the types with a dedicated factory.
func (f *DeviceFactory) SupportedTypes() []domain.DeviceType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.DeviceType, 0, len(f.factories))
	for t := range f.factories {
		out = append(out, t)
	}
	return out
}

// Create builds a driver for the discovered device.
func (f *DeviceFactory) Create(dev domain.DiscoveredDevice, meta domain.DeviceMetadata) (domain.Driver, error) {
	if !dev.DeviceType.IsValid() {
		return nil, fmt.Errorf("%w: discovered device %s has no type", domain.ErrInvalidConfig, dev.DeviceID)
	}

	factory := f.resolve(dev)
	drv, err := factory(dev, meta)
	if err != nil {
		return nil, fmt.Errorf("create %s driver for %s: %w", dev.DeviceType, dev.DeviceID, err)
	}
	return drv, nil
}

func (f *DeviceFactory) resolve(dev domain.DiscoveredDevice) DriverFactory {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if isSimulated(dev) {
		return newSimulatedFromDiscovery
	}
	if factory, ok := f.factories[dev.DeviceType]; ok {
		return factory
	}
	return f.fallback
}

func isSimulated(dev domain.DiscoveredDevice) bool {
	v, ok := dev.Properties["simulated"]
	if !ok {
		return false
	}
	switch s := v.(type) {
	case bool:
		return s
	case string:
		return s == "true" || s == "yes" || s == "1"
	default:
		return false
	}
}
