package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// ConfigVersion is the schema version of exported configurations.
const ConfigVersion = 1

// configSchema validates imported configurations before any mutation.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "devices"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "devices": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "name"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "isPrimary": {"type": "boolean"},
          "metadata": {"type": "object"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchema))
	})
	return compiledSchema, schemaErr
}

// DeviceSnapshot is one device in an exported configuration.
type DeviceSnapshot struct {
	Type      string                `json:"type"`
	Name      string                `json:"name"`
	Metadata  domain.DeviceMetadata `json:"metadata"`
	IsPrimary bool                  `json:"isPrimary"`
}

// ConfigSnapshot is the exported configuration document.
type ConfigSnapshot struct {
	Version int              `json:"version"`
	Devices []DeviceSnapshot `json:"devices"`
}

// SnapshotSaver persists exported configurations. The sqlite config
// store implements it.
type SnapshotSaver interface {
	Save(ctx context.Context, payload []byte) (int64, error)
}

// SetSnapshotStore attaches a persistence sink. Every successful export
// and import is saved; store failures are logged, not surfaced.
func (r *Registry) SetSnapshotStore(store SnapshotSaver) {
	r.mu.Lock()
	r.store = store
	r.mu.Unlock()
}

// ExportConfiguration serializes the registry's devices, metadata, and
// primary elections. The order is deterministic: types sorted, devices
// in registration order within a type.
func (r *Registry) ExportConfiguration(ctx context.Context) ([]byte, error) {
	r.mu.RLock()
	types := make([]domain.DeviceType, 0, len(r.byType))
	for typ := range r.byType {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	snap := ConfigSnapshot{Version: ConfigVersion}
	for _, typ := range types {
		for _, ent := range r.byType[typ] {
			snap.Devices = append(snap.Devices, DeviceSnapshot{
				Type:      string(typ),
				Name:      ent.name,
				Metadata:  ent.metadata.Clone(),
				IsPrimary: r.primary[typ] == ent,
			})
		}
	}
	store := r.store
	r.mu.RUnlock()

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export configuration: %w", err)
	}
	r.saveSnapshot(ctx, store, payload)
	return payload, nil
}

// ImportConfiguration validates and applies an exported configuration.
// Validation runs against the embedded JSON Schema before any mutation.
// Devices not yet registered are created through the registry's driver
// factory; existing devices get their metadata replaced. The import is
// all-or-nothing: a failed driver construction aborts with the registry
// untouched.
func (r *Registry) ImportConfiguration(ctx context.Context, data []byte, factory DriverFactory) error {
	if err := validateConfig(data); err != nil {
		return err
	}
	var snap ConfigSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigValidation, err)
	}
	if snap.Version != ConfigVersion {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrConfigVersion, snap.Version, ConfigVersion)
	}

	// Stage drivers for unknown devices before touching any state.
	var create []stagedDevice
	seen := make(map[string]bool, len(snap.Devices))
	for _, ds := range snap.Devices {
		if err := domain.ValidateName(ds.Name); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		if seen[ds.Name] {
			return fmt.Errorf("%w: %s", domain.ErrRosterDuplicate, ds.Name)
		}
		seen[ds.Name] = true
		if r.Has(ds.Name) {
			continue
		}
		if factory == nil {
			return fmt.Errorf("%w: device %s is not registered and no factory was given", domain.ErrInvalidConfig, ds.Name)
		}
		driver, err := factory.Create(discoveredFromSnapshot(ds), ds.Metadata)
		if err != nil {
			r.abandonStaged(create)
			return fmt.Errorf("import: create driver for %s: %w", ds.Name, err)
		}
		create = append(create, stagedDevice{snap: ds, driver: driver})
		if err := driver.Initialize(ctx); err != nil {
			r.abandonStaged(create)
			return fmt.Errorf("import: initialize driver for %s: %w", ds.Name, err)
		}
	}

	// Apply: register staged drivers, then metadata and primaries.
	for _, st := range create {
		if err := r.AddDevice(domain.DeviceType(st.snap.Type), st.driver, &st.snap.Metadata); err != nil {
			r.abandonStaged(create)
			return fmt.Errorf("import: register %s: %w", st.snap.Name, err)
		}
	}
	for _, ds := range snap.Devices {
		if err := r.UpdateMetadata(ds.Name, ds.Metadata); err != nil {
			return fmt.Errorf("import: metadata for %s: %w", ds.Name, err)
		}
	}
	for _, ds := range snap.Devices {
		if ds.IsPrimary {
			if err := r.SetPrimary(ds.Name); err != nil {
				return fmt.Errorf("import: primary %s: %w", ds.Name, err)
			}
		}
	}

	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	r.saveSnapshot(ctx, store, data)
	r.logger.Info().
		Int("devices", len(snap.Devices)).
		Int("created", len(create)).
		Msg("Configuration imported")
	return nil
}

// stagedDevice pairs a snapshot with the driver built for it during an
// import, before anything is registered.
type stagedDevice struct {
	snap   DeviceSnapshot
	driver domain.Driver
}

// abandonStaged destroys drivers constructed for an import that will
// not complete. Drivers already registered stay owned by the registry.
func (r *Registry) abandonStaged(staged []stagedDevice) {
	for _, st := range staged {
		if r.Has(st.snap.Name) {
			continue
		}
		if err := guard(func() error { return st.driver.Destroy() }); err != nil {
			r.logger.Warn().Str("device", st.snap.Name).Err(err).Msg("Staged driver destroy failed")
		}
	}
}

func (r *Registry) saveSnapshot(ctx context.Context, store SnapshotSaver, payload []byte) {
	if store == nil {
		return
	}
	if _, err := store.Save(ctx, payload); err != nil {
		r.logger.Warn().Err(err).Msg("Configuration snapshot save failed")
	}
}

// validateConfig checks data against the embedded schema.
func validateConfig(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("%w: schema: %v", domain.ErrConfigValidation, err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigValidation, err)
	}
	if !result.Valid() {
		var b strings.Builder
		for i, desc := range result.Errors() {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %s", desc.Field(), desc.Description())
		}
		return fmt.Errorf("%w: %s", domain.ErrConfigValidation, b.String())
	}
	return nil
}

// discoveredFromSnapshot rebuilds the discovery record a factory needs
// from a persisted snapshot. The backend association survives the round
// trip through the backendName custom property.
func discoveredFromSnapshot(ds DeviceSnapshot) domain.DiscoveredDevice {
	props := make(map[string]any, len(ds.Metadata.CustomProperties))
	for k, v := range ds.Metadata.CustomProperties {
		props[k] = v
	}
	dev := domain.DiscoveredDevice{
		DeviceID:   ds.Metadata.DeviceID,
		DeviceType: domain.DeviceType(ds.Type),
		Label:      ds.Name,
		Address:    ds.Metadata.ConnectionString,
		Properties: props,
	}
	if s, ok := props["backendName"].(string); ok {
		dev.BackendName = s
	}
	return dev
}
