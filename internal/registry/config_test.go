package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/registry"
)

type fakeFactory struct {
	mu      sync.Mutex
	created []string
	failFor string
}

var _ registry.DriverFactory = (*fakeFactory)(nil)

func (f *fakeFactory) Create(dev domain.DiscoveredDevice, meta domain.DeviceMetadata) (domain.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := dev.Label
	if name == "" {
		name = dev.DeviceID
	}
	if name == f.failFor {
		return nil, errors.New("driver backend offline")
	}
	f.created = append(f.created, name)
	return newFakeDriver(name, dev.DeviceType), nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeSnapshotStore struct {
	mu    sync.Mutex
	saved [][]byte
}

func (s *fakeSnapshotStore) Save(ctx context.Context, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, append([]byte(nil), payload...))
	return int64(len(s.saved)), nil
}

func (s *fakeSnapshotStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestRegistry(nil)
	camMeta := &domain.DeviceMetadata{
		DeviceID:         "cam1-id",
		DisplayName:      "Main Imager",
		DriverName:       "asi",
		DriverVersion:    "1.33",
		ConnectionString: "usb:0",
		Priority:         2,
		AutoConnect:      true,
		CustomProperties: map[string]any{"cooled": true},
	}
	if err := src.AddDevice(domain.DeviceTypeCamera, newFakeDriver("cam1", domain.DeviceTypeCamera), camMeta); err != nil {
		t.Fatalf("AddDevice(cam1): %v", err)
	}
	if err := src.AddDevice(domain.DeviceTypeCamera, newFakeDriver("cam2", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice(cam2): %v", err)
	}
	if err := src.AddDevice(domain.DeviceTypeFocuser, newFakeDriver("focus", domain.DeviceTypeFocuser), nil); err != nil {
		t.Fatalf("AddDevice(focus): %v", err)
	}
	if err := src.SetPrimary("cam2"); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	payload, err := src.ExportConfiguration(context.Background())
	if err != nil {
		t.Fatalf("ExportConfiguration: %v", err)
	}
	var snap registry.ConfigSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if snap.Version != registry.ConfigVersion || len(snap.Devices) != 3 {
		t.Fatalf("snapshot = version %d with %d devices", snap.Version, len(snap.Devices))
	}

	dst := newTestRegistry(nil)
	factory := &fakeFactory{}
	if err := dst.ImportConfiguration(context.Background(), payload, factory); err != nil {
		t.Fatalf("ImportConfiguration: %v", err)
	}
	if dst.Count() != 3 {
		t.Fatalf("imported %d devices, want 3", dst.Count())
	}

	info, err := dst.Device("cam1")
	if err != nil {
		t.Fatalf("Device(cam1): %v", err)
	}
	want := camMeta.Clone()
	if !reflect.DeepEqual(info.Metadata, want) {
		t.Fatalf("metadata not preserved:\n got %+v\nwant %+v", info.Metadata, want)
	}

	primary, err := dst.PrimaryDevice(domain.DeviceTypeCamera)
	if err != nil {
		t.Fatalf("PrimaryDevice: %v", err)
	}
	if primary.Name != "cam2" {
		t.Fatalf("imported primary = %q, want cam2", primary.Name)
	}
}

func TestImportRejectsInvalidDocuments(t *testing.T) {
	reg := newTestRegistry(nil)
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"missing version", `{"devices": []}`, domain.ErrConfigValidation},
		{"devices not array", `{"version": 1, "devices": {}}`, domain.ErrConfigValidation},
		{"device without name", `{"version": 1, "devices": [{"type": "camera"}]}`, domain.ErrConfigValidation},
		{"unsupported version", `{"version": 99, "devices": []}`, domain.ErrConfigVersion},
		{"duplicate names", `{"version": 1, "devices": [
			{"type": "camera", "name": "cam"},
			{"type": "camera", "name": "cam"}
		]}`, domain.ErrRosterDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.ImportConfiguration(context.Background(), []byte(tt.payload), &fakeFactory{})
			if !errors.Is(err, tt.want) {
				t.Errorf("ImportConfiguration = %v, want %v", err, tt.want)
			}
		})
	}
	if reg.Count() != 0 {
		t.Fatalf("rejected imports mutated the registry: %d devices", reg.Count())
	}
}

func TestImportIsTransactional(t *testing.T) {
	reg := newTestRegistry(nil)
	payload := `{"version": 1, "devices": [
		{"type": "camera", "name": "cam1"},
		{"type": "camera", "name": "cam2"}
	]}`
	factory := &fakeFactory{failFor: "cam2"}
	err := reg.ImportConfiguration(context.Background(), []byte(payload), factory)
	if err == nil {
		t.Fatalf("import should fail when a driver cannot be built")
	}
	if reg.Count() != 0 {
		t.Fatalf("partial import: %d devices registered", reg.Count())
	}
}

func TestImportUpdatesExistingDevices(t *testing.T) {
	reg := newTestRegistry(nil)
	if err := reg.AddDevice(domain.DeviceTypeCamera, newFakeDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	payload := `{"version": 1, "devices": [
		{"type": "camera", "name": "cam", "isPrimary": true,
		 "metadata": {"deviceId": "cam", "displayName": "Renamed", "priority": 7}}
	]}`
	factory := &fakeFactory{}
	if err := reg.ImportConfiguration(context.Background(), []byte(payload), factory); err != nil {
		t.Fatalf("ImportConfiguration: %v", err)
	}
	if factory.count() != 0 {
		t.Fatalf("factory built %d drivers for an existing device", factory.count())
	}
	info, _ := reg.Device("cam")
	if info.Metadata.DisplayName != "Renamed" || info.Metadata.Priority != 7 {
		t.Fatalf("metadata not applied: %+v", info.Metadata)
	}
}

func TestSnapshotStoreReceivesExports(t *testing.T) {
	reg := newTestRegistry(nil)
	store := &fakeSnapshotStore{}
	reg.SetSnapshotStore(store)
	if err := reg.AddDevice(domain.DeviceTypeCamera, newFakeDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	payload, err := reg.ExportConfiguration(context.Background())
	if err != nil {
		t.Fatalf("ExportConfiguration: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("store saves after export = %d, want 1", store.count())
	}

	other := newTestRegistry(nil)
	other.SetSnapshotStore(store)
	if err := other.ImportConfiguration(context.Background(), payload, &fakeFactory{}); err != nil {
		t.Fatalf("ImportConfiguration: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("store saves after import = %d, want 2", store.count())
	}
}
