package indi_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/indi"
	"github.com/ElementAstro/lithium-next-sub000/internal/backend"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

func simCamera() indi.SimDevice {
	return indi.SimDevice{
		Name:      "CCD Simulator",
		Driver:    "indi_simulator_ccd",
		Version:   "1.9",
		Interface: 2,
		Vectors: []indi.Vector{
			{
				Name:  "CCD_TEMPERATURE",
				Label: "Temperature",
				Group: "Main Control",
				Type:  indi.Number,
				State: indi.StateIdle,
				Perm:  indi.ReadWrite,
				Items: []indi.Item{
					{Name: "CCD_TEMPERATURE_VALUE", Label: "Celsius", Value: "-10", Format: "%.1f", Min: -50, Max: 50, Step: 1},
				},
			},
			{
				Name:  "CCD_FRAME_TYPE",
				Label: "Frame Type",
				Type:  indi.Switch,
				State: indi.StateIdle,
				Perm:  indi.ReadWrite,
				Rule:  indi.OneOfMany,
				Items: []indi.Item{
					{Name: "FRAME_LIGHT", Value: "On"},
					{Name: "FRAME_BIAS", Value: "Off"},
					{Name: "FRAME_DARK", Value: "Off"},
				},
			},
		},
	}
}

func simMount() indi.SimDevice {
	return indi.SimDevice{
		Name:      "Telescope Simulator",
		Driver:    "indi_simulator_telescope",
		Version:   "1.9",
		Interface: 1,
	}
}

type indiEventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *indiEventSink) callback(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *indiEventSink) count(t domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (s *indiEventSink) vectorEvents(vector string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == domain.EventPropertyChanged && ev.Data["vector"] == vector {
			n++
		}
	}
	return n
}

func newRig(t *testing.T, connect bool, devices ...indi.SimDevice) (*indi.Client, *indi.Simulator, *indiEventSink) {
	t.Helper()
	sim := indi.NewSimulator(devices...)
	client := indi.NewClient(indi.Config{
		Name:           "indi",
		DefaultTimeout: 2 * time.Second,
		Dialer:         sim.Dialer(),
	}, zerolog.Nop())
	sink := &indiEventSink{}
	client.RegisterEventCallback(sink.callback)
	if connect {
		if err := client.ConnectServer(context.Background(), backend.ServerConfig{Host: "sim", Port: 7624}); err != nil {
			t.Fatalf("ConnectServer: %v", err)
		}
	}
	t.Cleanup(func() { _ = client.DisconnectServer(context.Background()) })
	return client, sim, sink
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDiscoverDevices(t *testing.T) {
	client, _, _ := newRig(t, true, simCamera(), simMount())

	devices, err := client.DiscoverDevices(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("discovered %d devices, want 2", len(devices))
	}
	// Snapshot is sorted by device id.
	if devices[0].DeviceID != "CCD Simulator" || devices[1].DeviceID != "Telescope Simulator" {
		t.Fatalf("device order = %s, %s", devices[0].DeviceID, devices[1].DeviceID)
	}
	cam := devices[0]
	if cam.DeviceType != domain.DeviceTypeCamera {
		t.Fatalf("camera type = %q, want camera", cam.DeviceType)
	}
	if cam.Label != "indi_simulator_ccd" {
		t.Fatalf("camera label = %q, want driver name", cam.Label)
	}
	if cam.Properties["driverVersion"] != "1.9" {
		t.Fatalf("driver version = %v", cam.Properties["driverVersion"])
	}
	if devices[1].DeviceType != domain.DeviceTypeTelescope {
		t.Fatalf("mount type = %q, want telescope", devices[1].DeviceType)
	}

	status := client.ServerStatus()
	if status["connected"] != true {
		t.Fatalf("status connected = %v", status["connected"])
	}
	if status["devices"].(int) != 2 {
		t.Fatalf("status devices = %v, want 2", status["devices"])
	}
	if status["messagesIn"].(uint64) == 0 || status["messagesOut"].(uint64) == 0 {
		t.Fatalf("traffic counters empty: %v", status)
	}
}

func TestDiscoverRequiresServer(t *testing.T) {
	client, _, _ := newRig(t, false, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), time.Second); !errors.Is(err, domain.ErrServerNotConnected) {
		t.Fatalf("DiscoverDevices without server = %v, want ErrServerNotConnected", err)
	}
	if err := client.ConnectDevice(context.Background(), "CCD Simulator"); !errors.Is(err, domain.ErrServerNotConnected) {
		t.Fatalf("ConnectDevice without server = %v, want ErrServerNotConnected", err)
	}
}

func TestConnectDevice(t *testing.T) {
	client, sim, sink := newRig(t, true, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if err := client.ConnectDevice(context.Background(), "CCD Simulator"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	if !sim.DeviceConnected("CCD Simulator") {
		t.Fatalf("simulator does not show the device connected")
	}
	if v, ok := client.Property("CCD Simulator", "CONNECTION.CONNECT"); !ok || v != true {
		t.Fatalf("CONNECTION.CONNECT = %v, %v, want true", v, ok)
	}
	waitUntil(t, time.Second, "device connected event", func() bool {
		return sink.count(domain.EventConnected) == 1
	})

	if err := client.DisconnectDevice(context.Background(), "CCD Simulator"); err != nil {
		t.Fatalf("DisconnectDevice: %v", err)
	}
	if sim.DeviceConnected("CCD Simulator") {
		t.Fatalf("simulator still shows the device connected")
	}
	waitUntil(t, time.Second, "device disconnected event", func() bool {
		return sink.count(domain.EventDisconnected) == 1
	})

	if err := client.ConnectDevice(context.Background(), "no-such-device"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("ConnectDevice unknown = %v, want ErrDeviceNotFound", err)
	}
}

func TestConnectDeviceFailureInjection(t *testing.T) {
	cam := simCamera()
	cam.FailConnects = 1
	client, sim, _ := newRig(t, true, cam)
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if err := client.ConnectDevice(context.Background(), "CCD Simulator"); !errors.Is(err, domain.ErrConnectionFailed) {
		t.Fatalf("first ConnectDevice = %v, want ErrConnectionFailed", err)
	}
	if sim.DeviceConnected("CCD Simulator") {
		t.Fatalf("device connected despite injected failure")
	}
	if err := client.ConnectDevice(context.Background(), "CCD Simulator"); err != nil {
		t.Fatalf("second ConnectDevice: %v", err)
	}
	if !sim.DeviceConnected("CCD Simulator") {
		t.Fatalf("device not connected after recovery")
	}
}

func TestSetPropertyNumber(t *testing.T) {
	client, _, sink := newRig(t, true, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	err := client.SetProperty(context.Background(), "CCD Simulator", "CCD_TEMPERATURE.CCD_TEMPERATURE_VALUE", -20.0)
	if err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	waitUntil(t, time.Second, "temperature echo", func() bool {
		v, ok := client.Property("CCD Simulator", "CCD_TEMPERATURE.CCD_TEMPERATURE_VALUE")
		return ok && v == -20.0
	})
	waitUntil(t, time.Second, "property event", func() bool {
		return sink.vectorEvents("CCD_TEMPERATURE") >= 1
	})

	values, ok := client.Property("CCD Simulator", "CCD_TEMPERATURE")
	if !ok {
		t.Fatalf("vector-level Property lookup failed")
	}
	m, ok := values.(map[string]any)
	if !ok || m["CCD_TEMPERATURE_VALUE"] != -20.0 {
		t.Fatalf("vector values = %v", values)
	}
}

func TestSetPropertyValidation(t *testing.T) {
	client, _, _ := newRig(t, true, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	ctx := context.Background()

	if err := client.SetProperty(ctx, "ghost", "CCD_TEMPERATURE.CCD_TEMPERATURE_VALUE", 1); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("unknown device = %v, want ErrDeviceNotFound", err)
	}
	if err := client.SetProperty(ctx, "CCD Simulator", "NO_SUCH_VECTOR.X", 1); !errors.Is(err, domain.ErrPropertyUnknown) {
		t.Fatalf("unknown vector = %v, want ErrPropertyUnknown", err)
	}
	if err := client.SetProperty(ctx, "CCD Simulator", "DRIVER_INFO.DRIVER_NAME", "x"); !errors.Is(err, domain.ErrOperationFailed) {
		t.Fatalf("read-only write = %v, want ErrOperationFailed", err)
	}
	if err := client.SetProperty(ctx, "CCD Simulator", "CCD_TEMPERATURE.CCD_TEMPERATURE_VALUE", "warm"); err == nil {
		t.Fatalf("non-numeric number accepted")
	}
	if err := client.SetProperty(ctx, "CCD Simulator", "CCD_TEMPERATURE", 5); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("vector set without map = %v, want ErrInvalidConfig", err)
	}
}

func TestOneOfManySwitchExclusion(t *testing.T) {
	client, _, _ := newRig(t, true, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if err := client.SetProperty(context.Background(), "CCD Simulator", "CCD_FRAME_TYPE.FRAME_DARK", true); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	waitUntil(t, time.Second, "frame type switch", func() bool {
		v, ok := client.Property("CCD Simulator", "CCD_FRAME_TYPE.FRAME_DARK")
		return ok && v == true
	})
	if v, _ := client.Property("CCD Simulator", "CCD_FRAME_TYPE.FRAME_LIGHT"); v != false {
		t.Fatalf("FRAME_LIGHT still on after exclusive selection")
	}
}

func TestServerPushUpdates(t *testing.T) {
	client, sim, sink := newRig(t, true, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if err := sim.Update("CCD Simulator", "CCD_TEMPERATURE", "CCD_TEMPERATURE_VALUE", "-25"); err != nil {
		t.Fatalf("simulator Update: %v", err)
	}
	waitUntil(t, time.Second, "pushed temperature", func() bool {
		v, ok := client.Property("CCD Simulator", "CCD_TEMPERATURE.CCD_TEMPERATURE_VALUE")
		return ok && v == -25.0
	})
	if sink.vectorEvents("CCD_TEMPERATURE") == 0 {
		t.Fatalf("no property event for server push")
	}
}

func TestDeviceRemoval(t *testing.T) {
	client, sim, sink := newRig(t, true, simCamera(), simMount())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	sim.RemoveDevice("Telescope Simulator")
	waitUntil(t, time.Second, "device removal", func() bool {
		_, ok := client.Device("Telescope Simulator")
		return !ok
	})
	if sink.count(domain.EventDeviceRemoved) != 1 {
		t.Fatalf("device removed events = %d, want 1", sink.count(domain.EventDeviceRemoved))
	}
	if _, ok := client.Device("CCD Simulator"); !ok {
		t.Fatalf("unrelated device vanished")
	}
}

func TestServerLifecycleEvents(t *testing.T) {
	client, _, sink := newRig(t, false, simCamera())

	if err := client.ConnectServer(context.Background(), backend.ServerConfig{Host: "sim"}); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	if sink.count(domain.EventServerConnected) != 1 {
		t.Fatalf("server connected events = %d, want 1", sink.count(domain.EventServerConnected))
	}
	// Reconnecting while connected is a no-op.
	if err := client.ConnectServer(context.Background(), backend.ServerConfig{Host: "sim"}); err != nil {
		t.Fatalf("repeat ConnectServer: %v", err)
	}
	if sink.count(domain.EventServerConnected) != 1 {
		t.Fatalf("no-op reconnect emitted an event")
	}

	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if err := client.DisconnectServer(context.Background()); err != nil {
		t.Fatalf("DisconnectServer: %v", err)
	}
	if client.IsServerConnected() {
		t.Fatalf("still connected after DisconnectServer")
	}
	if sink.count(domain.EventServerDisconnected) != 1 {
		t.Fatalf("server disconnected events = %d, want 1", sink.count(domain.EventServerDisconnected))
	}
	if got := len(client.Devices()); got != 0 {
		t.Fatalf("device model survived disconnect: %d devices", got)
	}
}

func TestServerLossDetected(t *testing.T) {
	client, sim, sink := newRig(t, true, simCamera())
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	sim.CloseSessions()
	waitUntil(t, time.Second, "loss detection", func() bool {
		return !client.IsServerConnected()
	})
	waitUntil(t, time.Second, "disconnect event", func() bool {
		return sink.count(domain.EventServerDisconnected) == 1
	})

	// A fresh ConnectServer replaces the dead session.
	if err := client.ConnectServer(context.Background(), backend.ServerConfig{Host: "sim"}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	devices, err := client.DiscoverDevices(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("DiscoverDevices after reconnect: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices after reconnect = %d, want 1", len(devices))
	}
}
