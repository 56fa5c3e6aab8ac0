package alpaca_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/alpaca"
	"github.com/ElementAstro/lithium-next-sub000/internal/backend"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

type fakeDevice struct {
	Name     string
	Type     string
	Number   int
	UniqueID string

	connected bool
	props     map[string]any
}

type fakeAlpaca struct {
	mu          sync.Mutex
	apiVersions []int
	devices     []*fakeDevice
	errNumber   int
	errMessage  string
	lastForm    url.Values
}

func newFakeAlpaca(devices ...*fakeDevice) *fakeAlpaca {
	for _, d := range devices {
		if d.props == nil {
			d.props = map[string]any{}
		}
		if _, ok := d.props["description"]; !ok {
			d.props["description"] = d.Name + " description"
		}
		if _, ok := d.props["driverversion"]; !ok {
			d.props["driverversion"] = "6.6"
		}
	}
	return &fakeAlpaca{apiVersions: []int{1}, devices: devices}
}

func (f *fakeAlpaca) writeEnvelope(w http.ResponseWriter, value any, errNum int, errMsg string) {
	resp := map[string]any{
		"ClientTransactionID": 0,
		"ServerTransactionID": 1,
		"ErrorNumber":         errNum,
		"ErrorMessage":        errMsg,
	}
	if value != nil {
		resp["Value"] = value
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeAlpaca) find(typ string, num int) *fakeDevice {
	for _, d := range f.devices {
		if strings.EqualFold(d.Type, typ) && d.Number == num {
			return d
		}
	}
	return nil
}

func (f *fakeAlpaca) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/management/apiversions":
		f.writeEnvelope(w, f.apiVersions, 0, "")
		return
	case "/management/v1/configureddevices":
		list := make([]map[string]any, 0, len(f.devices))
		for _, d := range f.devices {
			list = append(list, map[string]any{
				"DeviceName":   d.Name,
				"DeviceType":   d.Type,
				"DeviceNumber": d.Number,
				"UniqueID":     d.UniqueID,
			})
		}
		f.writeEnvelope(w, list, 0, "")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 || parts[0] != "api" || parts[1] != "v1" {
		http.NotFound(w, r)
		return
	}
	num, err := strconv.Atoi(parts[3])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	dev := f.find(parts[2], num)
	if dev == nil {
		http.NotFound(w, r)
		return
	}
	method := parts[4]

	if f.errNumber != 0 {
		f.writeEnvelope(w, nil, f.errNumber, f.errMessage)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if method == "connected" {
			f.writeEnvelope(w, dev.connected, 0, "")
			return
		}
		v, ok := dev.props[method]
		if !ok {
			f.writeEnvelope(w, nil, 0x400, "unknown method "+method)
			return
		}
		f.writeEnvelope(w, v, 0, "")
	case http.MethodPut:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastForm = r.PostForm
		if method == "connected" {
			dev.connected = strings.EqualFold(r.PostForm.Get("Connected"), "true")
			f.writeEnvelope(w, nil, 0, "")
			return
		}
		key := strings.ToUpper(method[:1]) + method[1:]
		raw := r.PostForm.Get(key)
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			dev.props[method] = n
		} else {
			dev.props[method] = raw
		}
		f.writeEnvelope(w, nil, 0, "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type alpacaSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *alpacaSink) callback(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *alpacaSink) count(t domain.EventType) int {
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

func serverConfigFor(t *testing.T, ts *httptest.Server) backend.ServerConfig {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return backend.ServerConfig{Host: u.Hostname(), Port: port}
}

func newAlpacaRig(t *testing.T, fake *fakeAlpaca) (*alpaca.Client, *alpacaSink) {
	t.Helper()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	client := alpaca.NewClient(alpaca.Config{Name: "alpaca", DefaultTimeout: 2 * time.Second}, zerolog.Nop())
	sink := &alpacaSink{}
	client.RegisterEventCallback(sink.callback)
	if err := client.ConnectServer(context.Background(), serverConfigFor(t, ts)); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	t.Cleanup(func() { _ = client.DisconnectServer(context.Background()) })
	return client, sink
}

func TestConnectServerChecksAPIVersion(t *testing.T) {
	fake := newFakeAlpaca()
	fake.apiVersions = []int{2}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	client := alpaca.NewClient(alpaca.Config{}, zerolog.Nop())
	err := client.ConnectServer(context.Background(), serverConfigFor(t, ts))
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("ConnectServer with wrong API version = %v, want ErrBackendUnavailable", err)
	}
	if client.IsServerConnected() {
		t.Fatalf("client claims connected after version rejection")
	}
}

func TestConnectServerUnreachable(t *testing.T) {
	ts := httptest.NewServer(newFakeAlpaca())
	cfg := serverConfigFor(t, ts)
	ts.Close()

	client := alpaca.NewClient(alpaca.Config{DefaultTimeout: time.Second}, zerolog.Nop())
	if err := client.ConnectServer(context.Background(), cfg); !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("ConnectServer against dead server = %v, want ErrBackendUnavailable", err)
	}
}

func TestDiscoverDevices(t *testing.T) {
	fake := newFakeAlpaca(
		&fakeDevice{Name: "ASI2600MM", Type: "Camera", Number: 0, UniqueID: "cam-123"},
		&fakeDevice{Name: "EAF Focuser", Type: "Focuser", Number: 0},
	)
	client, sink := newAlpacaRig(t, fake)

	devices, err := client.DiscoverDevices(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("discovered %d devices, want 2", len(devices))
	}
	// Sorted by device id: "cam-123" < "focuser-0".
	cam, focuser := devices[0], devices[1]
	if cam.DeviceID != "cam-123" {
		t.Fatalf("camera id = %q, want the UniqueID", cam.DeviceID)
	}
	if cam.DeviceType != domain.DeviceTypeCamera || cam.Label != "ASI2600MM" {
		t.Fatalf("camera = %q/%q", cam.DeviceType, cam.Label)
	}
	if cam.Properties["driverversion"] != "6.6" {
		t.Fatalf("camera driverversion = %v", cam.Properties["driverversion"])
	}
	if focuser.DeviceID != "focuser-0" {
		t.Fatalf("focuser id = %q, want type-number fallback", focuser.DeviceID)
	}
	if focuser.DeviceType != domain.DeviceTypeFocuser {
		t.Fatalf("focuser type = %q", focuser.DeviceType)
	}
	if sink.count(domain.EventDeviceAdded) != 2 {
		t.Fatalf("device added events = %d, want 2", sink.count(domain.EventDeviceAdded))
	}

	// Re-discovery of the same roster adds nothing.
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("second DiscoverDevices: %v", err)
	}
	if sink.count(domain.EventDeviceAdded) != 2 {
		t.Fatalf("re-discovery emitted extra added events")
	}
}

func TestConnectDeviceRoundTrip(t *testing.T) {
	fake := newFakeAlpaca(&fakeDevice{Name: "ASI2600MM", Type: "Camera", Number: 0, UniqueID: "cam-123"})
	client, sink := newAlpacaRig(t, fake)
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if err := client.ConnectDevice(context.Background(), "cam-123"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	if v, ok := client.Property("cam-123", "connected"); !ok || v != true {
		t.Fatalf("connected property = %v, %v", v, ok)
	}
	if sink.count(domain.EventConnected) != 1 {
		t.Fatalf("connected events = %d, want 1", sink.count(domain.EventConnected))
	}

	if err := client.DisconnectDevice(context.Background(), "cam-123"); err != nil {
		t.Fatalf("DisconnectDevice: %v", err)
	}
	if v, _ := client.Property("cam-123", "connected"); v != false {
		t.Fatalf("connected after disconnect = %v", v)
	}
	if err := client.ConnectDevice(context.Background(), "ghost"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("ConnectDevice unknown = %v, want ErrDeviceNotFound", err)
	}
}

func TestSetAndRefreshProperty(t *testing.T) {
	fake := newFakeAlpaca(&fakeDevice{Name: "ASI2600MM", Type: "Camera", Number: 0, UniqueID: "cam-123"})
	client, sink := newAlpacaRig(t, fake)
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if err := client.SetProperty(context.Background(), "cam-123", "gain", 139); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	fake.mu.Lock()
	sentGain := fake.lastForm.Get("Gain")
	fake.mu.Unlock()
	if sentGain != "139" {
		t.Fatalf("form Gain = %q, want 139", sentGain)
	}
	if v, ok := client.Property("cam-123", "gain"); !ok || v != float64(139) {
		t.Fatalf("cached gain = %v, %v, want 139", v, ok)
	}
	if sink.count(domain.EventPropertyChanged) != 1 {
		t.Fatalf("property events = %d, want 1", sink.count(domain.EventPropertyChanged))
	}

	// Server-side change is only visible after an explicit refresh.
	fake.mu.Lock()
	fake.devices[0].props["gain"] = float64(200)
	fake.mu.Unlock()
	if v, _ := client.Property("cam-123", "gain"); v != float64(139) {
		t.Fatalf("cache changed without refresh: %v", v)
	}
	v, err := client.RefreshProperty(context.Background(), "cam-123", "gain")
	if err != nil {
		t.Fatalf("RefreshProperty: %v", err)
	}
	if v != float64(200) {
		t.Fatalf("refreshed gain = %v, want 200", v)
	}
	if cached, _ := client.Property("cam-123", "gain"); cached != float64(200) {
		t.Fatalf("cache after refresh = %v, want 200", cached)
	}
}

func TestAlpacaErrorMapping(t *testing.T) {
	fake := newFakeAlpaca(&fakeDevice{Name: "ASI2600MM", Type: "Camera", Number: 0, UniqueID: "cam-123"})
	client, _ := newAlpacaRig(t, fake)
	if _, err := client.DiscoverDevices(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	cases := []struct {
		number int
		want   error
	}{
		{0x407, domain.ErrNotConnected},
		{0x401, domain.ErrInvalidConfig},
		{0x400, domain.ErrOperationFailed},
	}
	for _, tc := range cases {
		fake.mu.Lock()
		fake.errNumber = tc.number
		fake.errMessage = "injected"
		fake.mu.Unlock()
		if _, err := client.RefreshProperty(context.Background(), "cam-123", "gain"); !errors.Is(err, tc.want) {
			t.Fatalf("error number %#x mapped to %v, want %v", tc.number, err, tc.want)
		}
	}
}

func TestDiscoverServers(t *testing.T) {
	responder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen responder: %v", err)
	}
	defer responder.Close()

	go func() {
		buf := make([]byte, 64)
		n, from, err := responder.ReadFrom(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != "alpacadiscovery1" {
			return
		}
		_, _ = responder.WriteTo([]byte(`{"AlpacaPort": 8090}`), from)
	}()

	endpoints, err := alpaca.DiscoverServers(context.Background(), alpaca.DiscoveryConfig{
		Targets: []string{responder.LocalAddr().String()},
		Window:  300 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("DiscoverServers: %v", err)
	}
	if len(endpoints) != 1 {
		t.Fatalf("endpoints = %v, want exactly one", endpoints)
	}
	if endpoints[0] != "127.0.0.1:8090" {
		t.Fatalf("endpoint = %q, want 127.0.0.1:8090", endpoints[0])
	}
}
