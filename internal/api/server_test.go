package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/api"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/manager"
	"github.com/ElementAstro/lithium-next-sub000/internal/monitor"
	"github.com/ElementAstro/lithium-next-sub000/internal/scheduler"
)

func testManagerConfig() manager.Config {
	cfg := manager.DefaultConfig()
	cfg.Scheduler.SchedulingInterval = 10 * time.Millisecond
	cfg.Cache.DefaultTTL = time.Minute
	cfg.MaintenanceInterval = time.Hour
	cfg.Monitor.DefaultThresholds = monitor.Thresholds{CriticalErrorRate: 0.5}
	return cfg
}

type fixture struct {
	mgr *manager.Manager
	ts  *httptest.Server
	key string
}

func newFixture(t *testing.T, apiCfg config.APIConfig) *fixture {
	t.Helper()
	mgr := manager.New(testManagerConfig(), zerolog.Nop())
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := api.NewServer(mgr, nil, apiCfg, zerolog.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return &fixture{mgr: mgr, ts: ts, key: apiCfg.APIKey}
}

// do issues a request against the test server, attaching the API key
// when the fixture carries one.
func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if f.key != "" {
		req.Header.Set("X-API-Key", f.key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

func addCamera(t *testing.T, f *fixture, name string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/devices", map[string]any{
		"name": name,
		"type": "camera",
	})
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

func TestAPIKeyGuardsMutatingRoutes(t *testing.T) {
	f := newFixture(t, config.APIConfig{AuthEnabled: true, APIKey: "secret"})

	// No key.
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/devices", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	// Header key.
	resp = f.do(t, http.MethodGet, "/api/devices", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Query key, for clients that cannot set headers.
	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/api/devices?api_key=secret", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Read-only routes stay open.
	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/api/backends", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestDeviceCRUDOverHTTP(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp := f.do(t, http.MethodPost, "/api/devices", map[string]any{
		"name": "cam",
		"type": "camera",
	})
	wantStatus(t, resp, http.StatusCreated)
	var created struct {
		Added []string `json:"added"`
	}
	decode(t, resp, &created)
	if len(created.Added) != 1 || created.Added[0] != "cam" {
		t.Fatalf("added = %v, want [cam]", created.Added)
	}

	// Duplicate name conflicts.
	resp = f.do(t, http.MethodPost, "/api/devices", map[string]any{"name": "cam", "type": "camera"})
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices", nil)
	wantStatus(t, resp, http.StatusOK)
	var all []domain.DeviceInfo
	decode(t, resp, &all)
	if len(all) != 1 || all[0].Name != "cam" {
		t.Fatalf("devices = %+v, want one cam", all)
	}

	resp = f.do(t, http.MethodPost, "/api/devices/connect?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	var info domain.DeviceInfo
	decode(t, resp, &info)
	if !info.State.IsConnected {
		t.Fatalf("device should report connected after connect")
	}

	meta := info.Metadata
	meta.DisplayName = "Main Imaging Camera"
	resp = f.do(t, http.MethodPut, "/api/devices", map[string]any{"name": "cam", "metadata": meta})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices?name=cam", nil)
	decode(t, resp, &info)
	if info.Metadata.DisplayName != "Main Imaging Camera" {
		t.Fatalf("DisplayName = %q after metadata update", info.Metadata.DisplayName)
	}

	resp = f.do(t, http.MethodDelete, "/api/devices?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices?name=cam", nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPropertyEndpoints(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")

	resp := f.do(t, http.MethodGet, "/api/devices/properties?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	var listing struct {
		Device     string   `json:"device"`
		Properties []string `json:"properties"`
	}
	decode(t, resp, &listing)
	found := false
	for _, p := range listing.Properties {
		if p == "gain" {
			found = true
		}
	}
	if !found {
		t.Fatalf("property list %v missing gain", listing.Properties)
	}

	resp = f.do(t, http.MethodGet, "/api/devices/properties?name=cam&property=gain", nil)
	wantStatus(t, resp, http.StatusOK)
	var read struct {
		Value any `json:"value"`
	}
	decode(t, resp, &read)
	if read.Value != float64(100) {
		t.Fatalf("gain = %v, want 100", read.Value)
	}

	resp = f.do(t, http.MethodPut, "/api/devices/properties?name=cam&property=gain", map[string]any{"value": 250})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// The write invalidates the cached read.
	resp = f.do(t, http.MethodGet, "/api/devices/properties?name=cam&property=gain", nil)
	decode(t, resp, &read)
	if read.Value != float64(250) {
		t.Fatalf("gain after set = %v, want 250", read.Value)
	}

	resp = f.do(t, http.MethodGet, "/api/devices/properties?name=cam&property=nope", nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestBatchConnectDisconnect(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")
	resp := f.do(t, http.MethodPost, "/api/devices", map[string]any{
		"name": "mount", "type": "telescope", "autoConnect": true,
	})
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/devices/connect", map[string]any{"names": []string{"cam", "mount"}})
	wantStatus(t, resp, http.StatusOK)
	var results []struct {
		Name  string `json:"name"`
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	decode(t, resp, &results)
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2 entries", results)
	}
	for _, res := range results {
		if !res.OK {
			t.Fatalf("connect %s failed: %s", res.Name, res.Error)
		}
	}

	resp = f.do(t, http.MethodPost, "/api/devices/disconnect", map[string]any{"names": []string{"cam", "mount"}})
	wantStatus(t, resp, http.StatusOK)
	decode(t, resp, &results)
	for _, res := range results {
		if !res.OK {
			t.Fatalf("disconnect %s failed: %s", res.Name, res.Error)
		}
	}
}

func TestTaskSubmissionOverHTTP(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")
	resp := f.do(t, http.MethodPost, "/api/devices/connect?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":      "port sweep",
		"device":    "cam",
		"operation": "scan",
		"priority":  "high",
	})
	wantStatus(t, resp, http.StatusAccepted)
	var submitted struct {
		ID string `json:"id"`
	}
	decode(t, resp, &submitted)
	if submitted.ID == "" {
		t.Fatalf("task submission returned no id")
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap scheduler.TaskSnapshot
	for {
		resp = f.do(t, http.MethodGet, "/api/tasks?id="+submitted.ID, nil)
		wantStatus(t, resp, http.StatusOK)
		decode(t, resp, &snap)
		if snap.State.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in state %v", snap.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap.State != domain.TaskCompleted {
		t.Fatalf("task state = %v, want completed", snap.State)
	}

	resp = f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name": "bad", "device": "cam", "operation": "levitate",
	})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/tasks?id=ghost", nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAlertEndpoints(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")

	// One failed operation on a fresh device crosses the error rate
	// threshold immediately.
	f.mgr.Monitor().RecordOperation("cam", 50*time.Millisecond, false)

	resp := f.do(t, http.MethodGet, "/api/alerts", nil)
	wantStatus(t, resp, http.StatusOK)
	var alerts []monitor.Alert
	decode(t, resp, &alerts)
	if len(alerts) == 0 {
		t.Fatalf("expected an active alert after a failed operation")
	}

	resp = f.do(t, http.MethodPost, "/api/alerts/ack", map[string]any{"id": alerts[0].ID})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/alerts/ack", map[string]any{"id": 99999})
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/alerts?device=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	var cleared struct {
		Cleared int `json:"cleared"`
	}
	decode(t, resp, &cleared)
	if cleared.Cleared == 0 {
		t.Fatalf("clear removed no alerts")
	}

	resp = f.do(t, http.MethodGet, "/api/alerts", nil)
	decode(t, resp, &alerts)
	if len(alerts) != 0 {
		t.Fatalf("alerts after clear = %+v", alerts)
	}
}

func TestConfigSnapshotRoundTripOverHTTP(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")

	resp := f.do(t, http.MethodGet, "/api/config/export", nil)
	wantStatus(t, resp, http.StatusOK)
	exported, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read export: %v", err)
	}

	resp = f.do(t, http.MethodDelete, "/api/devices?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/config/import", bytes.NewReader(exported))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")

	resp := f.do(t, http.MethodGet, "/api/system/performance", nil)
	wantStatus(t, resp, http.StatusOK)
	var perf monitor.SystemPerformance
	decode(t, resp, &perf)
	if perf.TotalDevices != 1 {
		t.Fatalf("TotalDevices = %d, want 1", perf.TotalDevices)
	}

	resp = f.do(t, http.MethodGet, "/api/system/stats", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices/metrics?name=cam", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices/metrics?name=ghost", nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp := f.do(t, http.MethodDelete, "/api/devices/connect", nil)
	wantStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()

	resp = f.do(t, http.MethodPut, "/api/system/stats", nil)
	wantStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()
}

func TestRecentEventsEndpoint(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	addCamera(t, f, "cam")

	resp := f.do(t, http.MethodGet, "/api/events/recent?max=10", nil)
	wantStatus(t, resp, http.StatusOK)
	var events []domain.Event
	decode(t, resp, &events)
	if len(events) == 0 {
		t.Fatalf("expected events after device creation")
	}

	resp = f.do(t, http.MethodGet, "/api/events/recent?max=bogus", nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestEventStreamDeliversDeviceEvents(t *testing.T) {
	f := newFixture(t, config.APIConfig{AuthEnabled: true, APIKey: "stream-key"})

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events/stream?category=device"

	// Unauthorized dial fails the handshake.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial without key should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}

	header := http.Header{"X-API-Key": []string{"stream-key"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	addCamera(t, f, "cam")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev domain.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type.Category() != domain.CategoryDevice {
		t.Fatalf("event category = %v, want device", ev.Type.Category())
	}
	if ev.DeviceName != "cam" {
		t.Fatalf("event device = %q, want cam", ev.DeviceName)
	}
}
