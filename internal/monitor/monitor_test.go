package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/monitor"
)

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeBus) Emit(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBus) countType(t domain.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func collectAlerts(m *monitor.Monitor) *[]monitor.Alert {
	var mu sync.Mutex
	alerts := &[]monitor.Alert{}
	m.OnAlert(func(a monitor.Alert) {
		mu.Lock()
		*alerts = append(*alerts, a)
		mu.Unlock()
	})
	return alerts
}

func TestMonitor_ResponseTimeEMA(t *testing.T) {
	m := monitor.New(monitor.Config{}, nil, nil, nil, zerolog.Nop())

	m.RecordOperation("cam", 100*time.Millisecond, true)
	dm, ok := m.Metrics("cam")
	if !ok {
		t.Fatal("device should be tracked after first record")
	}
	if dm.ResponseTime != 100*time.Millisecond {
		t.Errorf("first sample ResponseTime = %v, want 100ms", dm.ResponseTime)
	}

	m.RecordOperation("cam", 200*time.Millisecond, true)
	dm, _ = m.Metrics("cam")
	// 0.1*200ms + 0.9*100ms = 110ms
	want := 110 * time.Millisecond
	if diff := dm.ResponseTime - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("EMA ResponseTime = %v, want ~%v", dm.ResponseTime, want)
	}
}

func TestMonitor_HealthScoreRules(t *testing.T) {
	m := monitor.New(monitor.Config{}, nil, nil, nil, zerolog.Nop())

	m.Track("cam")
	if got := m.HealthScore("cam"); got != 1.0 {
		t.Fatalf("initial HealthScore = %v, want 1.0", got)
	}

	// Three straight failures: 1.0 - 0.1 - 0.2 - 0.3 = 0.4.
	for i := 0; i < 3; i++ {
		m.RecordOperation("cam", 10*time.Millisecond, false)
	}
	if got := m.HealthScore("cam"); got < 0.39 || got > 0.41 {
		t.Errorf("HealthScore after 3 failures = %v, want 0.4", got)
	}
	if m.IsHealthy("cam") {
		t.Error("device at 0.4 should be below the 0.5 default threshold")
	}

	// Recovery: one success resets the streak and adds 0.1.
	m.RecordOperation("cam", 10*time.Millisecond, true)
	if got := m.HealthScore("cam"); got < 0.49 || got > 0.51 {
		t.Errorf("HealthScore after recovery = %v, want 0.5", got)
	}
	if !m.IsHealthy("cam") {
		t.Error("threshold is inclusive")
	}

	dm, _ := m.Metrics("cam")
	if dm.ErrorRate != 0.75 {
		t.Errorf("ErrorRate = %v, want 0.75", dm.ErrorRate)
	}
}

func TestMonitor_HealthBoundaryCrossAlerts(t *testing.T) {
	bus := &fakeBus{}
	m := monitor.New(monitor.Config{AlertCooldown: 5 * time.Millisecond}, bus, nil, nil, zerolog.Nop())
	alerts := collectAlerts(m)

	// Three straight failures cross 0.5 downward (1.0 - 0.1 - 0.2 - 0.3).
	for i := 0; i < 3; i++ {
		m.RecordOperation("cam", time.Millisecond, false)
	}
	if len(*alerts) != 1 {
		t.Fatalf("alerts after downward cross = %d, want 1", len(*alerts))
	}
	got := (*alerts)[0]
	if got.MetricName != "health_score" || got.Level != monitor.AlertError {
		t.Fatalf("alert = %+v, want error-level health_score", got)
	}

	time.Sleep(10 * time.Millisecond)

	// One success resets the streak: 0.4 + 0.1 = 0.5, inclusive recovery.
	m.RecordOperation("cam", time.Millisecond, true)
	if len(*alerts) != 2 {
		t.Fatalf("alerts after recovery = %d, want 2", len(*alerts))
	}
	if (*alerts)[1].Level != monitor.AlertInfo {
		t.Errorf("recovery level = %v, want info", (*alerts)[1].Level)
	}
	if n := bus.countType(domain.EventHealthChanged); n != 2 {
		t.Errorf("health events = %d, want 2", n)
	}

	// A cross inside the cooldown flips state silently.
	m.RecordOperation("cam", time.Millisecond, false)
	if len(*alerts) != 2 {
		t.Fatalf("alerts after suppressed cross = %d, want still 2", len(*alerts))
	}
}

func TestMonitor_CriticalAlertOnceWithCooldown(t *testing.T) {
	bus := &fakeBus{}
	m := monitor.New(monitor.Config{
		AlertCooldown: time.Second,
		DefaultThresholds: monitor.Thresholds{
			CriticalErrorRate: 0.5,
		},
	}, bus, nil, nil, zerolog.Nop())
	alerts := collectAlerts(m)

	for i := 0; i < 5; i++ {
		m.RecordOperation("d", 10*time.Millisecond, false)
	}
	for i := 0; i < 5; i++ {
		m.RecordOperation("d", 10*time.Millisecond, true)
	}

	critical := 0
	for _, a := range *alerts {
		if a.Level == monitor.AlertCritical {
			critical++
		}
	}
	if critical != 1 {
		t.Errorf("Critical alerts = %d, want exactly 1 within cooldown", critical)
	}
	if got := bus.countType(domain.EventHealthChanged); got != 1 {
		t.Errorf("health events = %d, want 1", got)
	}
}

func TestMonitor_AlertRefiresAfterCooldown(t *testing.T) {
	m := monitor.New(monitor.Config{
		AlertCooldown: 40 * time.Millisecond,
		DefaultThresholds: monitor.Thresholds{
			CriticalErrorRate: 0.5,
		},
	}, nil, nil, nil, zerolog.Nop())
	alerts := collectAlerts(m)

	m.RecordOperation("d", time.Millisecond, false)
	time.Sleep(60 * time.Millisecond)
	m.RecordOperation("d", time.Millisecond, false)

	if len(*alerts) != 2 {
		t.Errorf("alerts = %d, want 2 across cooldown windows", len(*alerts))
	}
}

func TestMonitor_PerDeviceThresholdsOverride(t *testing.T) {
	m := monitor.New(monitor.Config{
		DefaultThresholds: monitor.Thresholds{}, // no default checks
	}, nil, nil, nil, zerolog.Nop())
	alerts := collectAlerts(m)

	m.SetThresholds("strict", monitor.Thresholds{CriticalErrorRate: 0.5})

	m.RecordOperation("strict", time.Millisecond, false)
	m.RecordOperation("lax", time.Millisecond, false)

	if len(*alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 (only the strict device)", len(*alerts))
	}
	if (*alerts)[0].DeviceName != "strict" {
		t.Errorf("alert device = %q, want strict", (*alerts)[0].DeviceName)
	}
}

func TestMonitor_QueueDepthAlert(t *testing.T) {
	m := monitor.New(monitor.Config{
		DefaultThresholds: monitor.Thresholds{MaxQueueDepth: 10},
	}, nil, nil, nil, zerolog.Nop())
	alerts := collectAlerts(m)

	m.UpdateResourceUsage("cam", 0.1, 0.1, 12)

	if len(*alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(*alerts))
	}
	if (*alerts)[0].MetricName != "queue_depth" {
		t.Errorf("metric = %q, want queue_depth", (*alerts)[0].MetricName)
	}
}

func TestMonitor_HistoryBounded(t *testing.T) {
	m := monitor.New(monitor.Config{MaxHistory: 3}, nil, nil, nil, zerolog.Nop())
	m.Track("cam")

	for i := 0; i < 5; i++ {
		m.RecordOperation("cam", time.Duration(i+1)*time.Millisecond, true)
		m.CheckNow()
	}

	history := m.History("cam", 0)
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3 (bounded)", len(history))
	}
	// Oldest samples were discarded: the remaining ones carry the
	// latest operation counts.
	if history[len(history)-1].TotalOperations != 5 {
		t.Errorf("newest sample TotalOperations = %d, want 5", history[len(history)-1].TotalOperations)
	}
}

func TestMonitor_PredictResponseTime(t *testing.T) {
	m := monitor.New(monitor.Config{}, nil, nil, nil, zerolog.Nop())
	m.Track("cam")

	if _, ok := m.PredictResponseTime("cam", time.Minute); ok {
		t.Error("prediction with <2 samples should report no trend")
	}

	for i := 1; i <= 5; i++ {
		m.RecordOperation("cam", time.Duration(i*100)*time.Millisecond, true)
		m.CheckNow()
		time.Sleep(2 * time.Millisecond)
	}

	predicted, ok := m.PredictResponseTime("cam", time.Second)
	if !ok {
		t.Fatal("expected a prediction with 5 samples")
	}
	if predicted <= 0 {
		t.Errorf("predicted = %v, want positive extrapolation of a rising trend", predicted)
	}
}

func TestMonitor_OptimizationSuggestions(t *testing.T) {
	m := monitor.New(monitor.Config{}, nil, nil, nil, zerolog.Nop())

	m.Track("good")
	m.RecordOperation("good", time.Millisecond, true)
	if got := m.OptimizationSuggestions("good"); len(got) != 0 {
		t.Errorf("healthy device suggestions = %v, want none", got)
	}

	for i := 0; i < 4; i++ {
		m.RecordOperation("bad", time.Millisecond, false)
	}
	if got := m.OptimizationSuggestions("bad"); len(got) == 0 {
		t.Error("failing device should yield suggestions")
	}
}

func TestMonitor_UntrackRemovesDevice(t *testing.T) {
	m := monitor.New(monitor.Config{}, nil, nil, nil, zerolog.Nop())
	m.RecordOperation("cam", time.Millisecond, true)
	m.Untrack("cam")

	if _, ok := m.Metrics("cam"); ok {
		t.Error("untracked device should not report metrics")
	}
	if m.History("cam", 0) != nil {
		t.Error("untracked device should have no history")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	m := monitor.New(monitor.Config{MonitoringInterval: 10 * time.Millisecond}, nil, nil, nil, zerolog.Nop())
	m.Track("cam")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(35 * time.Millisecond)
	m.Stop()

	if len(m.History("cam", 0)) == 0 {
		t.Error("sampling loop should have recorded history")
	}
}
