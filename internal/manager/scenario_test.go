package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/eventbus"
	"github.com/ElementAstro/lithium-next-sub000/internal/monitor"
	"github.com/ElementAstro/lithium-next-sub000/internal/scheduler"
)

// End-to-end flows through the assembled runtime.

func TestPrimaryElectionFollowsRemoval(t *testing.T) {
	m := startManager(t, testConfig())
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("C1", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice(C1): %v", err)
	}
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("C2", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice(C2): %v", err)
	}

	primary, err := m.PrimaryDevice(domain.DeviceTypeCamera)
	if err != nil {
		t.Fatalf("PrimaryDevice: %v", err)
	}
	if primary.Name != "C1" {
		t.Fatalf("first registered device should be primary, got %q", primary.Name)
	}

	if err := m.RemoveDevice("C1"); err != nil {
		t.Fatalf("RemoveDevice(C1): %v", err)
	}
	primary, err = m.PrimaryDevice(domain.DeviceTypeCamera)
	if err != nil {
		t.Fatalf("PrimaryDevice after removal: %v", err)
	}
	if primary.Name != "C2" {
		t.Fatalf("primary after removing C1 = %q, want C2", primary.Name)
	}

	if err := m.RemoveDevice("C2"); err != nil {
		t.Fatalf("RemoveDevice(C2): %v", err)
	}
	if _, err := m.PrimaryDevice(domain.DeviceTypeCamera); !errors.Is(err, domain.ErrTypeNotFound) {
		t.Fatalf("PrimaryDevice with no cameras = %v, want ErrTypeNotFound", err)
	}
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	m := startManager(t, testConfig())
	drv := newMgrDriver("flaky-cam", domain.DeviceTypeCamera)
	drv.failConnects = 2
	if err := m.AddDevice(domain.DeviceTypeCamera, drv, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := m.SetRetryPolicy("flaky-cam", domain.RetryPolicy{
		Strategy:     domain.RetryExponential,
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}); err != nil {
		t.Fatalf("SetRetryPolicy: %v", err)
	}

	start := time.Now()
	if err := m.ConnectDevice(context.Background(), "flaky-cam"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	elapsed := time.Since(start)

	// Two failures back off 100ms then 200ms before the third attempt
	// succeeds.
	if elapsed < 300*time.Millisecond || elapsed > 700*time.Millisecond {
		t.Fatalf("connect took %v, want backoff around 300ms", elapsed)
	}
	if got := drv.calls(); got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}

	stats := m.Stats().Registry
	if stats.TotalConnections != 1 || stats.SuccessfulConnections != 1 || stats.FailedConnections != 0 {
		t.Fatalf("connection stats = %+v", stats)
	}
	if stats.TotalRetries != 2 {
		t.Fatalf("retries = %d, want 2", stats.TotalRetries)
	}
}

func TestAdaptiveSchedulingOrdersByUrgency(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Policy = scheduler.PolicyAdaptive
	cfg.Scheduler.MaxConcurrentTasks = 1
	cfg.Scheduler.Workers = 1
	cfg.Scheduler.DeadlineAware = true
	m := startManager(t, cfg)
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) domain.TaskFunc {
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	m.PauseScheduling()
	now := time.Now()
	submit := func(name string, prio domain.TaskPriority, deadline time.Time) *scheduler.TaskHandle {
		h, err := m.Submit(&domain.Task{
			Name:              name,
			DeviceName:        "cam",
			Priority:          prio,
			Deadline:          deadline,
			EstimatedDuration: time.Second,
			Func:              record(name),
		})
		if err != nil {
			t.Fatalf("Submit(%s): %v", name, err)
		}
		return h
	}
	handles := []*scheduler.TaskHandle{
		submit("expose-a", domain.PriorityNormal, now.Add(10*time.Second)),
		submit("expose-b", domain.PriorityNormal, now.Add(2*time.Second)),
		submit("safety-stow", domain.PriorityCritical, now.Add(30*time.Second)),
	}
	m.ResumeScheduling()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range handles {
		res, err := h.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait(%s): %v", h.ID(), err)
		}
		if res.State != domain.TaskCompleted {
			t.Fatalf("task %s finished %v: %v", h.ID(), res.State, res.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"safety-stow", "expose-b", "expose-a"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestHardDependencyOnCancelledTask(t *testing.T) {
	m := startManager(t, testConfig())
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	var (
		mu     sync.Mutex
		failed []domain.Event
	)
	m.Bus().SubscribeFiltered(func(ev domain.Event) {
		mu.Lock()
		failed = append(failed, ev)
		mu.Unlock()
	}, eventbus.Filter{Types: []domain.EventType{domain.EventOperationFailed}})

	m.PauseScheduling()
	a, err := m.Submit(&domain.Task{
		Name:       "calibrate",
		DeviceName: "cam",
		Priority:   domain.PriorityNormal,
		Func: func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit(A): %v", err)
	}
	if err := m.CancelTask(a.ID(), "user abort"); err != nil {
		t.Fatalf("CancelTask(A): %v", err)
	}

	b, err := m.Submit(&domain.Task{
		Name:         "expose",
		DeviceName:   "cam",
		Priority:     domain.PriorityNormal,
		Dependencies: []domain.Dependency{{TaskID: a.ID(), Kind: domain.DependencyHard}},
		Func: func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit(B): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := b.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(B): %v", err)
	}
	if res.State != domain.TaskCancelled {
		t.Fatalf("B finished %v, want cancelled", res.State)
	}
	if !errors.Is(res.Err, domain.ErrDependencyFailed) {
		t.Fatalf("B error = %v, want ErrDependencyFailed", res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range failed {
		if ev.Data != nil && ev.Data["task"] == b.ID() {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no failure event for B among %d events", len(failed))
	}
}

func TestPoolExhaustionAndRelease(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxPerDevice = 2
	m := startManager(t, cfg)
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	ctx := context.Background()
	if err := m.ConnectDevice(ctx, "cam"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}

	c1, err := m.AcquireConnection(ctx, "cam", time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.AcquireConnection(ctx, "cam", time.Second); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	start := time.Now()
	_, err = m.AcquireConnection(ctx, "cam", 100*time.Millisecond)
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("third acquire = %v, want ErrPoolExhausted", err)
	}
	if waited := time.Since(start); waited < 90*time.Millisecond {
		t.Fatalf("third acquire gave up after %v, should wait out its timeout", waited)
	}

	if !m.ReleaseConnection(c1) {
		t.Fatalf("release of %s failed", c1)
	}
	start = time.Now()
	if _, err := m.AcquireConnection(ctx, "cam", time.Second); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("acquire after release took %v, want immediate", waited)
	}
}

func TestAlertCooldownSuppressesRepeats(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.AlertCooldown = time.Second
	m := startManager(t, cfg)
	if err := m.AddDevice(domain.DeviceTypeCamera, newMgrDriver("cam", domain.DeviceTypeCamera), nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	var (
		mu     sync.Mutex
		alerts []monitor.Alert
	)
	mon := m.Monitor()
	mon.OnAlert(func(a monitor.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})
	mon.SetThresholds("cam", monitor.Thresholds{CriticalErrorRate: 0.5})

	for i := 0; i < 5; i++ {
		mon.RecordOperation("cam", 10*time.Millisecond, false)
	}
	for i := 0; i < 5; i++ {
		mon.RecordOperation("cam", 10*time.Millisecond, true)
	}

	mon.CheckNow()
	mu.Lock()
	if len(alerts) != 1 {
		mu.Unlock()
		t.Fatalf("alerts after first check = %d, want 1", len(alerts))
	}
	got := alerts[0]
	mu.Unlock()
	if got.DeviceName != "cam" || got.Level != monitor.AlertCritical || got.MetricName != "error_rate" {
		t.Fatalf("alert = %+v, want critical error_rate on cam", got)
	}

	// A second check inside the cooldown stays quiet.
	mon.CheckNow()
	mu.Lock()
	n := len(alerts)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("alerts after second check = %d, want still 1", n)
	}
}
