package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/retry"
)

type recordedOp struct {
	device  string
	success bool
}

type fakeRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (f *fakeRecorder) RecordOperation(deviceName string, _ time.Duration, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, recordedOp{device: deviceName, success: success})
}

func (f *fakeRecorder) count(success bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if op.success == success {
			n++
		}
	}
	return n
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeBus) Emit(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBus) byType(t domain.EventType) int {
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

func newExecutor(rec *fakeRecorder, bus *fakeBus) *retry.Executor {
	// A nil *fakeBus must reach the executor as a nil interface, not a
	// typed nil, so its bus == nil check still holds.
	var emitter retry.EventEmitter
	if bus != nil {
		emitter = bus
	}
	return retry.New(retry.Config{}, emitter, rec, nil, zerolog.Nop())
}

func TestExecutor_SuccessFirstAttempt(t *testing.T) {
	rec := &fakeRecorder{}
	bus := &fakeBus{}
	e := newExecutor(rec, bus)

	res := e.Execute(context.Background(), "cam", "expose", func(context.Context) (any, error) {
		return 42, nil
	})

	if !res.Success() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Value != 42 {
		t.Errorf("Value = %v, want 42", res.Value)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if rec.count(true) != 1 || rec.count(false) != 0 {
		t.Errorf("recorder saw %d successes / %d failures, want 1/0", rec.count(true), rec.count(false))
	}
	if bus.byType(domain.EventOperationCompleted) != 1 {
		t.Error("expected one completed event")
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	rec := &fakeRecorder{}
	bus := &fakeBus{}
	e := newExecutor(rec, bus)

	policy := domain.RetryPolicy{
		Strategy:     domain.RetryExponential,
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	res := e.ExecuteWithPolicy(context.Background(), "cam", "expose", policy, time.Second,
		func(context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})

	if !res.Success() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if rec.count(false) != 2 || rec.count(true) != 1 {
		t.Errorf("recorder saw %d failures / %d successes, want 2/1", rec.count(false), rec.count(true))
	}
	if bus.byType(domain.EventOperationFailed) != 2 {
		t.Errorf("failed events = %d, want 2", bus.byType(domain.EventOperationFailed))
	}
	if bus.byType(domain.EventOperationStarted) != 1 {
		t.Errorf("started events = %d, want 1", bus.byType(domain.EventOperationStarted))
	}
}

func TestExecutor_ExponentialBackoffTiming(t *testing.T) {
	// Two failures with initial delay 100ms and multiplier 2 sleep
	// 100ms + 200ms = 300ms before the third attempt succeeds.
	e := newExecutor(&fakeRecorder{}, nil)
	policy := domain.RetryPolicy{
		Strategy:     domain.RetryExponential,
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	start := time.Now()
	res := e.ExecuteWithPolicy(context.Background(), "mount", "slew", policy, time.Second,
		func(context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})
	elapsed := time.Since(start)

	if !res.Success() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("elapsed %v, want >= 300ms of backoff", elapsed)
	}
	if elapsed > 700*time.Millisecond {
		t.Errorf("elapsed %v, want < 700ms", elapsed)
	}
}

func TestExecutor_ExhaustsRetries(t *testing.T) {
	e := newExecutor(&fakeRecorder{}, nil)
	policy := domain.RetryPolicy{
		Strategy:     domain.RetryLinear,
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
	}

	boom := errors.New("boom")
	res := e.ExecuteWithPolicy(context.Background(), "cam", "expose", policy, time.Second,
		func(context.Context) (any, error) { return nil, boom })

	if res.Success() {
		t.Fatal("expected failure")
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (initial + 2 retries)", res.Attempts)
	}
	if !errors.Is(res.Err, domain.ErrMaxRetriesExceeded) {
		t.Errorf("error should wrap ErrMaxRetriesExceeded, got %v", res.Err)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("error should wrap the last failure, got %v", res.Err)
	}
}

func TestExecutor_FatalStopsImmediately(t *testing.T) {
	rec := &fakeRecorder{}
	e := newExecutor(rec, nil)
	policy := domain.RetryPolicy{
		Strategy:     domain.RetryLinear,
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
	}

	fatal := errors.New("unsupported operation")
	res := e.ExecuteWithPolicy(context.Background(), "cam", "expose", policy, time.Second,
		func(context.Context) (any, error) { return nil, retry.Fatal(fatal) })

	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if !errors.Is(res.Err, fatal) {
		t.Errorf("error should wrap the fatal cause, got %v", res.Err)
	}
	if rec.count(false) != 1 {
		t.Errorf("recorder saw %d failures, want 1", rec.count(false))
	}
}

func TestExecutor_CancelDuringBackoff(t *testing.T) {
	e := newExecutor(&fakeRecorder{}, nil)
	policy := domain.RetryPolicy{
		Strategy:     domain.RetryLinear,
		MaxRetries:   5,
		InitialDelay: 10 * time.Second, // cancellation must cut this short
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := e.ExecuteWithPolicy(ctx, "cam", "expose", policy, time.Second,
		func(context.Context) (any, error) { return nil, errors.New("transient") })

	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
	if !errors.Is(res.Err, domain.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestExecutor_AttemptTimeoutIsRetryable(t *testing.T) {
	e := newExecutor(&fakeRecorder{}, nil)
	policy := domain.RetryPolicy{
		Strategy:     domain.RetryLinear,
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
	}

	res := e.ExecuteWithPolicy(context.Background(), "cam", "expose", policy, 20*time.Millisecond,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	if res.Success() {
		t.Fatal("expected failure")
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (timeout retried once)", res.Attempts)
	}
	if !errors.Is(res.Err, domain.ErrTimeout) {
		t.Errorf("error should wrap ErrTimeout, got %v", res.Err)
	}
}

func TestExecutor_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	e := retry.New(retry.Config{BreakerEnabled: true}, nil, nil, nil, zerolog.Nop())
	policy := domain.RetryPolicy{Strategy: domain.RetryNone}

	// Ten straight failures trip the breaker.
	for i := 0; i < 10; i++ {
		res := e.ExecuteWithPolicy(context.Background(), "flaky", "op", policy, time.Second,
			func(context.Context) (any, error) { return nil, errors.New("down") })
		if errors.Is(res.Err, domain.ErrCircuitBreakerOpen) {
			t.Fatalf("breaker opened early at request %d", i+1)
		}
	}

	res := e.ExecuteWithPolicy(context.Background(), "flaky", "op", policy, time.Second,
		func(context.Context) (any, error) { return nil, errors.New("down") })
	if !errors.Is(res.Err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("error = %v, want ErrCircuitBreakerOpen", res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (fail fast)", res.Attempts)
	}

	// Other devices are unaffected.
	ok := e.ExecuteWithPolicy(context.Background(), "healthy", "op", policy, time.Second,
		func(context.Context) (any, error) { return nil, nil })
	if !ok.Success() {
		t.Errorf("healthy device failed: %v", ok.Err)
	}
}
