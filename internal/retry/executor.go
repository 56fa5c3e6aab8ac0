// Package retry executes device operations under a retry policy with
// per-attempt timeouts, cooperative cancellation, and per-device
// circuit breaking.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// Operation is a single attempt against a device.
type Operation func(ctx context.Context) (any, error)

// OperationRecorder receives the outcome of every attempt. The health
// monitor implements it.
type OperationRecorder interface {
	RecordOperation(deviceName string, duration time.Duration, success bool)
}

// EventEmitter publishes lifecycle events. The event bus implements it.
type EventEmitter interface {
	Emit(domain.Event)
}

// Config tunes the executor.
type Config struct {
	// DefaultPolicy applies when the caller passes a zero policy.
	DefaultPolicy domain.RetryPolicy
	// AttemptTimeout bounds each attempt when the caller passes none.
	AttemptTimeout time.Duration
	// BreakerEnabled turns on per-device circuit breaking.
	BreakerEnabled bool
}

// Result is the terminal outcome of an Execute call.
type Result struct {
	Value    any
	Err      error
	Attempts int
	Duration time.Duration
}

// Success reports whether the operation eventually succeeded.
func (r Result) Success() bool { return r.Err == nil }

type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks an error as non-retryable. The executor stops
// immediately and reports the wrapped error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Executor runs operations with retries. Safe for concurrent use.
type Executor struct {
	cfg     Config
	logger  zerolog.Logger
	bus     EventEmitter
	rec     OperationRecorder
	metrics *metrics.Registry

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates an executor. bus, rec, and metricsReg may be nil.
func New(cfg Config, bus EventEmitter, rec OperationRecorder, metricsReg *metrics.Registry, logger zerolog.Logger) *Executor {
	if cfg.DefaultPolicy.Strategy == domain.RetryNone && cfg.DefaultPolicy.MaxRetries == 0 {
		cfg.DefaultPolicy = domain.DefaultRetryPolicy()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Executor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "retry").Logger(),
		bus:      bus,
		rec:      rec,
		metrics:  metricsReg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs op for deviceName under the default policy and timeout.
func (e *Executor) Execute(ctx context.Context, deviceName, opName string, op Operation) Result {
	return e.ExecuteWithPolicy(ctx, deviceName, opName, e.cfg.DefaultPolicy, e.cfg.AttemptTimeout, op)
}

// ExecuteWithPolicy runs op under an explicit policy. Each attempt is
// bounded by timeout; a timed-out attempt counts as a retryable
// failure. Cancellation of ctx is checked before every attempt and
// during backoff sleeps. Every attempt feeds the operation recorder.
func (e *Executor) ExecuteWithPolicy(ctx context.Context, deviceName, opName string, policy domain.RetryPolicy, timeout time.Duration, op Operation) Result {
	if timeout <= 0 {
		timeout = e.cfg.AttemptTimeout
	}
	start := time.Now()
	e.emit(domain.EventOperationStarted, deviceName, opName, nil)

	var lastErr error
	attempts := 0

	for attempts <= policy.MaxRetries {
		if err := ctx.Err(); err != nil {
			return e.finish(deviceName, opName, Result{
				Err:      fmt.Errorf("%w: %v", domain.ErrCancelled, err),
				Attempts: attempts,
				Duration: time.Since(start),
			})
		}

		value, err := e.attempt(ctx, deviceName, timeout, op)
		attempts++

		if err == nil {
			e.emit(domain.EventOperationCompleted, deviceName, opName, map[string]any{
				"attempts":   attempts,
				"durationMs": time.Since(start).Milliseconds(),
			})
			return Result{Value: value, Attempts: attempts, Duration: time.Since(start)}
		}
		lastErr = err

		e.emit(domain.EventOperationFailed, deviceName, opName, map[string]any{
			"attempt": attempts,
			"error":   err.Error(),
		})

		if IsFatal(err) || errors.Is(err, domain.ErrCircuitBreakerOpen) {
			return e.finish(deviceName, opName, Result{
				Err:      err,
				Attempts: attempts,
				Duration: time.Since(start),
			})
		}
		if ctx.Err() != nil {
			return e.finish(deviceName, opName, Result{
				Err:      fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err()),
				Attempts: attempts,
				Duration: time.Since(start),
			})
		}

		// attempts now equals the 1-based ordinal of the next retry.
		if attempts > policy.MaxRetries {
			break
		}
		if e.metrics != nil {
			e.metrics.RecordRetry(deviceName)
		}
		e.logger.Debug().
			Str("device", deviceName).
			Str("operation", opName).
			Int("attempt", attempts).
			Dur("delay", policy.Delay(attempts)).
			Err(err).
			Msg("Retrying operation")

		if err := sleepCtx(ctx, policy.Delay(attempts)); err != nil {
			return e.finish(deviceName, opName, Result{
				Err:      fmt.Errorf("%w: %v", domain.ErrCancelled, err),
				Attempts: attempts,
				Duration: time.Since(start),
			})
		}
	}

	return e.finish(deviceName, opName, Result{
		Err:      fmt.Errorf("%w: %d attempts: %w", domain.ErrMaxRetriesExceeded, attempts, lastErr),
		Attempts: attempts,
		Duration: time.Since(start),
	})
}

// attempt runs one bounded attempt, through the device's circuit
// breaker when enabled.
func (e *Executor) attempt(ctx context.Context, deviceName string, timeout time.Duration, op Operation) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	run := func() (any, error) {
		value, err := op(attemptCtx)
		if err == nil && attemptCtx.Err() != nil {
			err = attemptCtx.Err()
		}
		return value, err
	}

	var value any
	var err error
	if e.cfg.BreakerEnabled && deviceName != "" {
		value, err = e.breakerFor(deviceName).Execute(func() (interface{}, error) {
			return run()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, deviceName)
		}
	} else {
		value, err = run()
	}

	duration := time.Since(started)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: attempt exceeded %v", domain.ErrTimeout, timeout)
	}

	if e.rec != nil && deviceName != "" {
		e.rec.RecordOperation(deviceName, duration, err == nil)
	}
	if e.metrics != nil && deviceName != "" {
		e.metrics.RecordOperation(deviceName, err == nil, duration.Seconds())
	}
	return value, err
}

func (e *Executor) finish(deviceName, opName string, r Result) Result {
	e.logger.Warn().
		Str("device", deviceName).
		Str("operation", opName).
		Int("attempts", r.Attempts).
		Err(r.Err).
		Msg("Operation failed")
	return r
}

func (e *Executor) emit(t domain.EventType, deviceName, opName string, data map[string]any) {
	if e.bus == nil {
		return
	}
	ev := domain.NewEvent(t, deviceName, "", opName)
	ev.Source = "retry"
	ev.Data = data
	e.bus.Emit(ev)
}

// breakerFor returns the device's circuit breaker, creating it on first
// use. Per-device breakers ensure one failing device doesn't affect
// others.
func (e *Executor) breakerFor(deviceName string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[deviceName]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("device-%s", deviceName),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	e.breakers[deviceName] = cb
	return cb
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
