// Package scheduler dispatches device tasks across a bounded worker
// pool, ordering them by policy and honoring priorities, deadlines,
// dependencies, and per-device capacity.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// EventEmitter publishes task lifecycle events. The event bus
// implements it.
type EventEmitter interface {
	Emit(domain.Event)
}

// OperationRecorder receives task outcomes. The health monitor
// implements it.
type OperationRecorder interface {
	RecordOperation(deviceName string, duration time.Duration, success bool)
}

// DriverResolver looks up the driver a task runs against. The device
// registry implements it.
type DriverResolver interface {
	Driver(name string) (domain.Driver, error)
}

// ResourceGate reserves a task's resource requirements ahead of
// dispatch. The resource manager implements it. Acquire must not block:
// when capacity is short it returns an error and the task waits for the
// next scheduling cycle.
type ResourceGate interface {
	Acquire(deviceName string, priority domain.TaskPriority, reqs []domain.ResourceRequirement) (release func(), err error)
}

// Config tunes the scheduler.
type Config struct {
	// Policy orders the ready queue.
	Policy Policy
	// MaxConcurrentTasks bounds tasks in the running state.
	MaxConcurrentTasks int
	// MaxQueueSize bounds waiting tasks; submissions beyond it fail
	// with ErrQueueFull.
	MaxQueueSize int
	// Workers bounds task bodies executing at once.
	Workers int
	// SchedulingInterval is the dispatch loop period.
	SchedulingInterval time.Duration
	// MaxExecutionTime caps a task's wall-clock run unless the task
	// carries its own limit.
	MaxExecutionTime time.Duration
	// AgingInterval is how long a blocked task waits before each
	// priority bump.
	AgingInterval time.Duration
	// EnableAging bumps long-blocked tasks one level per interval, to
	// PriorityHigh at most.
	EnableAging bool
	// EnablePreemption lets critical tasks suspend lower-priority work
	// when no slot is free.
	EnablePreemption bool
	// EnableMigration allows MigrateTask to move waiting tasks between
	// devices.
	EnableMigration bool
	// DeadlineAware lets the adaptive policy switch to deadline order
	// under deadline pressure.
	DeadlineAware bool
}

// DefaultConfig returns priority scheduling with aging, preemption,
// migration, and deadline awareness enabled.
func DefaultConfig() Config {
	return Config{
		Policy:             PolicyPriority,
		MaxConcurrentTasks: 10,
		MaxQueueSize:       1000,
		Workers:            4,
		SchedulingInterval: 100 * time.Millisecond,
		MaxExecutionTime:   5 * time.Minute,
		AgingInterval:      30 * time.Second,
		EnableAging:        true,
		EnablePreemption:   true,
		EnableMigration:    true,
		DeadlineAware:      true,
	}
}

// Stats is a point-in-time scheduler snapshot.
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Cancelled   uint64 `json:"cancelled"`
	TimedOut    uint64 `json:"timedOut"`
	Preempted   uint64 `json:"preempted"`
	Migrated    uint64 `json:"migrated"`
	Aged        uint64 `json:"aged"`
	Retried     uint64 `json:"retried"`
	Ready       int    `json:"ready"`
	Blocked     int    `json:"blocked"`
	Running     int    `json:"running"`
	Workers     int    `json:"workers"`
	WorkersBusy int    `json:"workersBusy"`
}

type schedStats struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	timedOut  atomic.Uint64
	preempted atomic.Uint64
	migrated  atomic.Uint64
	aged      atomic.Uint64
	retried   atomic.Uint64
}

// taskRecord is the scheduler's bookkeeping around one task. All fields
// except the atomics are guarded by the scheduler mutex; task fields
// are stable while the record is running.
type taskRecord struct {
	task     *domain.Task
	seq      uint64
	priority domain.TaskPriority
	state    domain.TaskState
	token    *domain.CancelToken

	notBefore    time.Time
	blockedSince time.Time
	lastAged     time.Time
	retryCount   int
	dependents   []string
	release      func()

	preempted atomic.Bool
	timedOut  atomic.Bool

	result *domain.TaskResult
	done   chan struct{}
}

// effects queue bus events, user callbacks, and resource releases that
// must run after the scheduler lock is released.
type effects struct{ fns []func() }

func (e *effects) add(fn func()) { e.fns = append(e.fns, fn) }

func (e *effects) run() {
	for _, fn := range e.fns {
		fn()
	}
}

type depStatus int

const (
	depWait depStatus = iota
	depReady
	depFailed
)

// Scheduler owns the task graph, the ready queue, and the worker pool.
type Scheduler struct {
	cfg      Config
	logger   zerolog.Logger
	bus      EventEmitter
	recorder OperationRecorder
	resolver DriverResolver
	metrics  *metrics.Registry

	mu          sync.Mutex
	gate        ResourceGate
	tasks       map[string]*taskRecord
	ready       []*taskRecord
	blocked     map[string]*taskRecord
	running     map[string]*taskRecord
	perDevice   map[string]int
	exclusive   map[string]bool
	deviceCaps  map[string]int
	deviceOrder []string
	seenDevice  map[string]bool
	rrNext      int
	seq         uint64
	paused      bool
	stopped     bool

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	taskWG  sync.WaitGroup
	workers chan struct{}
	kick    chan struct{}

	stats schedStats
}

// New creates a scheduler. resolver, bus, recorder, and metricsReg may
// be nil; tasks without a device never consult the resolver.
func New(cfg Config, resolver DriverResolver, bus EventEmitter, recorder OperationRecorder, metricsReg *metrics.Registry, logger zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SchedulingInterval <= 0 {
		cfg.SchedulingInterval = 100 * time.Millisecond
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 5 * time.Minute
	}
	if cfg.AgingInterval <= 0 {
		cfg.AgingInterval = 30 * time.Second
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		bus:        bus,
		recorder:   recorder,
		resolver:   resolver,
		metrics:    metricsReg,
		tasks:      make(map[string]*taskRecord),
		blocked:    make(map[string]*taskRecord),
		running:    make(map[string]*taskRecord),
		perDevice:  make(map[string]int),
		exclusive:  make(map[string]bool),
		deviceCaps: make(map[string]int),
		seenDevice: make(map[string]bool),
		workers:    make(chan struct{}, cfg.Workers),
		kick:       make(chan struct{}, 1),
	}
}

// SetResourceGate attaches the resource manager. Call before Start.
func (s *Scheduler) SetResourceGate(g ResourceGate) {
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loopWG.Add(1)
	go s.run()
	s.logger.Info().
		Str("policy", s.cfg.Policy.String()).
		Int("workers", s.cfg.Workers).
		Int("maxConcurrent", s.cfg.MaxConcurrentTasks).
		Msg("Scheduler started")
	return nil
}

// Stop rejects new submissions, halts dispatching, cancels in-flight
// task contexts, and waits for workers to return until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain interrupted: %w", ctx.Err())
	}
}

// Pause stops dispatching; queued tasks keep accumulating.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info().Msg("Scheduler paused")
}

// Resume restarts dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info().Msg("Scheduler resumed")
	s.kickLoop()
}

// SetDeviceCapacity bounds concurrently running tasks on one device.
// Zero or negative removes the bound.
func (s *Scheduler) SetDeviceCapacity(device string, n int) {
	s.mu.Lock()
	if n <= 0 {
		delete(s.deviceCaps, device)
	} else {
		s.deviceCaps[device] = n
	}
	s.mu.Unlock()
}

// Submit enqueues a task and returns a handle for tracking it. Missing
// ids are assigned. A task whose dependency graph would contain a cycle
// is rejected; one whose predecessor has already failed is cancelled
// immediately.
func (s *Scheduler) Submit(task *domain.Task) (*TaskHandle, error) {
	if task == nil || task.Func == nil {
		return nil, fmt.Errorf("%w: task requires a function", domain.ErrInvalidConfig)
	}

	now := time.Now()
	var eff effects
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, domain.ErrSchedulerStopped
	}
	if len(s.ready)+len(s.blocked) >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", domain.ErrQueueFull, s.cfg.MaxQueueSize)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate task id %q", domain.ErrInvalidConfig, task.ID)
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if s.cycleLocked(task) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task %q", domain.ErrCircularDependency, task.ID)
	}

	rec := &taskRecord{
		task:      task,
		seq:       s.seq,
		priority:  task.Priority,
		state:     domain.TaskPending,
		token:     domain.NewCancelToken(),
		notBefore: task.ScheduledAt,
		done:      make(chan struct{}),
	}
	s.seq++
	s.tasks[task.ID] = rec
	s.noteDeviceLocked(task.DeviceName)
	for _, dep := range task.Dependencies {
		if pred, ok := s.tasks[dep.TaskID]; ok {
			pred.dependents = append(pred.dependents, task.ID)
		}
	}
	s.stats.submitted.Add(1)

	switch s.depsStatusLocked(rec) {
	case depFailed:
		rec.token.Cancel("dependency failed")
		s.finishLocked(rec, domain.TaskCancelled, nil, domain.ErrDependencyFailed, time.Time{}, now, &eff)
	case depReady:
		if rec.notBefore.IsZero() || !now.Before(rec.notBefore) {
			s.setStateLocked(rec, domain.TaskQueued, &eff)
			s.ready = append(s.ready, rec)
		} else {
			rec.blockedSince = now
			s.blocked[task.ID] = rec
		}
	default:
		rec.blockedSince = now
		s.blocked[task.ID] = rec
	}
	s.mu.Unlock()
	eff.run()

	if s.metrics != nil {
		s.metrics.RecordTaskSubmitted(task.Priority.String())
	}
	s.logger.Debug().
		Str("task", task.ID).
		Str("name", task.Name).
		Str("device", task.DeviceName).
		Str("priority", task.Priority.String()).
		Msg("Task submitted")
	s.kickLoop()
	return &TaskHandle{sched: s, rec: rec}, nil
}

// CancelTask cancels a waiting task immediately or signals a running
// one through its cooperative token.
func (s *Scheduler) CancelTask(id, reason string) error {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return s.cancelRecord(rec, reason)
}

func (s *Scheduler) cancelRecord(rec *taskRecord, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	var eff effects
	s.mu.Lock()
	switch {
	case rec.state.IsTerminal():
		st := rec.state
		s.mu.Unlock()
		return fmt.Errorf("%w: task is %s", domain.ErrInvalidTransition, st)
	case rec.state == domain.TaskRunning:
		s.mu.Unlock()
		rec.token.Cancel(reason)
		return nil
	default:
		rec.token.Cancel(reason)
		s.finishLocked(rec, domain.TaskCancelled, nil,
			fmt.Errorf("%w: %s", domain.ErrCancelled, reason), time.Time{}, time.Now(), &eff)
		s.mu.Unlock()
		eff.run()
		s.kickLoop()
		return nil
	}
}

// MigrateTask moves a queued or suspended task to another device and
// re-checks its dependencies. Running and terminal tasks cannot move.
func (s *Scheduler) MigrateTask(id, targetDevice string) error {
	if !s.cfg.EnableMigration {
		return fmt.Errorf("%w: migration disabled", domain.ErrMigrationDenied)
	}
	if err := domain.ValidateName(targetDevice); err != nil {
		return err
	}

	var eff effects
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if rec.state != domain.TaskQueued && rec.state != domain.TaskSuspended {
		st := rec.state
		s.mu.Unlock()
		return fmt.Errorf("%w: task is %s", domain.ErrMigrationDenied, st)
	}
	if !s.waitingLocked(rec) {
		s.mu.Unlock()
		return fmt.Errorf("%w: task is being dispatched", domain.ErrMigrationDenied)
	}
	from := rec.task.DeviceName
	rec.task.DeviceName = targetDevice
	s.noteDeviceLocked(targetDevice)
	s.stats.migrated.Add(1)
	if s.depsStatusLocked(rec) == depFailed {
		rec.token.Cancel("dependency failed")
		s.finishLocked(rec, domain.TaskCancelled, nil, domain.ErrDependencyFailed, time.Time{}, time.Now(), &eff)
	}
	s.mu.Unlock()
	eff.run()

	s.logger.Info().
		Str("task", id).
		Str("from", from).
		Str("to", targetDevice).
		Msg("Task migrated")
	s.kickLoop()
	return nil
}

// waitingLocked reports whether rec sits in the ready queue or the
// blocked set. A record in neither is mid-dispatch.
func (s *Scheduler) waitingLocked(rec *taskRecord) bool {
	if _, ok := s.blocked[rec.task.ID]; ok {
		return true
	}
	for _, r := range s.ready {
		if r == rec {
			return true
		}
	}
	return false
}

// TaskSnapshot is a point-in-time view of one task.
type TaskSnapshot struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	DeviceName string              `json:"deviceName,omitempty"`
	State      domain.TaskState    `json:"state"`
	Priority   domain.TaskPriority `json:"priority"`
	CreatedAt  time.Time           `json:"createdAt"`
	Deadline   time.Time           `json:"deadline,omitempty"`
	RetryCount int                 `json:"retryCount,omitempty"`
	Result     *domain.TaskResult  `json:"result,omitempty"`
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(id string) (TaskSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return TaskSnapshot{}, false
	}
	return s.snapshotLocked(rec), true
}

// Tasks returns snapshots of all known tasks in submission order.
func (s *Scheduler) Tasks() []TaskSnapshot {
	s.mu.Lock()
	recs := make([]*taskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]TaskSnapshot, len(recs))
	for i, rec := range recs {
		out[i] = s.snapshotLocked(rec)
	}
	s.mu.Unlock()
	return out
}

func (s *Scheduler) snapshotLocked(rec *taskRecord) TaskSnapshot {
	snap := TaskSnapshot{
		ID:         rec.task.ID,
		Name:       rec.task.Name,
		DeviceName: rec.task.DeviceName,
		State:      rec.state,
		Priority:   rec.priority,
		CreatedAt:  rec.task.CreatedAt,
		Deadline:   rec.task.Deadline,
		RetryCount: rec.retryCount,
	}
	if rec.result != nil {
		res := *rec.result
		snap.Result = &res
	}
	return snap
}

// Stats reports counters and queue depths.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Submitted:   s.stats.submitted.Load(),
		Completed:   s.stats.completed.Load(),
		Failed:      s.stats.failed.Load(),
		Cancelled:   s.stats.cancelled.Load(),
		TimedOut:    s.stats.timedOut.Load(),
		Preempted:   s.stats.preempted.Load(),
		Migrated:    s.stats.migrated.Load(),
		Aged:        s.stats.aged.Load(),
		Retried:     s.stats.retried.Load(),
		Ready:       len(s.ready),
		Blocked:     len(s.blocked),
		Running:     len(s.running),
		Workers:     s.cfg.Workers,
		WorkersBusy: len(s.workers),
	}
	s.mu.Unlock()
	return st
}

// Cleanup drops terminal task records finished before the retention
// window. Dependents still naming a dropped id treat it as completed.
func (s *Scheduler) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	n := 0
	s.mu.Lock()
	for id, rec := range s.tasks {
		if rec.state.IsTerminal() && rec.result != nil && rec.result.FinishedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.logger.Debug().Int("removed", n).Msg("Task records cleaned up")
	}
	return n
}

func (s *Scheduler) run() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.SchedulingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.cycle(time.Now())
	}
}

func (s *Scheduler) cycle(now time.Time) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}
	s.promoteBlocked(now)
	s.dispatch()
	s.publishGauges()
}

// promoteBlocked moves blocked tasks whose dependencies are satisfied
// and whose earliest-start time has passed into the ready queue,
// cancels tasks whose dependencies failed, and ages the rest.
func (s *Scheduler) promoteBlocked(now time.Time) {
	var eff effects
	s.mu.Lock()
	recs := make([]*taskRecord, 0, len(s.blocked))
	for _, rec := range s.blocked {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	for _, rec := range recs {
		switch s.depsStatusLocked(rec) {
		case depFailed:
			rec.token.Cancel("dependency failed")
			s.finishLocked(rec, domain.TaskCancelled, nil, domain.ErrDependencyFailed, time.Time{}, now, &eff)
			continue
		case depReady:
			if rec.notBefore.IsZero() || !now.Before(rec.notBefore) {
				delete(s.blocked, rec.task.ID)
				s.setStateLocked(rec, domain.TaskQueued, &eff)
				rec.blockedSince = time.Time{}
				rec.lastAged = time.Time{}
				s.ready = append(s.ready, rec)
				continue
			}
		}

		if !s.cfg.EnableAging {
			continue
		}
		base := rec.lastAged
		if base.IsZero() {
			base = rec.blockedSince
		}
		if base.IsZero() {
			rec.blockedSince = now
			continue
		}
		if now.Sub(base) < s.cfg.AgingInterval {
			continue
		}
		if bumped := rec.priority.Bump(domain.PriorityHigh); bumped != rec.priority {
			rec.priority = bumped
			rec.lastAged = now
			s.stats.aged.Add(1)
			s.logger.Debug().
				Str("task", rec.task.ID).
				Str("priority", bumped.String()).
				Msg("Blocked task aged up")
		}
	}
	s.mu.Unlock()
	eff.run()
}

// depsStatusLocked evaluates rec's dependency edges. Predecessors no
// longer known to the scheduler count as completed.
func (s *Scheduler) depsStatusLocked(rec *taskRecord) depStatus {
	status := depReady
	for _, dep := range rec.task.Dependencies {
		pred, ok := s.tasks[dep.TaskID]
		if !ok {
			continue
		}
		switch dep.Kind {
		case domain.DependencySoft, domain.DependencyOrdering:
			if !pred.state.IsTerminal() {
				status = depWait
			}
		case domain.DependencyConditional:
			if !pred.state.IsTerminal() {
				status = depWait
				continue
			}
			if pred.state != domain.TaskCompleted {
				return depFailed
			}
			if v, isBool := pred.result.Value.(bool); isBool && !v {
				return depFailed
			}
		default: // DependencyHard
			if !pred.state.IsTerminal() {
				status = depWait
				continue
			}
			if pred.state != domain.TaskCompleted {
				return depFailed
			}
		}
	}
	return status
}

// cycleLocked reports whether adding t would close a dependency cycle.
// Edges point from a task to its predecessors, so a cycle can only
// close back through the candidate itself.
func (s *Scheduler) cycleLocked(t *domain.Task) bool {
	seen := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == t.ID {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		pred, ok := s.tasks[id]
		if !ok {
			return false
		}
		for _, d := range pred.task.Dependencies {
			if visit(d.TaskID) {
				return true
			}
		}
		return false
	}
	for _, d := range t.Dependencies {
		if visit(d.TaskID) {
			return true
		}
	}
	return false
}

// dispatch admits ready tasks until slots or candidates run out.
// Resource reservation happens outside the lock; a task that cannot
// reserve parks in the blocked set until the next cycle.
func (s *Scheduler) dispatch() {
	for {
		now := time.Now()
		s.mu.Lock()
		if s.paused || s.stopped {
			s.mu.Unlock()
			return
		}
		rec := s.pickLocked(now)
		if rec == nil {
			preempt := s.preemptVictimLocked(now)
			s.mu.Unlock()
			if preempt != nil {
				preempt()
			}
			return
		}
		gate := s.gate
		dev := rec.task.DeviceName
		needs := rec.task.Resources
		prio := rec.priority
		s.mu.Unlock()

		var release func()
		if gate != nil && len(needs) > 0 {
			rel, err := gate.Acquire(dev, prio, needs)
			if err != nil {
				s.parkStarved(rec, err)
				continue
			}
			release = rel
		}

		var eff effects
		s.mu.Lock()
		if rec.state.IsTerminal() {
			s.mu.Unlock()
			if release != nil {
				release()
			}
			continue
		}
		rec.release = release
		s.setStateLocked(rec, domain.TaskRunning, &eff)
		s.running[rec.task.ID] = rec
		s.holdDeviceLocked(rec)
		s.mu.Unlock()
		eff.run()

		s.taskWG.Add(1)
		go s.execute(rec)
	}
}

// pickLocked selects and removes the next runnable task from the ready
// queue, nil when nothing is admissible.
func (s *Scheduler) pickLocked(now time.Time) *taskRecord {
	if len(s.running) >= s.cfg.MaxConcurrentTasks || len(s.ready) == 0 {
		return nil
	}
	if s.cfg.Policy == PolicyRoundRobin {
		return s.pickRoundRobinLocked(now)
	}

	pressed := s.cfg.Policy == PolicyAdaptive && s.cfg.DeadlineAware && deadlinePressed(now, s.ready)
	less := s.cfg.Policy.lessFunc(pressed)
	var best *taskRecord
	bestIdx := -1
	for i, r := range s.ready {
		if !s.admissibleLocked(r, now) {
			continue
		}
		if best == nil || less(r, best) {
			best, bestIdx = r, i
		}
	}
	if best == nil {
		return nil
	}
	s.ready = append(s.ready[:bestIdx], s.ready[bestIdx+1:]...)
	return best
}

// pickRoundRobinLocked rotates across devices in first-seen order,
// FIFO within a device.
func (s *Scheduler) pickRoundRobinLocked(now time.Time) *taskRecord {
	n := len(s.deviceOrder)
	if n == 0 {
		return nil
	}
	for off := 0; off < n; off++ {
		idx := (s.rrNext + off) % n
		dev := s.deviceOrder[idx]
		var best *taskRecord
		bestIdx := -1
		for i, r := range s.ready {
			if r.task.DeviceName != dev || !s.admissibleLocked(r, now) {
				continue
			}
			if best == nil || lessByArrival(r, best) {
				best, bestIdx = r, i
			}
		}
		if best != nil {
			s.ready = append(s.ready[:bestIdx], s.ready[bestIdx+1:]...)
			s.rrNext = (idx + 1) % n
			return best
		}
	}
	return nil
}

// admissibleLocked checks earliest-start time, device capacity, and
// exclusive-mode constraints.
func (s *Scheduler) admissibleLocked(rec *taskRecord, now time.Time) bool {
	if !rec.notBefore.IsZero() && now.Before(rec.notBefore) {
		return false
	}
	dev := rec.task.DeviceName
	if dev == "" {
		return true
	}
	if s.exclusive[dev] {
		return false
	}
	n := s.perDevice[dev]
	if rec.task.Mode == domain.ModeExclusive && n > 0 {
		return false
	}
	if limit, ok := s.deviceCaps[dev]; ok && n >= limit {
		return false
	}
	return true
}

// preemptVictimLocked picks the running task a ready critical task
// should displace, returning the cancellation to run outside the lock.
// The victim must be strictly lower priority, and on the critical
// task's device when it names one.
func (s *Scheduler) preemptVictimLocked(now time.Time) func() {
	if !s.cfg.EnablePreemption {
		return nil
	}
	var cand *taskRecord
	for _, r := range s.ready {
		if r.priority != domain.PriorityCritical {
			continue
		}
		if !r.notBefore.IsZero() && now.Before(r.notBefore) {
			continue
		}
		if cand == nil || lessByPriority(r, cand) {
			cand = r
		}
	}
	if cand == nil {
		return nil
	}
	var victim *taskRecord
	for _, r := range s.running {
		if r.priority <= cand.priority || r.preempted.Load() {
			continue
		}
		if cand.task.DeviceName != "" && r.task.DeviceName != cand.task.DeviceName {
			continue
		}
		if victim == nil || r.priority > victim.priority ||
			(r.priority == victim.priority && r.seq > victim.seq) {
			victim = r
		}
	}
	if victim == nil {
		return nil
	}
	victim.preempted.Store(true)
	victimID, candID := victim.task.ID, cand.task.ID
	token := victim.token
	return func() {
		s.logger.Info().
			Str("task", victimID).
			Str("by", candID).
			Msg("Preempting running task")
		token.Cancel("preempted")
	}
}

// parkStarved returns a picked task to the blocked set after a failed
// resource reservation.
func (s *Scheduler) parkStarved(rec *taskRecord, cause error) {
	s.mu.Lock()
	if rec.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if rec.blockedSince.IsZero() {
		rec.blockedSince = time.Now()
	}
	s.blocked[rec.task.ID] = rec
	s.mu.Unlock()
	s.logger.Debug().
		Err(cause).
		Str("task", rec.task.ID).
		Msg("Task waiting on resources")
}

// execute runs one admitted task on the worker pool.
func (s *Scheduler) execute(rec *taskRecord) {
	defer s.taskWG.Done()

	select {
	case s.workers <- struct{}{}:
	case <-rec.token.Done():
		s.settle(rec, nil, fmt.Errorf("%w: %s", domain.ErrCancelled, rec.token.Reason()), time.Time{}, time.Now())
		return
	}
	defer func() { <-s.workers }()

	if rec.token.IsCancelled() {
		s.settle(rec, nil, fmt.Errorf("%w: %s", domain.ErrCancelled, rec.token.Reason()), time.Time{}, time.Now())
		return
	}

	var drv domain.Driver
	if rec.task.DeviceName != "" && s.resolver != nil {
		d, err := s.resolver.Driver(rec.task.DeviceName)
		if err != nil {
			s.settle(rec, nil, fmt.Errorf("resolve driver for %q: %w", rec.task.DeviceName, err), time.Time{}, time.Now())
			return
		}
		drv = d
	}

	limit := rec.task.MaxExecutionTime
	if limit <= 0 {
		limit = s.cfg.MaxExecutionTime
	}
	runCtx, cancelRun := context.WithCancel(s.ctx)
	defer cancelRun()
	unwatch := make(chan struct{})
	go func() {
		select {
		case <-rec.token.Done():
			cancelRun()
		case <-unwatch:
		}
	}()
	timer := time.AfterFunc(limit, func() {
		rec.timedOut.Store(true)
		rec.token.Cancel("timeout")
		s.abortDriver(rec.task, drv)
	})

	started := time.Now()
	s.emitStarted(rec)
	value, err := s.invoke(runCtx, rec.task, drv)
	timer.Stop()
	close(unwatch)
	s.settle(rec, value, err, started, time.Now())
}

// invoke runs the task body, converting panics into errors.
func (s *Scheduler) invoke(ctx context.Context, t *domain.Task, drv domain.Driver) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: task panic: %v", domain.ErrOperationFailed, r)
		}
	}()
	return t.Func(ctx, drv)
}

// settle records the outcome of one execution: completion, timeout,
// cancellation, suspension after preemption, or failure with retry.
func (s *Scheduler) settle(rec *taskRecord, value any, err error, started, finished time.Time) {
	var eff effects
	s.mu.Lock()
	if rec.state != domain.TaskRunning || rec.result != nil {
		s.mu.Unlock()
		return
	}
	stopping := s.ctx != nil && s.ctx.Err() != nil

	switch {
	case rec.timedOut.Load():
		terr := fmt.Errorf("%w: %s", domain.ErrTimeout, rec.task.Name)
		s.finishLocked(rec, domain.TaskTimeout, value, terr, started, finished, &eff)
	case err == nil:
		s.finishLocked(rec, domain.TaskCompleted, value, nil, started, finished, &eff)
	case rec.preempted.Load():
		s.suspendLocked(rec, &eff)
	case stopping && errors.Is(err, context.Canceled):
		s.finishLocked(rec, domain.TaskCancelled, value,
			fmt.Errorf("%w: scheduler stopped", domain.ErrCancelled), started, finished, &eff)
	case rec.token.IsCancelled():
		s.finishLocked(rec, domain.TaskCancelled, value,
			fmt.Errorf("%w: %s", domain.ErrCancelled, rec.token.Reason()), started, finished, &eff)
	default:
		if p := rec.task.RetryConfig; p != nil && p.Allows(rec.retryCount+1) {
			s.requeueForRetryLocked(rec, err, &eff)
		} else {
			s.finishLocked(rec, domain.TaskFailed, value, err, started, finished, &eff)
		}
	}
	s.mu.Unlock()
	eff.run()
	s.kickLoop()
}

// suspendLocked honors a preemption: the task leaves its slot, keeps
// its submission time, releases its resources, and rejoins the ready
// queue with a re-armed token.
func (s *Scheduler) suspendLocked(rec *taskRecord, eff *effects) {
	s.detachLocked(rec)
	s.setStateLocked(rec, domain.TaskSuspended, eff)
	rec.preempted.Store(false)
	rec.token.Reset()
	if rel := rec.release; rel != nil {
		rec.release = nil
		eff.add(func() { s.safely(rel) })
	}
	s.ready = append(s.ready, rec)
	s.stats.preempted.Add(1)
	s.logger.Info().Str("task", rec.task.ID).Msg("Task suspended by preemption")
}

// requeueForRetryLocked parks a failed task for its backoff delay,
// keeping its id, dependents, and submission time.
func (s *Scheduler) requeueForRetryLocked(rec *taskRecord, cause error, eff *effects) {
	s.detachLocked(rec)
	rec.retryCount++
	delay := rec.task.RetryConfig.Delay(rec.retryCount)
	rec.notBefore = time.Now().Add(delay)
	rec.token.Reset()
	s.setStateLocked(rec, domain.TaskSuspended, eff)
	if rel := rec.release; rel != nil {
		rec.release = nil
		eff.add(func() { s.safely(rel) })
	}
	rec.blockedSince = time.Now()
	rec.lastAged = time.Time{}
	s.blocked[rec.task.ID] = rec
	s.stats.retried.Add(1)
	s.logger.Warn().
		Err(cause).
		Str("task", rec.task.ID).
		Int("retry", rec.retryCount).
		Dur("delay", delay).
		Msg("Task failed, retrying")
}

// finishLocked moves rec into a terminal state, records its result,
// wakes waiters, and queues the completion event and callbacks.
func (s *Scheduler) finishLocked(rec *taskRecord, state domain.TaskState, value any, err error, started, finished time.Time, eff *effects) {
	s.detachLocked(rec)
	s.setStateLocked(rec, state, eff)

	attempts := rec.retryCount + 1
	if started.IsZero() {
		attempts = rec.retryCount
	}
	res := domain.TaskResult{
		TaskID:     rec.task.ID,
		State:      state,
		Value:      value,
		Err:        err,
		StartedAt:  started,
		FinishedAt: finished,
		Attempts:   attempts,
	}
	if !started.IsZero() {
		res.Duration = finished.Sub(started)
	}
	if err != nil {
		res.Error = err.Error()
	}
	rec.result = &res
	close(rec.done)

	switch state {
	case domain.TaskCompleted:
		s.stats.completed.Add(1)
	case domain.TaskFailed:
		s.stats.failed.Add(1)
	case domain.TaskCancelled:
		s.stats.cancelled.Add(1)
	case domain.TaskTimeout:
		s.stats.timedOut.Add(1)
	}
	if s.metrics != nil {
		s.metrics.RecordTaskFinished(state.String(), rec.task.DeviceName, res.Duration.Seconds())
	}

	evType := domain.EventOperationFailed
	if state == domain.TaskCompleted {
		evType = domain.EventOperationCompleted
	}
	ev := domain.NewEvent(evType, rec.task.DeviceName, "", rec.task.Name+" "+state.String())
	ev.Source = "scheduler"
	ev.Data = map[string]any{
		"task":     rec.task.ID,
		"name":     rec.task.Name,
		"state":    state.String(),
		"attempts": attempts,
	}
	if err != nil {
		ev.Data["error"] = err.Error()
	}
	eff.add(func() { s.emit(ev) })

	if rel := rec.release; rel != nil {
		rec.release = nil
		eff.add(func() { s.safely(rel) })
	}
	if s.recorder != nil && !started.IsZero() {
		dev, dur := rec.task.DeviceName, res.Duration
		ok := state == domain.TaskCompleted
		eff.add(func() { s.recorder.RecordOperation(dev, dur, ok) })
	}
	if cb := rec.task.OnCompletion; cb != nil {
		eff.add(func() { s.safely(func() { cb(res) }) })
	}
}

// detachLocked removes rec from whichever set holds it, releasing the
// device slot for running tasks.
func (s *Scheduler) detachLocked(rec *taskRecord) {
	id := rec.task.ID
	if _, ok := s.running[id]; ok {
		delete(s.running, id)
		s.releaseDeviceLocked(rec)
		return
	}
	if _, ok := s.blocked[id]; ok {
		delete(s.blocked, id)
		return
	}
	for i, r := range s.ready {
		if r == rec {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) holdDeviceLocked(rec *taskRecord) {
	dev := rec.task.DeviceName
	if dev == "" {
		return
	}
	s.perDevice[dev]++
	if rec.task.Mode == domain.ModeExclusive {
		s.exclusive[dev] = true
	}
}

func (s *Scheduler) releaseDeviceLocked(rec *taskRecord) {
	dev := rec.task.DeviceName
	if dev == "" {
		return
	}
	if s.perDevice[dev] > 0 {
		s.perDevice[dev]--
	}
	if s.perDevice[dev] == 0 {
		delete(s.perDevice, dev)
	}
	if rec.task.Mode == domain.ModeExclusive {
		delete(s.exclusive, dev)
	}
}

// setStateLocked transitions rec and queues the task's state callback.
func (s *Scheduler) setStateLocked(rec *taskRecord, to domain.TaskState, eff *effects) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to
	if cb := rec.task.OnStateChange; cb != nil {
		id := rec.task.ID
		eff.add(func() { s.safely(func() { cb(id, from, to) }) })
	}
}

func (s *Scheduler) noteDeviceLocked(dev string) {
	if s.seenDevice[dev] {
		return
	}
	s.seenDevice[dev] = true
	s.deviceOrder = append(s.deviceOrder, dev)
}

// abortDriver invokes the driver's abort hook when it has one.
func (s *Scheduler) abortDriver(t *domain.Task, drv domain.Driver) {
	ab, ok := drv.(domain.Aborter)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("device", t.DeviceName).
				Msg("Driver abort panicked")
		}
	}()
	if err := ab.Abort(); err != nil {
		s.logger.Warn().
			Err(err).
			Str("device", t.DeviceName).
			Str("task", t.ID).
			Msg("Driver abort failed")
	}
}

func (s *Scheduler) emitStarted(rec *taskRecord) {
	ev := domain.NewEvent(domain.EventOperationStarted, rec.task.DeviceName, "", rec.task.Name+" started")
	ev.Data = map[string]any{
		"task":    rec.task.ID,
		"name":    rec.task.Name,
		"attempt": rec.retryCount + 1,
	}
	s.emit(ev)
}

func (s *Scheduler) emit(ev domain.Event) {
	if s.bus == nil {
		return
	}
	if ev.Source == "" {
		ev.Source = "scheduler"
	}
	s.bus.Emit(ev)
}

// safely runs foreign code, absorbing panics.
func (s *Scheduler) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Task callback panicked")
		}
	}()
	fn()
}

func (s *Scheduler) publishGauges() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	depth := len(s.ready) + len(s.blocked)
	s.mu.Unlock()
	s.metrics.UpdateQueueDepth(depth)
	s.metrics.UpdateWorkerUtilization(len(s.workers), s.cfg.Workers)
}

func (s *Scheduler) kickLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
