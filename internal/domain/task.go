package domain

import (
	"context"
	"sync"
	"time"
)

// TaskPriority orders tasks. Smaller values win.
type TaskPriority int

const (
	PriorityCritical TaskPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String returns the lowercase priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Bump raises the priority by one level, never past the ceiling.
// Priority aging uses ceiling High so aged tasks cannot displace
// genuinely critical work.
func (p TaskPriority) Bump(ceiling TaskPriority) TaskPriority {
	if p <= ceiling {
		return p
	}
	return p - 1
}

// ParseTaskPriority maps a priority name to its level. Unknown or empty
// names fall back to PriorityNormal.
func ParseTaskPriority(s string) TaskPriority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "normal", "":
		return PriorityNormal
	case "low":
		return PriorityLow
	case "background":
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// TaskState is the scheduler-visible lifecycle state of a task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskQueued
	TaskRunning
	TaskSuspended
	TaskCompleted
	TaskFailed
	TaskCancelled
	TaskTimeout
)

// String returns the lowercase state name.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	case TaskTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions may occur.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> next is a legal move in the task
// state machine. Pending -> Queued -> Running -> terminal, with
// Running <-> Suspended when preemption is enabled. Cancellation is
// legal from any non-terminal state.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == TaskCancelled {
		return true
	}
	switch s {
	case TaskPending:
		return next == TaskQueued
	case TaskQueued:
		return next == TaskRunning
	case TaskRunning:
		return next == TaskSuspended || next == TaskCompleted ||
			next == TaskFailed || next == TaskTimeout
	case TaskSuspended:
		return next == TaskQueued || next == TaskRunning
	default:
		return false
	}
}

// TaskMode selects how a task shares its device.
type TaskMode int

const (
	// ModeShared tasks run subject to the device's concurrency capacity.
	ModeShared TaskMode = iota
	// ModeExclusive tasks run only when no other task holds the device.
	ModeExclusive
)

// String returns the lowercase mode name.
func (m TaskMode) String() string {
	if m == ModeExclusive {
		return "exclusive"
	}
	return "shared"
}

// DependencyKind controls how a predecessor gates a dependent task.
type DependencyKind int

const (
	// DependencyHard requires the predecessor to complete successfully.
	DependencyHard DependencyKind = iota
	// DependencySoft requires the predecessor to terminate in any state.
	DependencySoft
	// DependencyConditional requires completion, and the predecessor's
	// boolean result gates admission: false cancels the dependent.
	DependencyConditional
	// DependencyOrdering sequences tasks without outcome coupling.
	DependencyOrdering
)

// String returns the lowercase kind name.
func (k DependencyKind) String() string {
	switch k {
	case DependencyHard:
		return "hard"
	case DependencySoft:
		return "soft"
	case DependencyConditional:
		return "conditional"
	case DependencyOrdering:
		return "ordering"
	default:
		return "unknown"
	}
}

// Dependency is a directed edge to a predecessor task.
type Dependency struct {
	TaskID string         `json:"taskId"`
	Kind   DependencyKind `json:"kind"`
}

// ResourceRequirement describes one named capacity a task consumes
// while running.
type ResourceRequirement struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Unit      string  `json:"unit,omitempty"`
	Exclusive bool    `json:"exclusive,omitempty"`
}

// TaskFunc is the body of a task. drv is the resolved driver for the
// task's device, or nil for tasks not bound to a device. The context is
// cancelled on preemption, timeout, and explicit cancellation.
type TaskFunc func(ctx context.Context, drv Driver) (any, error)

// TaskResult captures the terminal outcome of one task execution.
type TaskResult struct {
	TaskID     string        `json:"taskId"`
	State      TaskState     `json:"state"`
	Value      any           `json:"value,omitempty"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
}

// Task is a unit of deferred work against a device.
type Task struct {
	ID         string       `json:"id"`
	DeviceName string       `json:"deviceName,omitempty"`
	Name       string       `json:"name"`
	Priority   TaskPriority `json:"priority"`
	Mode       TaskMode     `json:"mode"`

	CreatedAt         time.Time     `json:"createdAt"`
	ScheduledAt       time.Time     `json:"scheduledAt,omitempty"`
	Deadline          time.Time     `json:"deadline,omitempty"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
	MaxExecutionTime  time.Duration `json:"maxExecutionTime,omitempty"`

	Resources    []ResourceRequirement `json:"resources,omitempty"`
	RetryConfig  *RetryPolicy          `json:"retryConfig,omitempty"`
	Dependencies []Dependency          `json:"dependencies,omitempty"`

	ExecutionContext map[string]any `json:"executionContext,omitempty"`

	Func          TaskFunc                            `json:"-"`
	OnStateChange func(id string, from, to TaskState) `json:"-"`
	OnCompletion  func(TaskResult)                    `json:"-"`
}

// HasDeadline reports whether the task carries a real deadline.
func (t *Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// CancelToken is the cooperative cancellation handle shared between the
// scheduler and a running task body. Setting it is non-blocking; the
// task observes it at its next natural yield.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
	done      chan struct{}
}

// NewCancelToken returns an armed, uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token. The first call wins; later calls keep the
// original reason.
func (c *CancelToken) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	c.reason = reason
	close(c.done)
}

// IsCancelled reports whether the token has been set.
func (c *CancelToken) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Reason returns the cancellation reason, empty if not cancelled.
func (c *CancelToken) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done returns a channel closed when the token is set.
func (c *CancelToken) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Reset re-arms the token. The scheduler resets tokens when a suspended
// task returns to the ready queue.
func (c *CancelToken) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = false
	c.reason = ""
	c.done = make(chan struct{})
}
