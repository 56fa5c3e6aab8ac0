package scheduler

import (
	"context"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// TaskHandle tracks one submitted task. Handles stay valid after the
// scheduler has cleaned the task's record out of its indexes.
type TaskHandle struct {
	sched *Scheduler
	rec   *taskRecord
}

// ID returns the task id.
func (h *TaskHandle) ID() string { return h.rec.task.ID }

// State reports the task's current lifecycle state.
func (h *TaskHandle) State() domain.TaskState {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.rec.state
}

// Cancel cancels the task. A running task is signalled through its
// cooperative token; a waiting one is cancelled immediately.
func (h *TaskHandle) Cancel(reason string) error {
	return h.sched.cancelRecord(h.rec, reason)
}

// Wait blocks until the task reaches a terminal state or ctx expires.
func (h *TaskHandle) Wait(ctx context.Context) (domain.TaskResult, error) {
	select {
	case <-h.rec.done:
		return *h.rec.result, nil
	case <-ctx.Done():
		return domain.TaskResult{}, ctx.Err()
	}
}

// Result returns the final result once the task has finished.
func (h *TaskHandle) Result() (domain.TaskResult, bool) {
	select {
	case <-h.rec.done:
		return *h.rec.result, true
	default:
		return domain.TaskResult{}, false
	}
}
