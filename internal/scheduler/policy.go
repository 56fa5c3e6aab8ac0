package scheduler

import (
	"strings"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// Policy selects which ready task is dispatched next.
type Policy int

const (
	// PolicyFIFO runs tasks in submission order.
	PolicyFIFO Policy = iota
	// PolicyPriority runs the highest-priority task first, submission
	// order within a level.
	PolicyPriority
	// PolicyRoundRobin rotates across devices in the order they first
	// appeared, FIFO within a device.
	PolicyRoundRobin
	// PolicyShortestJob runs the task with the smallest estimated
	// duration first.
	PolicyShortestJob
	// PolicyDeadline runs the task with the earliest deadline first.
	PolicyDeadline
	// PolicyAdaptive behaves like PolicyPriority until a ready task
	// comes under deadline pressure, then orders non-critical work by
	// deadline. Critical tasks always dispatch first.
	PolicyAdaptive
)

// String returns the lowercase policy name.
func (p Policy) String() string {
	switch p {
	case PolicyFIFO:
		return "fifo"
	case PolicyPriority:
		return "priority"
	case PolicyRoundRobin:
		return "round_robin"
	case PolicyShortestJob:
		return "shortest_job"
	case PolicyDeadline:
		return "deadline"
	case PolicyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration string to a policy. Unrecognized
// values fall back to PolicyPriority.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fifo":
		return PolicyFIFO
	case "priority":
		return PolicyPriority
	case "round_robin", "roundrobin", "round-robin":
		return PolicyRoundRobin
	case "shortest_job", "shortestjob", "shortest-job", "sjf":
		return PolicyShortestJob
	case "deadline":
		return PolicyDeadline
	case "adaptive":
		return PolicyAdaptive
	default:
		return PolicyPriority
	}
}

// lessByArrival orders by submission sequence.
func lessByArrival(a, b *taskRecord) bool {
	return a.seq < b.seq
}

// lessByPriority orders by effective priority level, submission time
// within a level.
func lessByPriority(a, b *taskRecord) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

// lessByDeadline orders by deadline ascending with missing deadlines
// last, then priority, then submission time.
func lessByDeadline(a, b *taskRecord) bool {
	ad, bd := a.task.HasDeadline(), b.task.HasDeadline()
	switch {
	case ad && !bd:
		return true
	case !ad && bd:
		return false
	case ad && bd && !a.task.Deadline.Equal(b.task.Deadline):
		return a.task.Deadline.Before(b.task.Deadline)
	}
	return lessByPriority(a, b)
}

// lessByEstimate orders by estimated duration ascending. Tasks without
// an estimate sort last so known-short work is not starved by unknowns.
func lessByEstimate(a, b *taskRecord) bool {
	ae, be := a.task.EstimatedDuration, b.task.EstimatedDuration
	switch {
	case ae > 0 && be <= 0:
		return true
	case ae <= 0 && be > 0:
		return false
	case ae != be:
		return ae < be
	}
	return lessByPriority(a, b)
}

// deadlinePressed reports whether any candidate is inside twice its
// estimated duration of its deadline.
func deadlinePressed(now time.Time, ready []*taskRecord) bool {
	for _, r := range ready {
		if !r.task.HasDeadline() {
			continue
		}
		if r.task.Deadline.Sub(now) < 2*r.task.EstimatedDuration {
			return true
		}
	}
	return false
}

// lessFunc returns the active comparator. pressed only matters to the
// adaptive policy: it keeps critical tasks ahead of everything and
// orders the rest by priority, switching to deadline order while any
// ready task is under pressure.
func (p Policy) lessFunc(pressed bool) func(a, b *taskRecord) bool {
	switch p {
	case PolicyFIFO:
		return lessByArrival
	case PolicyShortestJob:
		return lessByEstimate
	case PolicyDeadline:
		return lessByDeadline
	case PolicyAdaptive:
		return func(a, b *taskRecord) bool {
			ac := a.priority == domain.PriorityCritical
			bc := b.priority == domain.PriorityCritical
			if ac != bc {
				return ac
			}
			if pressed {
				return lessByDeadline(a, b)
			}
			return lessByPriority(a, b)
		}
	default:
		return lessByPriority
	}
}
