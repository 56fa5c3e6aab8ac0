package manager

import (
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/resource"
	"github.com/ElementAstro/lithium-next-sub000/internal/scheduler"
)

var _ scheduler.ResourceGate = (*resourceGate)(nil)

// resourceGate bridges task resource requirements to the resource
// manager. Acquire must not block the dispatch loop, so it maps onto
// TryAllocate and reports shortage as an error the scheduler can treat
// as "try again next cycle".
type resourceGate struct {
	resources *resource.Manager
}

func (g *resourceGate) Acquire(deviceName string, priority domain.TaskPriority, reqs []domain.ResourceRequirement) (func(), error) {
	if len(reqs) == 0 {
		return func() {}, nil
	}

	constraints := make([]resource.Constraint, 0, len(reqs))
	for _, req := range reqs {
		constraints = append(constraints, resource.Constraint{
			Type:      req.Type,
			Min:       req.Amount,
			Max:       req.Amount,
			Preferred: req.Amount,
			Critical:  req.Exclusive,
		})
	}

	lease, err := g.resources.TryAllocate(resource.Request{
		DeviceName:  deviceName,
		Constraints: constraints,
		Priority:    priority,
	})
	if err != nil {
		return nil, err
	}
	leaseID := lease.ID
	return func() { _ = g.resources.ReleaseResources(leaseID) }, nil
}
