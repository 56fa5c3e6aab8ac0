// Package resource enforces named capacity limits across device
// operations through pools, leases, and per-device quotas.
package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// Policy orders queued requests when capacity frees up.
type Policy int

const (
	FCFS Policy = iota
	Priority
	RoundRobin
	ShortestJob
	FairShare
	Adaptive
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Priority:
		return "priority"
	case RoundRobin:
		return "round_robin"
	case ShortestJob:
		return "shortest_job"
	case FairShare:
		return "fair_share"
	case Adaptive:
		return "adaptive"
	default:
		return "fcfs"
	}
}

// ParsePolicy maps a config string to a Policy, defaulting to FCFS.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(s) {
	case "priority":
		return Priority
	case "round_robin", "roundrobin":
		return RoundRobin
	case "shortest_job", "shortestjob":
		return ShortestJob
	case "fair_share", "fairshare":
		return FairShare
	case "adaptive":
		return Adaptive
	default:
		return FCFS
	}
}

// Pool declares one named capacity, e.g. usb_bandwidth or mount_slots.
type Pool struct {
	Type                 string        `json:"type"`
	Name                 string        `json:"name"`
	TotalCapacity        float64       `json:"totalCapacity"`
	ReservedCapacity     float64       `json:"reservedCapacity"`
	WarningThreshold     float64       `json:"warningThreshold"`
	CriticalThreshold    float64       `json:"criticalThreshold"`
	Overcommit           bool          `json:"overcommit"`
	OvercommitRatio      float64       `json:"overcommitRatio"`
	DefaultLeaseDuration time.Duration `json:"defaultLeaseDuration"`
}

// bound is the allocatable capacity: the reserve is held back, and
// overcommit stretches the total by its ratio.
func (p Pool) bound() float64 {
	c := p.TotalCapacity
	if p.Overcommit {
		c *= 1 + p.OvercommitRatio
	}
	return c - p.ReservedCapacity
}

// Constraint is one resource demand within a request.
type Constraint struct {
	Type      string  `json:"type"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Preferred float64 `json:"preferred"`
	Priority  int     `json:"priority"`
	Critical  bool    `json:"critical"`
}

// Request asks for capacity across one or more resource types.
type Request struct {
	ID                string              `json:"id"`
	DeviceName        string              `json:"deviceName"`
	Constraints       []Constraint        `json:"constraints"`
	Priority          domain.TaskPriority `json:"priority"`
	MaxWaitTime       time.Duration       `json:"maxWaitTime"`
	EstimatedDuration time.Duration       `json:"estimatedDuration"`
	AllowPartial      bool                `json:"allowPartial"`
	AllowPreemption   bool                `json:"allowPreemption"`
	PreferredNodes    []string            `json:"preferredNodes,omitempty"`
	ExcludedNodes     []string            `json:"excludedNodes,omitempty"`
	SubmittedAt       time.Time           `json:"submittedAt"`
}

// Lease records granted capacity with an expiry.
type Lease struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"requestId"`
	DeviceName   string             `json:"deviceName"`
	Amounts      map[string]float64 `json:"amounts"`
	GrantedAt    time.Time          `json:"grantedAt"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	Duration     time.Duration      `json:"duration"`
	RenewalCount int                `json:"renewalCount"`
	MaxRenewals  int                `json:"maxRenewals"`
}

// PoolStatus reports one pool's utilization.
type PoolStatus struct {
	Pool        Pool    `json:"pool"`
	Allocated   float64 `json:"allocated"`
	Free        float64 `json:"free"`
	Utilization float64 `json:"utilization"`
	Level       string  `json:"level"`
}

// EventEmitter publishes resource events. The event bus implements it.
type EventEmitter interface {
	Emit(domain.Event)
}

// Config tunes the manager.
type Config struct {
	// Policy orders queued requests.
	Policy Policy
	// DefaultLease applies when a pool declares no lease duration.
	DefaultLease time.Duration
	// MaxRenewals bounds lease renewals.
	MaxRenewals int
	// SweepInterval is the expiry sweep period.
	SweepInterval time.Duration
	// AutoOptimize logs optimization suggestions after each release.
	AutoOptimize bool
}

type allocResult struct {
	lease Lease
	err   error
}

type pending struct {
	req  *Request
	done chan allocResult
}

type poolState struct {
	spec      Pool
	allocated float64
	lastLevel string
}

type quotaKey struct {
	device string
	rtype  string
}

// Manager owns the pools, the request queue, and active leases. All
// state shares one mutex; events are emitted after it is released.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	bus     EventEmitter
	metrics *metrics.Registry

	mu     sync.Mutex
	pools  map[string]*poolState
	queue  []*pending
	leases map[string]*Lease
	quotas map[quotaKey]float64
	usage  map[quotaKey]float64
	rrLast string
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a manager and starts its lease expiry sweeper. bus and
// metricsReg may be nil.
func New(cfg Config, bus EventEmitter, metricsReg *metrics.Registry, logger zerolog.Logger) *Manager {
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = 5 * time.Minute
	}
	if cfg.MaxRenewals <= 0 {
		cfg.MaxRenewals = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "resource").Logger(),
		bus:     bus,
		metrics: metricsReg,
		pools:   make(map[string]*poolState),
		leases:  make(map[string]*Lease),
		quotas:  make(map[quotaKey]float64),
		usage:   make(map[quotaKey]float64),
		stop:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// CreatePool registers or reconfigures a pool. Reconfiguration keeps
// current allocations; renewals against a shrunken pool fail until
// usage drops back under the new bound.
func (m *Manager) CreatePool(p Pool) error {
	if p.Type == "" || p.TotalCapacity <= 0 {
		return fmt.Errorf("%w: pool needs a type and positive capacity", domain.ErrInvalidConfig)
	}
	if p.Name == "" {
		p.Name = p.Type
	}
	if p.WarningThreshold <= 0 {
		p.WarningThreshold = 0.75
	}
	if p.CriticalThreshold <= 0 {
		p.CriticalThreshold = 0.9
	}
	if p.DefaultLeaseDuration <= 0 {
		p.DefaultLeaseDuration = m.cfg.DefaultLease
	}

	m.mu.Lock()
	ps, ok := m.pools[p.Type]
	if ok {
		ps.spec = p
	} else {
		ps = &poolState{spec: p, lastLevel: "ok"}
		m.pools[p.Type] = ps
	}
	allocated, bound := ps.allocated, ps.spec.bound()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateQuota(p.Type, allocated, bound)
	}
	m.logger.Info().
		Str("pool", p.Type).
		Float64("capacity", p.TotalCapacity).
		Bool("overcommit", p.Overcommit).
		Msg("Resource pool configured")
	return nil
}

// RequestResources queues a request and returns its id. Queueing always
// succeeds while the manager is running; allocation happens either via
// AllocateResources or when a release frees capacity.
func (m *Manager) RequestResources(req Request) (string, error) {
	if len(req.Constraints) == 0 {
		return "", fmt.Errorf("%w: request carries no constraints", domain.ErrInvalidConfig)
	}
	if req.ID == "" {
		req.ID = "req-" + uuid.NewString()
	}
	req.SubmittedAt = time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", domain.ErrServiceStopped
	}
	m.queue = append(m.queue, &pending{
		req:  &req,
		done: make(chan allocResult, 1),
	})
	m.mu.Unlock()

	m.logger.Debug().
		Str("request", req.ID).
		Str("device", req.DeviceName).
		Int("constraints", len(req.Constraints)).
		Msg("Resource request queued")
	return req.ID, nil
}

// AllocateResources attempts synchronous allocation of a queued
// request. On failure the request stays queued for a later release to
// satisfy.
func (m *Manager) AllocateResources(requestID string) (Lease, error) {
	var evs []domain.Event

	m.mu.Lock()
	idx := -1
	for i, p := range m.queue {
		if p.req.ID == requestID {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID)
	}

	entry := m.queue[idx]
	lease, err := m.allocateLocked(entry.req)
	if err != nil {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordLease(false)
		}
		return Lease{}, err
	}

	m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
	entry.done <- allocResult{lease: *lease}
	evs = m.appendGrantEventsLocked(evs, lease)
	m.mu.Unlock()

	m.finishGrant(*lease, evs)
	return *lease, nil
}

// WaitForAllocation blocks until the request is allocated, its
// MaxWaitTime elapses, or ctx is cancelled. A request already turned
// into a lease resolves immediately.
func (m *Manager) WaitForAllocation(ctx context.Context, requestID string) (Lease, error) {
	m.mu.Lock()
	var entry *pending
	for _, p := range m.queue {
		if p.req.ID == requestID {
			entry = p
			break
		}
	}
	if entry == nil {
		for _, l := range m.leases {
			if l.RequestID == requestID {
				lease := *l
				m.mu.Unlock()
				return lease, nil
			}
		}
		m.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID)
	}
	maxWait := entry.req.MaxWaitTime
	m.mu.Unlock()

	var expire <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case res := <-entry.done:
		return res.lease, res.err
	case <-expire:
		m.dropRequest(requestID)
		return Lease{}, fmt.Errorf("%w: request %s waited %v", domain.ErrResourceExhausted, requestID, maxWait)
	case <-ctx.Done():
		m.dropRequest(requestID)
		return Lease{}, fmt.Errorf("wait for %s: %w", requestID, domain.ErrCancelled)
	}
}

// TryAllocate queues req and attempts immediate allocation. When
// capacity is short the request is withdrawn rather than left queued,
// so callers polling each scheduling cycle do not pile up stale
// requests.
func (m *Manager) TryAllocate(req Request) (Lease, error) {
	id, err := m.RequestResources(req)
	if err != nil {
		return Lease{}, err
	}
	lease, err := m.AllocateResources(id)
	if err != nil {
		m.dropRequest(id)
		return Lease{}, err
	}
	return lease, nil
}

// dropRequest removes a queued request without notifying its waiter.
func (m *Manager) dropRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.queue {
		if p.req.ID == requestID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// allocateLocked grants a request if every constraint fits, atomically.
// Preferred amounts fall back to the minimum when the request allows
// partial grants. Quotas are checked before pool capacity commits.
func (m *Manager) allocateLocked(req *Request) (*Lease, error) {
	grants := make(map[string]float64, len(req.Constraints))
	var leaseDur time.Duration

	for _, c := range req.Constraints {
		ps, ok := m.pools[c.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, c.Type)
		}

		want := c.Preferred
		if want <= 0 {
			want = c.Min
		}
		if want <= 0 {
			return nil, fmt.Errorf("%w: constraint %s has no amount", domain.ErrInvalidConfig, c.Type)
		}
		if c.Max > 0 && want > c.Max {
			want = c.Max
		}

		free := ps.spec.bound() - ps.allocated
		grant := want
		if grant > free {
			if req.AllowPartial && c.Min > 0 && c.Min <= free {
				grant = c.Min
			} else {
				return nil, fmt.Errorf("%w: %s wants %.2f, %.2f free", domain.ErrResourceExhausted, c.Type, want, free)
			}
		}

		key := quotaKey{device: req.DeviceName, rtype: c.Type}
		if q, ok := m.quotas[key]; ok && m.usage[key]+grant > q {
			return nil, fmt.Errorf("%w: device %s, %s quota %.2f", domain.ErrQuotaExceeded, req.DeviceName, c.Type, q)
		}

		grants[c.Type] = grant
		if d := ps.spec.DefaultLeaseDuration; d > leaseDur {
			leaseDur = d
		}
	}

	if req.EstimatedDuration > 0 {
		leaseDur = req.EstimatedDuration
	}
	if leaseDur <= 0 {
		leaseDur = m.cfg.DefaultLease
	}

	now := time.Now()
	lease := &Lease{
		ID:          "lease-" + uuid.NewString(),
		RequestID:   req.ID,
		DeviceName:  req.DeviceName,
		Amounts:     grants,
		GrantedAt:   now,
		ExpiresAt:   now.Add(leaseDur),
		Duration:    leaseDur,
		MaxRenewals: m.cfg.MaxRenewals,
	}
	for rtype, g := range grants {
		m.pools[rtype].allocated += g
		m.usage[quotaKey{device: req.DeviceName, rtype: rtype}] += g
	}
	m.leases[lease.ID] = lease
	return lease, nil
}

// ReleaseResources returns a lease's capacity, then lets queued
// requests claim the freed space in policy order.
func (m *Manager) ReleaseResources(leaseID string) error {
	var evs []domain.Event

	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrLeaseNotFound, leaseID)
	}
	released := *l
	m.releaseLocked(l)
	evs = append(evs, m.releaseEvent(released, "released"))
	granted := m.processQueueLocked()
	for _, g := range granted {
		evs = m.appendGrantEventsLocked(evs, g)
	}
	active := len(m.leases)
	m.mu.Unlock()

	m.emitAll(evs)
	if m.metrics != nil {
		m.metrics.UpdateActiveLeases(active)
		for range granted {
			m.metrics.RecordLease(true)
		}
	}
	if m.cfg.AutoOptimize {
		for _, s := range m.Optimize() {
			m.logger.Debug().Str("suggestion", s).Msg("Resource optimization")
		}
	}
	return nil
}

// releaseLocked returns the lease's amounts to their pools.
func (m *Manager) releaseLocked(l *Lease) {
	for rtype, g := range l.Amounts {
		if ps, ok := m.pools[rtype]; ok {
			ps.allocated -= g
			if ps.allocated < 0 {
				ps.allocated = 0
			}
		}
		key := quotaKey{device: l.DeviceName, rtype: rtype}
		if u := m.usage[key] - g; u > 0 {
			m.usage[key] = u
		} else {
			delete(m.usage, key)
		}
	}
	delete(m.leases, l.ID)
}

// RenewLease extends a lease by its original duration from now.
// Renewals are bounded by MaxRenewals and denied when a pool has been
// reconfigured below its current allocation.
func (m *Manager) RenewLease(leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrLeaseNotFound, leaseID)
	}
	if time.Now().After(l.ExpiresAt) {
		return fmt.Errorf("%w: %s", domain.ErrLeaseExpired, leaseID)
	}
	if l.RenewalCount >= l.MaxRenewals {
		return fmt.Errorf("%w: %s at %d renewals", domain.ErrRenewalExhausted, leaseID, l.RenewalCount)
	}
	for rtype := range l.Amounts {
		ps, ok := m.pools[rtype]
		if !ok || ps.allocated > ps.spec.bound() {
			return fmt.Errorf("%w: pool %s reconfigured below current allocation", domain.ErrResourceExhausted, rtype)
		}
	}

	l.ExpiresAt = time.Now().Add(l.Duration)
	l.RenewalCount++
	return nil
}

// SetQuota caps a (device, resource type) pair. A non-positive limit
// clears the quota.
func (m *Manager) SetQuota(deviceName, resourceType string, limit float64) {
	key := quotaKey{device: deviceName, rtype: resourceType}
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.quotas, key)
		return
	}
	m.quotas[key] = limit
}

// Quota returns the cap for a (device, resource type) pair.
func (m *Manager) Quota(deviceName, resourceType string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey{device: deviceName, rtype: resourceType}]
	return q, ok
}

// Usage reports allocation against one pool.
func (m *Manager) Usage(resourceType string) (allocated, capacity, free float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, found := m.pools[resourceType]
	if !found {
		return 0, 0, 0, false
	}
	bound := ps.spec.bound()
	return ps.allocated, bound, bound - ps.allocated, true
}

// PoolStatus reports every pool's utilization, sorted by type.
func (m *Manager) PoolStatus() []PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PoolStatus, 0, len(m.pools))
	for _, ps := range m.pools {
		bound := ps.spec.bound()
		util := 0.0
		if bound > 0 {
			util = ps.allocated / bound
		}
		out = append(out, PoolStatus{
			Pool:        ps.spec,
			Allocated:   ps.allocated,
			Free:        bound - ps.allocated,
			Utilization: util,
			Level:       levelFor(ps.spec, util),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool.Type < out[j].Pool.Type })
	return out
}

// Lease returns a snapshot of one lease.
func (m *Manager) Lease(leaseID string) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[leaseID]
	if !ok {
		return Lease{}, false
	}
	return *l, true
}

// Leases returns snapshots of all active leases.
func (m *Manager) Leases() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out
}

// QueueDepth returns the number of queued requests.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Optimize returns capacity suggestions derived from current state.
func (m *Manager) Optimize() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, ps := range m.pools {
		bound := ps.spec.bound()
		if bound <= 0 {
			continue
		}
		util := ps.allocated / bound
		if util >= ps.spec.CriticalThreshold {
			out = append(out, fmt.Sprintf("pool %s at %.0f%% utilization: expand capacity or enable overcommit", ps.spec.Type, util*100))
		}
	}
	if len(m.queue) > 0 {
		out = append(out, fmt.Sprintf("%d requests queued: consider raising pool capacity or relaxing quotas", len(m.queue)))
	}
	for key, q := range m.quotas {
		if u := m.usage[key]; u >= 0.9*q {
			out = append(out, fmt.Sprintf("device %s near its %s quota (%.2f of %.2f)", key.device, key.rtype, u, q))
		}
	}
	return out
}

// Close stops the sweeper and fails all queued waiters.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queue := m.queue
	m.queue = nil
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	for _, p := range queue {
		p.done <- allocResult{err: domain.ErrServiceStopped}
	}
	m.logger.Info().Msg("Resource manager closed")
}

// processQueueLocked backfills queued requests in policy order. Expired
// waits are dropped with an error; everything that fits is granted.
func (m *Manager) processQueueLocked() []*Lease {
	if len(m.queue) == 0 {
		return nil
	}

	ordered := make([]*pending, len(m.queue))
	copy(ordered, m.queue)
	m.sortLocked(ordered)

	var granted []*Lease
	remaining := m.queue[:0]
	allocatedIDs := make(map[string]bool)
	now := time.Now()

	for _, p := range ordered {
		if w := p.req.MaxWaitTime; w > 0 && now.Sub(p.req.SubmittedAt) > w {
			p.done <- allocResult{err: fmt.Errorf("%w: request %s waited %v", domain.ErrResourceExhausted, p.req.ID, w)}
			allocatedIDs[p.req.ID] = true
			continue
		}
		lease, err := m.allocateLocked(p.req)
		if err != nil {
			continue
		}
		p.done <- allocResult{lease: *lease}
		allocatedIDs[p.req.ID] = true
		granted = append(granted, lease)
		m.rrLast = p.req.DeviceName
	}

	for _, p := range m.queue {
		if !allocatedIDs[p.req.ID] {
			remaining = append(remaining, p)
		}
	}
	m.queue = remaining
	return granted
}

// sortLocked orders pending requests by the effective policy.
func (m *Manager) sortLocked(ps []*pending) {
	policy := m.cfg.Policy
	if policy == Adaptive {
		// Under contention by a single device, fairness beats priority.
		if m.maxDeviceShareLocked() > 0.5 {
			policy = FairShare
		} else {
			policy = Priority
		}
	}

	switch policy {
	case Priority:
		sort.SliceStable(ps, func(i, j int) bool {
			if ps[i].req.Priority != ps[j].req.Priority {
				return ps[i].req.Priority < ps[j].req.Priority
			}
			return ps[i].req.SubmittedAt.Before(ps[j].req.SubmittedAt)
		})
	case ShortestJob:
		sort.SliceStable(ps, func(i, j int) bool {
			return jobLength(ps[i].req) < jobLength(ps[j].req)
		})
	case FairShare:
		sort.SliceStable(ps, func(i, j int) bool {
			si, sj := m.deviceShareLocked(ps[i].req.DeviceName), m.deviceShareLocked(ps[j].req.DeviceName)
			if si != sj {
				return si < sj
			}
			return ps[i].req.SubmittedAt.Before(ps[j].req.SubmittedAt)
		})
	case RoundRobin:
		rank := m.deviceRanksLocked(ps)
		sort.SliceStable(ps, func(i, j int) bool {
			ri, rj := rank[ps[i].req.DeviceName], rank[ps[j].req.DeviceName]
			if ri != rj {
				return ri < rj
			}
			return ps[i].req.SubmittedAt.Before(ps[j].req.SubmittedAt)
		})
	default: // FCFS
		sort.SliceStable(ps, func(i, j int) bool {
			return ps[i].req.SubmittedAt.Before(ps[j].req.SubmittedAt)
		})
	}
}

// jobLength treats an unknown estimate as the longest job.
func jobLength(r *Request) time.Duration {
	if r.EstimatedDuration <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return r.EstimatedDuration
}

// deviceShareLocked sums a device's allocated amounts across all types.
func (m *Manager) deviceShareLocked(deviceName string) float64 {
	var sum float64
	for key, u := range m.usage {
		if key.device == deviceName {
			sum += u
		}
	}
	return sum
}

// maxDeviceShareLocked returns the largest single-device fraction of
// everything currently allocated.
func (m *Manager) maxDeviceShareLocked() float64 {
	var total float64
	byDevice := make(map[string]float64)
	for key, u := range m.usage {
		byDevice[key.device] += u
		total += u
	}
	if total == 0 {
		return 0
	}
	var max float64
	for _, u := range byDevice {
		if f := u / total; f > max {
			max = f
		}
	}
	return max
}

// deviceRanksLocked rotates device order so the device after the last
// served one goes first.
func (m *Manager) deviceRanksLocked(ps []*pending) map[string]int {
	seen := make(map[string]bool)
	devices := make([]string, 0, len(ps))
	for _, p := range ps {
		if !seen[p.req.DeviceName] {
			seen[p.req.DeviceName] = true
			devices = append(devices, p.req.DeviceName)
		}
	}
	sort.Strings(devices)

	offset := 0
	for i, d := range devices {
		if d == m.rrLast {
			offset = i + 1
			break
		}
	}

	rank := make(map[string]int, len(devices))
	n := len(devices)
	for i, d := range devices {
		rank[d] = (i - offset + n) % n
	}
	return rank
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep releases expired leases and backfills the queue with the freed
// capacity.
func (m *Manager) sweep() {
	var evs []domain.Event

	m.mu.Lock()
	now := time.Now()
	for _, l := range m.leases {
		if now.After(l.ExpiresAt) {
			released := *l
			m.releaseLocked(l)
			evs = append(evs, m.releaseEvent(released, "expired"))
		}
	}
	granted := m.processQueueLocked()
	for _, g := range granted {
		evs = m.appendGrantEventsLocked(evs, g)
	}
	active := len(m.leases)
	m.mu.Unlock()

	if len(evs) == 0 {
		return
	}
	m.emitAll(evs)
	if m.metrics != nil {
		m.metrics.UpdateActiveLeases(active)
		for range granted {
			m.metrics.RecordLease(true)
		}
	}
}

// appendGrantEventsLocked collects the grant event plus any threshold
// crossing events for the pools the lease touched.
func (m *Manager) appendGrantEventsLocked(evs []domain.Event, l *Lease) []domain.Event {
	ev := domain.NewEvent(domain.EventResourceGranted, l.DeviceName, "", "resources granted")
	ev.Source = "resource"
	ev.Data = map[string]any{
		"leaseId":   l.ID,
		"requestId": l.RequestID,
		"amounts":   l.Amounts,
		"expiresAt": l.ExpiresAt.UnixMilli(),
	}
	evs = append(evs, ev)

	for rtype := range l.Amounts {
		if tev := m.thresholdEventLocked(rtype); tev != nil {
			evs = append(evs, *tev)
		}
	}
	return evs
}

func (m *Manager) releaseEvent(l Lease, reason string) domain.Event {
	ev := domain.NewEvent(domain.EventResourceReleased, l.DeviceName, "", "resources released")
	ev.Source = "resource"
	ev.Data = map[string]any{
		"leaseId":   l.ID,
		"requestId": l.RequestID,
		"amounts":   l.Amounts,
		"reason":    reason,
	}
	return ev
}

// thresholdEventLocked reports a pool's warning/critical crossing once
// per level change.
func (m *Manager) thresholdEventLocked(rtype string) *domain.Event {
	ps, ok := m.pools[rtype]
	if !ok {
		return nil
	}
	bound := ps.spec.bound()
	if bound <= 0 {
		return nil
	}
	util := ps.allocated / bound
	level := levelFor(ps.spec, util)
	if level == ps.lastLevel {
		return nil
	}
	ps.lastLevel = level
	if level == "ok" {
		return nil
	}

	ev := domain.NewEvent(domain.EventHealthChanged, ps.spec.Name, "", fmt.Sprintf("resource pool %s %s", rtype, level))
	ev.Source = "resource"
	ev.Data = map[string]any{
		"resource":    rtype,
		"level":       level,
		"utilization": util,
	}
	return &ev
}

func levelFor(p Pool, util float64) string {
	switch {
	case util >= p.CriticalThreshold:
		return "critical"
	case util >= p.WarningThreshold:
		return "warning"
	default:
		return "ok"
	}
}

func (m *Manager) finishGrant(l Lease, evs []domain.Event) {
	m.emitAll(evs)
	if m.metrics != nil {
		m.metrics.RecordLease(true)
		m.mu.Lock()
		active := len(m.leases)
		m.mu.Unlock()
		m.metrics.UpdateActiveLeases(active)
	}
	m.logger.Debug().
		Str("lease", l.ID).
		Str("device", l.DeviceName).
		Interface("amounts", l.Amounts).
		Msg("Resources granted")
}

func (m *Manager) emitAll(evs []domain.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range evs {
		m.bus.Emit(ev)
	}
}
