package pipeline

import (
	"fmt"
	"sync"
	"time"

	"storyforge/internal/logging"
	"storyforge/internal/types"
)

// PlanStatus tracks where a plan is in its single-use lifecycle.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanDone      PlanStatus = "done"
	PlanCancelled PlanStatus = "cancelled"
)

type registryEntry struct {
	plan    *types.Plan
	status  PlanStatus
	touched time.Time
	// cancelRequested is set when Cancel arrives while the plan is executing.
	cancelRequested bool
}

// Registry holds the plans issued by one pipeline. A plan moves from pending
// to executing at most once; unconfirmed plans older than the TTL are pruned.
type Registry struct {
	mu    sync.Mutex
	plans map[string]*registryEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry. A non-positive ttl disables pruning.
func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{plans: make(map[string]*registryEntry), ttl: ttl, now: now}
}

// Put stores a freshly created plan as pending.
func (r *Registry) Put(plan *types.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = &registryEntry{plan: plan, status: PlanPending, touched: r.now()}
}

// Get returns the plan and its status.
func (r *Registry) Get(planID string) (*types.Plan, PlanStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plans[planID]
	if !ok {
		return nil, "", fmt.Errorf("plan %s: %w", planID, types.ErrUnknownPlan)
	}
	return e.plan, e.status, nil
}

// Take claims a pending plan for execution. A plan cancelled before it was
// taken yields types.ErrCancelled; any other non-pending plan is consumed.
func (r *Registry) Take(planID string) (*types.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, types.ErrUnknownPlan)
	}
	switch e.status {
	case PlanPending:
		e.status = PlanExecuting
		e.touched = r.now()
		return e.plan, nil
	case PlanCancelled:
		return nil, types.ErrCancelled
	default:
		return nil, fmt.Errorf("plan %s: %w", planID, types.ErrPlanConsumed)
	}
}

// RequestCancel marks a pending plan cancelled, or flags an executing one so
// the execution can observe the request even before it is abortable. It
// returns the status the plan was found in and whether this call changed
// anything. Done, cancelled, and unknown plans are left alone.
func (r *Registry) RequestCancel(planID string) (PlanStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plans[planID]
	if !ok {
		return "", false
	}
	switch e.status {
	case PlanPending:
		e.status = PlanCancelled
		e.touched = r.now()
		return PlanPending, true
	case PlanExecuting:
		first := !e.cancelRequested
		e.cancelRequested = true
		return PlanExecuting, first
	default:
		return e.status, false
	}
}

// CancelRequested reports whether Cancel was called while planID was executing.
func (r *Registry) CancelRequested(planID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plans[planID]
	return ok && e.cancelRequested
}

// Finish records the terminal status of an executing plan.
func (r *Registry) Finish(planID string, status PlanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.plans[planID]; ok && e.status == PlanExecuting {
		e.status = status
		e.touched = r.now()
	}
}

// Prune drops non-executing plans untouched for longer than the TTL and
// returns their ids.
func (r *Registry) Prune() []string {
	if r.ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	var pruned []string
	for id, e := range r.plans {
		if e.status == PlanExecuting || e.touched.After(cutoff) {
			continue
		}
		delete(r.plans, id)
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		logging.PlannerDebug("pruned %d stale plans", len(pruned))
	}
	return pruned
}

// Len returns the number of plans held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}
