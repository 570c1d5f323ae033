// Package execution runs plans against the streaming backend and owns the
// cancellation bookkeeping that keeps late terminal events from being acted on.
package execution

import (
	"context"
	"fmt"
	"sync"

	"storyforge/internal/logging"
	"storyforge/internal/types"
)

type planState struct {
	epoch     uint64
	cancel    context.CancelFunc
	cancelled bool
}

// Controller maps live plan ids to abortable executions. Every plan carries
// an epoch; Cancel advances it, and a terminal event is only honoured when
// the epoch captured at Begin is still current.
type Controller struct {
	mu    sync.Mutex
	plans map[string]*planState
	// epochs outlive executions so a re-begun id can never match a stale epoch.
	epochs map[string]uint64
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{
		plans:  make(map[string]*planState),
		epochs: make(map[string]uint64),
	}
}

// Begin registers a live execution for planID and returns its epoch.
// cancel aborts the backend request.
func (c *Controller) Begin(planID string, cancel context.CancelFunc) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, live := c.plans[planID]; live {
		return 0, fmt.Errorf("plan %s: %w", planID, types.ErrPlanConsumed)
	}
	c.epochs[planID]++
	epoch := c.epochs[planID]
	c.plans[planID] = &planState{epoch: epoch, cancel: cancel}
	logging.StreamDebug("plan %s: begin epoch=%d", planID, epoch)
	return epoch, nil
}

// Cancel is advisory and idempotent. It bumps the plan's epoch and aborts the
// backend request. Unknown, finished, or already cancelled plans are a no-op.
// Returns whether this call did anything.
func (c *Controller) Cancel(planID string) bool {
	c.mu.Lock()
	st, live := c.plans[planID]
	if !live || st.cancelled {
		c.mu.Unlock()
		logging.StreamDebug("plan %s: cancel is a no-op", planID)
		return false
	}
	st.cancelled = true
	c.epochs[planID]++
	st.epoch = c.epochs[planID]
	cancel := st.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logging.Stream("plan %s: cancelled", planID)
	return true
}

// Valid reports whether epoch is still current for a live planID.
func (c *Controller) Valid(planID string, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, live := c.plans[planID]
	return live && !st.cancelled && st.epoch == epoch
}

// Finish releases the execution registered with epoch. Finishing with a
// stale epoch still releases the plan once it was cancelled.
func (c *Controller) Finish(planID string, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, live := c.plans[planID]
	if !live {
		return
	}
	if st.epoch == epoch || st.cancelled {
		delete(c.plans, planID)
	}
}

// Live returns the number of executions in flight.
func (c *Controller) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

// Forget drops the epoch history for planID. Call once a plan id is retired.
func (c *Controller) Forget(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, live := c.plans[planID]; !live {
		delete(c.epochs, planID)
	}
}
