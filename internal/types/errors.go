package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrCancelled is returned by an execution whose plan was cancelled before its terminal event was honoured.
	ErrCancelled = errors.New("generation cancelled")
	// ErrUnknownPlan is returned when a plan id was never issued or has been pruned.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrPlanConsumed is returned when a plan has already been executed or cancelled.
	ErrPlanConsumed = errors.New("plan already consumed")
	// ErrPersistenceGuard marks a write refused because it would replace populated content with empty content.
	ErrPersistenceGuard = errors.New("refusing to overwrite non-empty content with empty content")
	// ErrUnknownModelPricing marks a cost lookup for a model missing from the pricing table.
	ErrUnknownModelPricing = errors.New("no pricing for model")
)

// ScopeResolutionError is fatal for plan creation: the scope root could not be read.
type ScopeResolutionError struct {
	Root string
	Err  error
}

func (e *ScopeResolutionError) Error() string {
	return fmt.Sprintf("resolve scope %s: %v", e.Root, e.Err)
}

func (e *ScopeResolutionError) Unwrap() error { return e.Err }

// StreamError is raised when the inference collaborator reports a terminal error event.
type StreamError struct {
	PlanID string
	Reason string
	Err    error
}

func (e *StreamError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("stream %s: %v", e.PlanID, e.Err)
	}
	return fmt.Sprintf("stream %s: %s", e.PlanID, e.Reason)
}

func (e *StreamError) Unwrap() error { return e.Err }

// PersistenceGuardRejection reports a refused write. It is non-fatal.
type PersistenceGuardRejection struct {
	Path string
}

func (e *PersistenceGuardRejection) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, ErrPersistenceGuard)
}

func (e *PersistenceGuardRejection) Unwrap() error { return ErrPersistenceGuard }
