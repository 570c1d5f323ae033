package execution

import (
	"context"
	"sync"
	"time"

	"storyforge/internal/events"
	"storyforge/internal/inference"
	"storyforge/internal/logging"
	"storyforge/internal/types"
)

// progressBuffer bounds chunks queued for the caller; overflow is dropped.
const progressBuffer = 64

// Backend starts a streaming request that reports on the plan's event topics.
type Backend interface {
	Start(ctx context.Context, req inference.Request)
}

// Executor turns a streaming request into one typed result.
type Executor struct {
	bus        *events.Bus
	backend    Backend
	controller *Controller
}

// NewExecutor wires an executor.
func NewExecutor(bus *events.Bus, backend Backend, controller *Controller) *Executor {
	return &Executor{bus: bus, backend: backend, controller: controller}
}

// Controller returns the cancellation controller.
func (e *Executor) Controller() *Controller {
	return e.controller
}

// Run is one registered execution attempt. Its context is cancelled by
// Controller.Cancel; Release must be called exactly once.
type Run struct {
	planID     string
	ctx        context.Context
	cancel     context.CancelFunc
	epoch      uint64
	controller *Controller
}

// Context is cancelled when the run is cancelled or released.
func (r *Run) Context() context.Context { return r.ctx }

// Cancelled reports whether a cancel has invalidated this run's epoch.
func (r *Run) Cancelled() bool { return !r.controller.Valid(r.planID, r.epoch) }

// Release aborts anything still running under the run and unregisters it.
func (r *Run) Release() {
	r.cancel()
	r.controller.Finish(r.planID, r.epoch)
}

// Begin registers planID with the controller before the request is built,
// so a cancel issued while the caller is still preparing is not lost.
func (e *Executor) Begin(ctx context.Context, planID string) (*Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	epoch, err := e.controller.Begin(planID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Run{planID: planID, ctx: runCtx, cancel: cancel, epoch: epoch, controller: e.controller}, nil
}

// Execute registers req's plan, streams it, and releases it. See Stream.
func (e *Executor) Execute(ctx context.Context, req inference.Request, onChunk func(events.Chunk)) (types.ExecutionResult, error) {
	run, err := e.Begin(ctx, req.PlanID)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	defer run.Release()
	return e.Stream(ctx, run, req, onChunk)
}

// Stream subscribes to the plan's chunk, done, and error topics, starts the
// request under run, and blocks for the first terminal event. onChunk, when
// set, runs on the calling goroutine for each progress delta. The result is
// taken only from the done payload. A cancelled run returns
// types.ErrCancelled even if its terminal event arrives afterwards, and a run
// cancelled before Stream never reaches the backend.
func (e *Executor) Stream(ctx context.Context, run *Run, req inference.Request, onChunk func(events.Chunk)) (types.ExecutionResult, error) {
	planID := req.PlanID
	if run.Cancelled() {
		logging.Stream("plan %s: cancelled before the request was sent", planID)
		return types.ExecutionResult{}, types.ErrCancelled
	}

	progress := make(chan events.Chunk, progressBuffer)
	terminal := make(chan any, 1)

	var unsubs []func()
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			logging.StreamDebug("plan %s: subscriptions torn down", planID)
		})
	}
	onTerminal := func(p any) {
		select {
		case terminal <- p:
		default:
			logging.StreamWarn("plan %s: extra terminal event ignored", planID)
		}
		teardown()
	}

	unsubs = append(unsubs,
		e.bus.Subscribe(events.Topic(events.KindChunk, planID), func(p any) {
			c, ok := p.(events.Chunk)
			if !ok {
				return
			}
			select {
			case progress <- c:
			default:
			}
		}),
		e.bus.Subscribe(events.Topic(events.KindDone, planID), onTerminal),
		e.bus.Subscribe(events.Topic(events.KindError, planID), onTerminal),
	)
	defer teardown()

	start := time.Now()
	logging.Stream("plan %s: starting model=%s messages=%d", planID, req.Model, len(req.Messages))
	e.backend.Start(run.ctx, req)

	var event any
wait:
	for {
		select {
		case c := <-progress:
			if onChunk != nil {
				onChunk(c)
			}
		case event = <-terminal:
			break wait
		case <-ctx.Done():
			teardown()
			if run.Cancelled() {
				return types.ExecutionResult{}, types.ErrCancelled
			}
			logging.StreamWarn("plan %s: caller context done: %v", planID, ctx.Err())
			return types.ExecutionResult{}, ctx.Err()
		}
	}
	teardown()

	// Chunks published before the terminal event are still queued.
	for drained := false; !drained; {
		select {
		case c := <-progress:
			if onChunk != nil {
				onChunk(c)
			}
		default:
			drained = true
		}
	}

	if run.Cancelled() {
		kind := "done"
		if _, isErr := event.(events.Error); isErr {
			kind = "error"
		}
		logging.Stream("plan %s: discarded late %s event after cancel", planID, kind)
		logging.Audit().CancellationRace(planID, kind)
		return types.ExecutionResult{}, types.ErrCancelled
	}

	switch ev := event.(type) {
	case events.Done:
		logging.Stream("plan %s: done in %v (in=%d out=%d)", planID, time.Since(start), ev.InputTokens, ev.OutputTokens)
		return types.ExecutionResult{
			FullText:     ev.FullText,
			InputTokens:  ev.InputTokens,
			OutputTokens: ev.OutputTokens,
			Model:        ev.Model,
		}, nil
	case events.Error:
		logging.StreamError("plan %s: stream error: %s", planID, ev.Reason)
		return types.ExecutionResult{}, &types.StreamError{PlanID: planID, Reason: ev.Reason, Err: ev.Err}
	default:
		return types.ExecutionResult{}, &types.StreamError{PlanID: planID, Reason: "unexpected terminal payload"}
	}
}
