package inference

import (
	"context"
	"sync"

	"storyforge/internal/events"
	"storyforge/internal/logging"
)

// StreamBackend runs streaming requests in the background and reports them on
// the event bus: zero or more chunk events, then exactly one done or error
// event on the request's plan topics.
type StreamBackend struct {
	client Client
	bus    *events.Bus
	wg     sync.WaitGroup
}

// NewStreamBackend creates a backend publishing to bus.
func NewStreamBackend(client Client, bus *events.Bus) *StreamBackend {
	return &StreamBackend{client: client, bus: bus}
}

// Start begins req and returns immediately. Callers subscribe to the plan's
// topics before calling Start.
func (b *StreamBackend) Start(ctx context.Context, req Request) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx, req)
	}()
}

func (b *StreamBackend) run(ctx context.Context, req Request) {
	seq := 0
	resp, err := b.client.Stream(ctx, req, func(delta string) {
		seq++
		b.bus.Publish(events.Topic(events.KindChunk, req.PlanID), events.Chunk{PlanID: req.PlanID, Seq: seq, Delta: delta})
	})
	if err != nil {
		logging.StreamDebug("plan %s: stream failed: %v", req.PlanID, err)
		b.bus.Publish(events.Topic(events.KindError, req.PlanID), events.Error{PlanID: req.PlanID, Reason: err.Error(), Err: err})
		return
	}
	b.bus.Publish(events.Topic(events.KindDone, req.PlanID), events.Done{
		PlanID:       req.PlanID,
		FullText:     resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Model:        resp.Model,
	})
}

// Wait blocks until every started request has published its terminal event.
func (b *StreamBackend) Wait() {
	b.wg.Wait()
}
