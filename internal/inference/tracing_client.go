package inference

import (
	"context"
	"time"

	"storyforge/internal/logging"
)

// TracingClient wraps any Client and logs every call to the api category.
type TracingClient struct {
	underlying Client
	provider   string
}

// NewTracingClient wraps c.
func NewTracingClient(provider string, c Client) *TracingClient {
	return &TracingClient{underlying: c, provider: provider}
}

// Stream implements Client.
func (t *TracingClient) Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	start := time.Now()
	deltas := 0
	resp, err := t.underlying.Stream(ctx, req, func(d string) {
		deltas++
		if onDelta != nil {
			onDelta(d)
		}
	})
	t.trace("stream", req, resp, err, time.Since(start), deltas)
	return resp, err
}

// Complete implements Client.
func (t *TracingClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := t.underlying.Complete(ctx, req)
	t.trace("complete", req, resp, err, time.Since(start), 0)
	return resp, err
}

func (t *TracingClient) trace(op string, req Request, resp Response, err error, dur time.Duration, deltas int) {
	if err != nil {
		logging.APIError("%s %s plan=%s model=%s failed after %v: %v", t.provider, op, req.PlanID, req.Model, dur, err)
		return
	}
	logging.API("%s %s plan=%s model=%s in=%d out=%d deltas=%d dur=%v",
		t.provider, op, req.PlanID, resp.Model, resp.InputTokens, resp.OutputTokens, deltas, dur)
}
