package llm

import (
	"context"
	"fmt"
)

// Router implements the Scheduler & Cost Optimizer's priority-based
// model selection: requests with priority >= 0.8 go to the
// high-quality client, everything else to the cheaper one.
type Router struct {
	highQuality Client
	lowQuality  Client
	embedder    Embedder
}

func NewRouter(highQuality, lowQuality Client, embedder Embedder) *Router {
	return &Router{highQuality: highQuality, lowQuality: lowQuality, embedder: embedder}
}

const highQualityPriorityThreshold = 0.8

// Chat routes a request by priority. priority must be in [0,1]: values
// at or above the threshold use the high-quality client.
func (r *Router) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions, priority float64) (*Response, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("router: messages must not be empty")
	}
	if priority < 0 || priority > 1 {
		return nil, fmt.Errorf("router: priority must be in [0,1], got %f", priority)
	}

	if priority >= highQualityPriorityThreshold {
		return r.highQuality.Chat(ctx, msgs, tools, options)
	}
	return r.lowQuality.Chat(ctx, msgs, tools, options)
}

// Embed delegates to the configured embedder. Embedding stages prefer a
// local provider when one is configured; callers select that by
// constructing the Router with a local Embedder implementation.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("router: no embedder configured")
	}
	return r.embedder.Embed(ctx, text)
}
