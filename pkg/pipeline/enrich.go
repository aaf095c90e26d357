package pipeline

import (
	"context"
	"fmt"
)

// EnrichStage asks the injected ModelService to annotate a chunk's text.
// It is the first of the two stages that may be skipped for cost: the
// ModelService itself applies the skip-code / min-tokens / budget
// heuristics (§4.8) and reports the outcome via ModelCallInfo.
type EnrichStage struct {
	Models ModelService
}

func (EnrichStage) Name() string { return StageEnrich }

func (s EnrichStage) Process(ctx context.Context, d Doc) (StageOutput, error) {
	if len(d.Bytes) == 0 {
		return StageOutput{}, fmt.Errorf("%w: enrich received empty input", ErrEmptyContent)
	}

	out, info, err := s.Models.Enrich(ctx, string(d.Bytes), d.Priority)
	if err != nil {
		return StageOutput{}, err
	}
	if info.Skipped {
		return StageOutput{Skipped: true, SkipReason: info.SkipReason, ModelInfo: info}, nil
	}
	return StageOutput{Bytes: []byte(out), Format: "text/plain", ModelInfo: info}, nil
}
