package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExtractEntitiesStage consumes the markdown artifact and the current
// unified ontology, producing entities carrying wasExtractedUsing and
// extractedAt. It is the second cost-skippable stage.
type ExtractEntitiesStage struct {
	Models      ModelService
	OntologyRid string
}

func (ExtractEntitiesStage) Name() string { return StageExtract }

func (s ExtractEntitiesStage) Process(ctx context.Context, d Doc) (StageOutput, error) {
	if len(d.Bytes) == 0 {
		return StageOutput{}, fmt.Errorf("%w: extract_entities received empty input", ErrEmptyContent)
	}

	entities, info, err := s.Models.ExtractEntities(ctx, string(d.Bytes), s.OntologyRid, d.Priority)
	if err != nil {
		return StageOutput{}, err
	}
	if info.Skipped {
		return StageOutput{Skipped: true, SkipReason: info.SkipReason, ModelInfo: info}, nil
	}

	for i := range entities {
		entities[i].SourceArtifactRid = d.Rid
		entities[i].WasExtractedUsing = s.OntologyRid
	}

	payload, err := json.Marshal(entities)
	if err != nil {
		return StageOutput{}, fmt.Errorf("pipeline: marshal entities: %w", err)
	}

	return StageOutput{Bytes: payload, Format: "application/json", Entities: entities, ModelInfo: info}, nil
}
