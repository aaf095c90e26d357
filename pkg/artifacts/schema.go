package artifacts

import "time"

// Stage names an artifact's position in the pipeline.
const (
	StageRaw        = "raw"
	StageNormalized = "normalized"
	StageMarkdown   = "markdown"
	StageChunk      = "chunk"
	StageEnriched   = "enriched"
	StageEmbedding  = "embedding"
	StageEntity     = "entity"
)

// Artifact is a content-addressed record whose RID may map over time to
// different CIDs as content is revised. Only the current row has
// ValidTo == nil.
type Artifact struct {
	Rid       string            `json:"rid"`
	Cid       string            `json:"cid"`
	Format    string            `json:"format"`
	Stage     string            `json:"stage"`
	Size      int64             `json:"size"`
	CreatedAt time.Time         `json:"createdAt"`
	ValidFrom time.Time         `json:"validFrom"`
	ValidTo   *time.Time        `json:"validTo,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UpsertResult reports the effect of an upsertArtifact call.
type UpsertResult string

const (
	Created   UpsertResult = "created"
	Revised   UpsertResult = "revised"
	Unchanged UpsertResult = "unchanged"
)
