// Package pipeline implements the fixed-order stage engine that turns raw
// ingested bytes into normalized, chunked, embedded, enriched, and
// entity-extracted artifacts, each transformation recorded as a receipt.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/regen-network/koi/pkg/ledger"
)

// Stage names used in CAT recipes; artifactStageFor maps them to the
// Artifact Store's artifacts.Stage* values.
const (
	StageNormalize = "normalize"
	StageMarkdown  = "markdown"
	StageChunk     = "chunk"
	StageEnrich    = "enrich"
	StageEmbed     = "embed"
	StageExtract   = "extract_entities"
	StageDedup     = "deduplicate"
)

// Document states per the fixed per-input state machine.
type DocState string

const (
	StateReceived           DocState = "received"
	StateDeduped            DocState = "deduped"
	StateNormalized         DocState = "normalized"
	StateMarkdown           DocState = "markdown"
	StateChunked            DocState = "chunked"
	StatePublished          DocState = "published"
	StateDuplicateSkipped   DocState = "duplicate-skipped"
	StateDuplicateMerged    DocState = "duplicate-merged"
	StateFlaggedForReview   DocState = "flagged-for-review"
	StateFailedPermanent    DocState = "failed(permanent)"
)

// Error classes per §7. Stages return one of these wrapped errors so the
// Engine can decide retry vs. terminate without inspecting message text.
var (
	ErrEmptyContent     = errors.New("pipeline: empty content")
	ErrMalformedInput   = errors.New("pipeline: malformed input")
	ErrModelRejected    = errors.New("pipeline: model rejected request")
	ErrBudgetExceeded   = errors.New("pipeline: budget exceeded")
	ErrRateLimited      = errors.New("pipeline: rate limited")
	ErrBackendUnavailable = errors.New("pipeline: backend unavailable")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent reports whether err terminates the document.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedInput) || errors.Is(err, ErrModelRejected) || errors.Is(err, ErrBudgetExceeded)
}

// Doc is a unit of work flowing through the Engine: the bytes and identity
// of one stage's input, plus the RID the whole workflow is anchored to.
type Doc struct {
	Rid         string
	SourceRid   string
	OriginalID  string
	ContentType string
	Metadata    map[string]string
	Bytes       []byte
	Priority    float64
}

// Chunk is one token-windowed fragment of a markdown artifact. A chunk is
// never persisted as its own artifact row; the Engine stores one JSON
// manifest of a document's chunks, plus each chunk's derived
// embedding/enrichment outputs.
type Chunk struct {
	FragmentRid string
	Text        string
	StartToken  int
	EndToken    int
}

// Entity is an extracted concept referencing the artifact and ontology
// version it came from.
type Entity struct {
	Rid               string
	Kind              string
	Name              string
	Aliases           []string
	FirstSeen         time.Time
	Importance        float64
	SourceArtifactRid string
	WasExtractedUsing string
	ExtractedAt       time.Time
}

// ModelService is the sole capability through which stages reach external
// models. Stages MUST NOT perform network I/O directly so every priced call
// flows through the Scheduler & Cost Optimizer's gating.
type ModelService interface {
	// Enrich asks the routed chat model to annotate text, honoring
	// priority-based model selection.
	Enrich(ctx context.Context, text string, priority float64) (string, ModelCallInfo, error)
	// Embed produces a vector for text, preferring a local provider when
	// one is configured.
	Embed(ctx context.Context, text string, priority float64) ([]float32, ModelCallInfo, error)
	// ExtractEntities asks the routed model to extract entities and
	// relations from markdown text.
	ExtractEntities(ctx context.Context, markdown string, ontologyRid string, priority float64) ([]Entity, ModelCallInfo, error)
}

// ModelCallInfo records what a ModelService call actually did, so the
// Engine can populate CAT recipe/cost fields and decide skip vs. proceed.
type ModelCallInfo struct {
	Model      string
	Skipped    bool
	SkipReason string // "budget" | "code" | "small" | "policy" | ""
	Attempts   int
	Tokens     int64
}

// StageOutput is what a stage hands back to the Engine: either produced
// bytes destined for the Artifact Store, or an explicit skip.
type StageOutput struct {
	Bytes      []byte
	Format     string
	Skipped    bool
	SkipReason string
	Entities   []Entity
	Chunks     []Chunk
	ModelInfo  ModelCallInfo
}

// Observer is the injected logging/tracing capability stages and the
// Engine report through; StageEvent carries enough context to reconstruct
// what happened without the core depending on a concrete logger.
type Observer interface {
	StageEvent(stage, rid string, state DocState, err error)
}

// NullObserver discards all events; the default when none is supplied.
type NullObserver struct{}

func (NullObserver) StageEvent(string, string, DocState, error) {}

// Receipts accumulates the CATs produced for one ingestion workflow, in
// the order they were appended, so the Ingestion API can return them
// alongside the final status.
type Receipts struct {
	items []ledger.CAT
}

func (r *Receipts) Add(cat ledger.CAT) { r.items = append(r.items, cat) }
func (r *Receipts) All() []ledger.CAT  { return r.items }
