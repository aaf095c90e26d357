package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/dedup"
	"github.com/regen-network/koi/pkg/eventbus"
	"github.com/regen-network/koi/pkg/identity"
	"github.com/regen-network/koi/pkg/ledger"
	"github.com/regen-network/koi/pkg/observability"
	"github.com/regen-network/koi/pkg/store"
	joblease "github.com/regen-network/koi/pkg/store/ledger"
)

// ArtifactStore is the capability the Engine needs from the content-
// addressed store and RID index, satisfied by *artifacts.Registry.
type ArtifactStore interface {
	PutBytes(ctx context.Context, data []byte) (string, error)
	CurrentCID(rid string) (string, error)
	UpsertArtifact(rid, cid, format, stage string, metadata map[string]string) (artifacts.UpsertResult, error)
}

// ReceiptLedger is the capability the Engine needs from the Receipt
// Ledger, satisfied by *ledger.Ledger.
type ReceiptLedger interface {
	Append(cat ledger.CAT) (ledger.AppendResult, error)
}

// EventPublisher is the capability the Engine needs from the Event Bus,
// satisfied by *eventbus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, kind, rid, cid string) (store.Event, error)
}

// DedupChecker is the capability the Engine needs from the deduplication
// policy, satisfied by *dedup.Checker.
type DedupChecker interface {
	Check(ctx context.Context, rid, cid string, bytes []byte) (dedup.Decision, error)
}

// EntityIndexer receives every batch of entities a successful extraction
// produces, so the Query Interface's entitiesOf/artifactsMentioning can
// answer without re-parsing artifact bytes. Satisfied by
// *query.MemoryEntityIndex; optional — NullEntityIndexer is the default.
type EntityIndexer interface {
	IndexEntities(rid, cid string, entities []Entity) error
}

// NullEntityIndexer discards entities; the default when none is supplied.
type NullEntityIndexer struct{}

func (NullEntityIndexer) IndexEntities(string, string, []Entity) error { return nil }

// IngestStatus is the document-level outcome of one Ingest call.
type IngestStatus string

const (
	StatusNew       IngestStatus = "new"
	StatusDuplicate IngestStatus = "duplicate"
	StatusMerged    IngestStatus = "merged"
	StatusFlagged   IngestStatus = "flagged"
	StatusFailed    IngestStatus = "failed"
)

// IngestRequest is the Ingestion API's sole input shape.
type IngestRequest struct {
	SourceRid    string
	OriginalID   string
	ContentBytes []byte
	ContentType  string
	Metadata     map[string]string
	Priority     float64
}

// IngestResult is the Ingestion API's sole output shape.
type IngestResult struct {
	Status   IngestStatus
	Rid      string
	Cid      string
	Receipts []ledger.CAT
}

// Engine is the Pipeline Engine: it owns the fixed 7-stage execution
// order, per-RID write serialization, and the Ingestion API contract.
// Its capabilities are all constructor-injected; it never reaches back
// into whatever wires it up.
type Engine struct {
	Store  ArtifactStore
	Ledger ReceiptLedger
	Models ModelService
	Events EventPublisher
	Dedup  DedupChecker

	OntologyRid string
	Agent       string
	Chunk       ChunkStage
	Observer    Observer
	Entities    EntityIndexer

	// Jobs, when set, tracks each Ingest call as a durable Obligation
	// (created, then moved to executing, completed or failed; no lease is
	// taken), giving a multi-process deployment a
	// queryable view of in-flight/pending ingestion work that survives
	// any single node's restart. Nil disables job tracking.
	Jobs joblease.Ledger

	// SLO, when set, records one observation per Ingest call against the
	// "ingest" operation, feeding compliance/burn-rate reporting without
	// the Engine needing to know how that reporting is consumed.
	SLO *observability.SLOTracker

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	group singleflight.Group
}

// NewEngine wires an Engine from its injected capabilities.
func NewEngine(artifactStore ArtifactStore, receiptLedger ReceiptLedger, models ModelService, events EventPublisher, dd DedupChecker, ontologyRid, agent string) *Engine {
	return &Engine{
		Store:       artifactStore,
		Ledger:      receiptLedger,
		Models:      models,
		Events:      events,
		Dedup:       dd,
		OntologyRid: ontologyRid,
		Agent:       agent,
		Chunk:       NewChunkStage(0, 0),
		Observer:    NullObserver{},
		Entities:    NullEntityIndexer{},
		locks:       make(map[string]*sync.Mutex),
	}
}

// Ingest implements the Ingestion API: validate, dedup, and on new/flagged
// documents run the fixed pipeline, returning a single document-level
// outcome. Repeated calls with the same (sourceRid, originalId) — even
// concurrently — are coalesced via singleflight and converge on the same
// result because every write downstream (UpsertArtifact, ledger.Append)
// is itself idempotent on (rid, cid) and catId.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if len(req.ContentBytes) == 0 {
		return IngestResult{}, fmt.Errorf("%w: ingest received empty content", ErrEmptyContent)
	}
	if req.ContentType == "" {
		return IngestResult{}, fmt.Errorf("%w: ingest requires a content type", ErrMalformedInput)
	}

	key := req.SourceRid + "\x00" + req.OriginalID
	jobID := e.trackJobStart(ctx, key)
	started := time.Now()
	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.ingestOnce(ctx, req)
	})
	e.trackJobEnd(ctx, jobID, err)
	if e.SLO != nil {
		e.SLO.Record(observability.SLOObservation{
			Operation: "ingest",
			Latency:   time.Since(started),
			Success:   err == nil,
		})
	}
	if err != nil {
		return IngestResult{}, err
	}
	return v.(IngestResult), nil
}

// trackJobStart records an Obligation for this ingest call when a job
// ledger is configured, so a multi-process deployment can observe
// in-flight ingestion work via ListPending/ListAll. Best-effort: tracking
// failures never block ingestion, and the returned ID is empty when
// tracking is disabled or the create failed.
func (e *Engine) trackJobStart(ctx context.Context, key string) string {
	if e.Jobs == nil {
		return ""
	}
	id := fmt.Sprintf("job:%x:%d", sha256.Sum256([]byte(key)), time.Now().UnixNano())
	obl := joblease.Obligation{
		ID:             id,
		IdempotencyKey: key,
		Intent:         "ingest:" + key,
	}
	if err := e.Jobs.Create(ctx, obl); err != nil {
		return ""
	}
	_ = e.Jobs.UpdateState(ctx, id, joblease.StateExecuting, nil)
	return id
}

func (e *Engine) trackJobEnd(ctx context.Context, jobID string, err error) {
	if e.Jobs == nil || jobID == "" {
		return
	}
	state := joblease.StateCompleted
	var details map[string]any
	if err != nil {
		state = joblease.StateFailed
		details = map[string]any{"error": err.Error()}
	}
	_ = e.Jobs.UpdateState(ctx, jobID, state, details)
}

func (e *Engine) ingestOnce(ctx context.Context, req IngestRequest) (IngestResult, error) {
	rid, err := deriveRawRid(req.SourceRid, req.OriginalID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	unlock := e.lockRid(string(rid))
	defer unlock()

	e.Observer.StageEvent("ingest", string(rid), StateReceived, nil)

	cid := string(identity.HashCID(req.ContentBytes))
	receipts := &Receipts{}

	// Raw bytes are always stored before the dedup decision is appended:
	// the ledger requires a CAT's inputCid to already resolve in the
	// store, and storing content-addressed bytes is free (no priced
	// model call), so it does not violate "dedup runs before any paid
	// work".
	if _, err := e.Store.PutBytes(ctx, req.ContentBytes); err != nil {
		return IngestResult{}, fmt.Errorf("pipeline: put raw bytes: %w", err)
	}

	decision, err := e.Dedup.Check(ctx, string(rid), cid, req.ContentBytes)
	if err != nil {
		return IngestResult{}, fmt.Errorf("pipeline: dedup check: %w", err)
	}

	dedupCat, err := e.dedupCAT(decision, string(rid), cid)
	if err != nil {
		return IngestResult{}, err
	}
	if _, err := e.Ledger.Append(dedupCat); err != nil {
		return IngestResult{}, fmt.Errorf("pipeline: append dedup receipt: %w", err)
	}
	receipts.Add(dedupCat)
	observability.AddSpanEvent(ctx, "dedup.checked",
		observability.DedupOperation(fmt.Sprintf("%.2f", decision.Similarity), string(decision.Outcome))...)

	switch decision.Outcome {
	case dedup.OutcomeSkip:
		e.Observer.StageEvent(StageDedup, string(rid), StateDuplicateSkipped, nil)
		if _, err := e.Store.UpsertArtifact(string(rid), decision.MatchedCid, req.ContentType, artifacts.StageRaw, req.Metadata); err != nil {
			return IngestResult{}, fmt.Errorf("pipeline: map duplicate rid: %w", err)
		}
		return IngestResult{Status: StatusDuplicate, Rid: string(rid), Cid: decision.MatchedCid, Receipts: receipts.All()}, nil
	case dedup.OutcomeMerge:
		e.Observer.StageEvent(StageDedup, string(rid), StateDuplicateMerged, nil)
		if _, err := e.Store.UpsertArtifact(string(rid), decision.MatchedCid, req.ContentType, artifacts.StageRaw, req.Metadata); err != nil {
			return IngestResult{}, fmt.Errorf("pipeline: map merged rid: %w", err)
		}
		return IngestResult{Status: StatusMerged, Rid: string(rid), Cid: decision.MatchedCid, Receipts: receipts.All()}, nil
	}

	if _, err := e.Store.UpsertArtifact(string(rid), cid, req.ContentType, artifacts.StageRaw, req.Metadata); err != nil {
		return IngestResult{}, fmt.Errorf("pipeline: upsert raw artifact: %w", err)
	}

	status := StatusNew
	if decision.Outcome == dedup.OutcomeFlag {
		status = StatusFlagged
		e.Observer.StageEvent(StageDedup, string(rid), StateFlaggedForReview, nil)
	}

	doc := Doc{
		Rid:         string(rid),
		SourceRid:   req.SourceRid,
		OriginalID:  req.OriginalID,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
		Bytes:       req.ContentBytes,
		Priority:    req.Priority,
	}

	if runErr := e.runPipeline(ctx, doc, receipts); runErr != nil {
		if IsPermanent(runErr) {
			e.Observer.StageEvent("pipeline", string(rid), StateFailedPermanent, runErr)
			return IngestResult{Status: StatusFailed, Rid: string(rid), Cid: cid, Receipts: receipts.All()}, nil
		}
		return IngestResult{}, runErr
	}

	if _, err := e.Events.Publish(ctx, eventbus.KindNew, string(rid), cid); err != nil {
		return IngestResult{}, fmt.Errorf("pipeline: publish event: %w", err)
	}
	e.Observer.StageEvent("ingest", string(rid), StatePublished, nil)

	return IngestResult{Status: status, Rid: string(rid), Cid: cid, Receipts: receipts.All()}, nil
}

// runPipeline executes stages 1-6 in fixed order over one document.
// Deduplicate (stage 7) already ran in ingestOnce before any paid work,
// per §4.5.
func (e *Engine) runPipeline(ctx context.Context, doc Doc, receipts *Receipts) error {
	normalizedRid, err := mintDerivedRid(doc.Rid, "normalized")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	normalizedOut, err := NormalizeStage{}.Process(ctx, doc)
	if err != nil {
		return err
	}
	normalized, err := e.writeStage(ctx, doc, normalizedOut, string(normalizedRid), ledger.Recipe{Stage: StageNormalize}, ledger.Cost{}, receipts)
	if err != nil {
		return err
	}
	e.Observer.StageEvent(StageNormalize, doc.Rid, StateNormalized, nil)

	markdownRid, err := mintDerivedRid(doc.Rid, "markdown")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	markdownOut, err := MarkdownStage{}.Process(ctx, normalized)
	if err != nil {
		return err
	}
	markdown, err := e.writeStage(ctx, normalized, markdownOut, string(markdownRid), ledger.Recipe{Stage: StageMarkdown}, ledger.Cost{}, receipts)
	if err != nil {
		return err
	}
	e.Observer.StageEvent(StageMarkdown, doc.Rid, StateMarkdown, nil)

	chunkOut, err := e.Chunk.Process(ctx, markdown)
	if err != nil {
		return err
	}

	chunkRid, err := mintDerivedRid(doc.Rid, "chunk")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	manifest, err := json.Marshal(chunkOut.Chunks)
	if err != nil {
		return fmt.Errorf("pipeline: marshal chunk manifest: %w", err)
	}
	if _, err := e.writeStage(ctx, markdown, StageOutput{Bytes: manifest, Format: "application/json"}, string(chunkRid), manifestRecipe(e.Chunk), ledger.Cost{}, receipts); err != nil {
		return err
	}
	e.Observer.StageEvent(StageChunk, doc.Rid, StateChunked, nil)

	for i, chunk := range chunkOut.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runChunk(ctx, doc, chunk, i, receipts); err != nil {
			return err
		}
	}

	entityRid, err := mintDerivedRid(doc.Rid, "entity")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := e.runExtract(ctx, markdown, string(entityRid), receipts); err != nil {
		return err
	}

	return nil
}

// runChunk enriches (optionally) and embeds a single chunk.
func (e *Engine) runChunk(ctx context.Context, doc Doc, chunk Chunk, index int, receipts *Receipts) error {
	chunkDoc := Doc{Rid: chunk.FragmentRid, Bytes: []byte(chunk.Text), ContentType: "text/plain", Priority: doc.Priority}

	enrichInput, err := e.runEnrich(ctx, chunkDoc, fmt.Sprintf("%s-enriched", chunk.FragmentRid), receipts)
	if err != nil {
		return err
	}
	return e.runEmbed(ctx, enrichInput, fmt.Sprintf("%s-embedding", chunk.FragmentRid), receipts)
}

func (e *Engine) runEnrich(ctx context.Context, input Doc, outputRid string, receipts *Receipts) (Doc, error) {
	out, err := (EnrichStage{Models: e.Models}).Process(ctx, input)
	if err != nil {
		return Doc{}, err
	}
	if out.Skipped {
		inputCid := identity.HashCID(input.Bytes)
		cat := e.skipCAT(StageEnrich, out.SkipReason, input.Rid, string(inputCid), outputRid)
		if _, err := e.Ledger.Append(cat); err != nil {
			return Doc{}, fmt.Errorf("pipeline: append enrich skip receipt: %w", err)
		}
		receipts.Add(cat)
		return input, nil
	}

	recipe := ledger.Recipe{Stage: StageEnrich, Model: out.ModelInfo.Model}
	return e.writeStage(ctx, input, out, outputRid, recipe, ledger.Cost{Tokens: out.ModelInfo.Tokens}, receipts)
}

func (e *Engine) runEmbed(ctx context.Context, input Doc, outputRid string, receipts *Receipts) error {
	out, err := (EmbedStage{Models: e.Models}).Process(ctx, input)
	if err != nil {
		return err
	}

	recipe := ledger.Recipe{Stage: StageEmbed, Model: out.ModelInfo.Model}
	if out.ModelInfo.Attempts > 1 {
		recipe.Parameters = map[string]interface{}{"attempts": out.ModelInfo.Attempts}
	}
	_, err = e.writeStage(ctx, input, out, outputRid, recipe, ledger.Cost{Tokens: out.ModelInfo.Tokens}, receipts)
	return err
}

func (e *Engine) runExtract(ctx context.Context, markdown Doc, outputRid string, receipts *Receipts) error {
	out, err := (ExtractEntitiesStage{Models: e.Models, OntologyRid: e.OntologyRid}).Process(ctx, markdown)
	if err != nil {
		return err
	}
	if out.Skipped {
		inputCid := identity.HashCID(markdown.Bytes)
		cat := e.skipCAT(StageExtract, out.SkipReason, markdown.Rid, string(inputCid), outputRid)
		if _, err := e.Ledger.Append(cat); err != nil {
			return fmt.Errorf("pipeline: append extract skip receipt: %w", err)
		}
		receipts.Add(cat)
		return nil
	}

	recipe := ledger.Recipe{Stage: StageExtract, Model: out.ModelInfo.Model, Parameters: map[string]interface{}{"ontologyRid": e.OntologyRid}}
	written, err := e.writeStage(ctx, markdown, out, outputRid, recipe, ledger.Cost{}, receipts)
	if err != nil {
		return err
	}
	if err := e.Entities.IndexEntities(written.Rid, string(identity.HashCID(written.Bytes)), out.Entities); err != nil {
		return fmt.Errorf("pipeline: index entities: %w", err)
	}
	return nil
}

// artifactStageFor maps a pipeline CAT operation's stage name to the
// Artifact Store's own stage vocabulary (pkg/artifacts.Stage*), which
// names an artifact's position in the store rather than the
// transformation that produced it.
func artifactStageFor(stage string) string {
	switch stage {
	case StageNormalize:
		return artifacts.StageNormalized
	case StageMarkdown:
		return artifacts.StageMarkdown
	case StageChunk:
		return artifacts.StageChunk
	case StageEnrich:
		return artifacts.StageEnriched
	case StageEmbed:
		return artifacts.StageEmbedding
	case StageExtract:
		return artifacts.StageEntity
	default:
		return stage
	}
}

// writeStage implements the atomic per-stage execution rule: compute
// inputCid from input.Bytes, compute outputCid from out.Bytes, write
// out.Bytes to the Artifact Store, upsert the output artifact under
// outputRid, and append the resulting CAT — in that order.
func (e *Engine) writeStage(ctx context.Context, input Doc, out StageOutput, outputRid string, recipe ledger.Recipe, cost ledger.Cost, receipts *Receipts) (Doc, error) {
	inputCid := identity.HashCID(input.Bytes)

	if _, err := e.Store.PutBytes(ctx, out.Bytes); err != nil {
		return Doc{}, fmt.Errorf("pipeline: put %s bytes: %w", recipe.Stage, err)
	}
	outputCid := identity.HashCID(out.Bytes)
	result, err := e.Store.UpsertArtifact(outputRid, string(outputCid), out.Format, artifactStageFor(recipe.Stage), nil)
	if err != nil {
		return Doc{}, fmt.Errorf("pipeline: upsert %s artifact: %w", recipe.Stage, err)
	}

	cat, err := e.transformCAT(recipe.Stage, input.Rid, string(inputCid), outputRid, string(outputCid), recipe, cost, result == artifacts.Unchanged)
	if err != nil {
		return Doc{}, err
	}
	if _, err := e.Ledger.Append(cat); err != nil {
		return Doc{}, fmt.Errorf("pipeline: append %s receipt: %w", recipe.Stage, err)
	}
	receipts.Add(cat)
	observability.AddSpanEvent(ctx, "cat.appended", observability.CATOperation(cat.CatID, cat.Operation, cat.Agent)...)
	observability.AddSpanEvent(ctx, "pipeline.stage", observability.PipelineOperation(outputRid, string(outputCid), recipe.Stage, "completed")...)

	return Doc{Rid: outputRid, Bytes: out.Bytes, ContentType: out.Format, Priority: input.Priority}, nil
}

func (e *Engine) transformCAT(operation, inputRid, inputCid, outputRid, outputCid string, recipe ledger.Recipe, cost ledger.Cost, unchanged bool) (ledger.CAT, error) {
	op := operation
	if unchanged {
		op = operation + ":unchanged"
	}
	if err := validateRecipe(recipe); err != nil {
		return ledger.CAT{}, err
	}
	hash, err := ledger.RecipeHash(recipe)
	if err != nil {
		return ledger.CAT{}, fmt.Errorf("pipeline: recipe hash: %w", err)
	}
	return ledger.CAT{
		CatID:     ledger.ComputeCatID(op, inputCid, outputCid, hash),
		Operation: op,
		Timestamp: time.Now().UTC(),
		InputRid:  inputRid,
		InputCid:  inputCid,
		OutputRid: outputRid,
		OutputCid: outputCid,
		Recipe:    recipe,
		Agent:     e.Agent,
		Cost:      cost,
	}, nil
}

func (e *Engine) skipCAT(stageName, reason, inputRid, inputCid, outputRid string) ledger.CAT {
	recipe := ledger.Recipe{Stage: stageName, Parameters: map[string]interface{}{"reason": reason}}
	hash, _ := ledger.RecipeHash(recipe)
	return ledger.CAT{
		CatID:     ledger.ComputeCatID("skip", inputCid, "", hash),
		Operation: "skip",
		Timestamp: time.Now().UTC(),
		InputRid:  inputRid,
		InputCid:  inputCid,
		OutputRid: outputRid,
		OutputCid: "",
		Recipe:    recipe,
		Agent:     e.Agent,
	}
}

// dedupCAT records the dedup decision. Only Skip/Merge point OutputCid at
// already-stored content (the matched artifact); None/Flag leave it empty
// since this receipt produces no output of its own — the raw artifact is
// written and recorded by the pipeline stages that follow, and an empty
// OutputCid skips the ledger's existence check on the output side.
func (e *Engine) dedupCAT(decision dedup.Decision, rid, cid string) (ledger.CAT, error) {
	operation := "dedup:" + string(decision.Outcome)
	recipe := ledger.Recipe{
		Stage: StageDedup,
		Parameters: map[string]interface{}{
			"similarity": decision.Similarity,
			"matchedRid": decision.MatchedRid,
		},
	}
	if err := validateRecipe(recipe); err != nil {
		return ledger.CAT{}, err
	}
	hash, _ := ledger.RecipeHash(recipe)
	var outputCid string
	if decision.Outcome == dedup.OutcomeSkip || decision.Outcome == dedup.OutcomeMerge {
		outputCid = decision.MatchedCid
	}
	return ledger.CAT{
		CatID:     ledger.ComputeCatID(operation, cid, outputCid, hash),
		Operation: operation,
		Timestamp: time.Now().UTC(),
		InputRid:  rid,
		InputCid:  cid,
		OutputRid: rid,
		OutputCid: outputCid,
		Recipe:    recipe,
		Agent:     e.Agent,
	}, nil
}

func manifestRecipe(c ChunkStage) ledger.Recipe {
	return ledger.Recipe{
		Stage: StageChunk,
		Parameters: map[string]interface{}{
			"targetTokens": c.TargetTokens,
			"overlap":      c.Overlap,
		},
	}
}

// lockRid returns an unlock function for the per-RID mutex guarding rid,
// implementing the required "at most one stage may be upserting
// artifacts for a given RID at a time" ordering guarantee.
func (e *Engine) lockRid(rid string) func() {
	e.mu.Lock()
	l, ok := e.locks[rid]
	if !ok {
		l = &sync.Mutex{}
		e.locks[rid] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// deriveRawRid mints the top-level raw-content RID for a document: same
// namespace and id as its source RID, type "raw". originalID overrides
// the id segment when the source path and the document's stable id
// within that source differ.
func deriveRawRid(sourceRid, originalID string) (identity.RID, error) {
	parsed, err := identity.ParseRID(sourceRid)
	if err != nil {
		return "", err
	}
	id := parsed.ID
	if originalID != "" {
		id = originalID
	}
	return identity.MintRID(parsed.Namespace, "raw", id)
}

// mintDerivedRid builds the RID for one stage's output artifact from the
// document's raw RID, reusing its namespace and id under a new type.
func mintDerivedRid(rawRid, typ string) (identity.RID, error) {
	parsed, err := identity.ParseRID(rawRid)
	if err != nil {
		return "", err
	}
	return identity.MintRID(parsed.Namespace, typ, parsed.ID)
}
