package pipeline_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/dedup"
	"github.com/regen-network/koi/pkg/eventbus"
	"github.com/regen-network/koi/pkg/ledger"
	"github.com/regen-network/koi/pkg/observability"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/store"
	joblease "github.com/regen-network/koi/pkg/store/ledger"
)

// fakeModels is a deterministic ModelService stub: enrichment appends a
// suffix, embedding returns a fixed vector, extraction returns one entity
// per call. None of it ever skips unless configured to.
type fakeModels struct {
	mu          sync.Mutex
	enrichCalls int
	embedCalls  int
	skipEnrich  bool
	skipExtract bool
}

func (f *fakeModels) Enrich(ctx context.Context, text string, priority float64) (string, pipeline.ModelCallInfo, error) {
	f.mu.Lock()
	f.enrichCalls++
	f.mu.Unlock()
	if f.skipEnrich {
		return "", pipeline.ModelCallInfo{Skipped: true, SkipReason: "budget"}, nil
	}
	return text + " [enriched]", pipeline.ModelCallInfo{Model: "test-model", Tokens: int64(len(text))}, nil
}

func (f *fakeModels) Embed(ctx context.Context, text string, priority float64) ([]float32, pipeline.ModelCallInfo, error) {
	f.mu.Lock()
	f.embedCalls++
	f.mu.Unlock()
	return []float32{1, 2, 3}, pipeline.ModelCallInfo{Model: "test-embedder", Tokens: int64(len(text))}, nil
}

func (f *fakeModels) ExtractEntities(ctx context.Context, markdown, ontologyRid string, priority float64) ([]pipeline.Entity, pipeline.ModelCallInfo, error) {
	if f.skipExtract {
		return nil, pipeline.ModelCallInfo{Skipped: true, SkipReason: "budget"}, nil
	}
	return []pipeline.Entity{{Name: "Ada Lovelace", Kind: "Person"}}, pipeline.ModelCallInfo{Model: "test-model"}, nil
}

func newTestEngine(t *testing.T) (*pipeline.Engine, *artifacts.Registry, *ledger.Ledger) {
	t.Helper()
	fileStore, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	registry := artifacts.NewRegistry(fileStore)

	rl := ledger.NewLedger(registry)
	bus := eventbus.NewBus(store.NewMemoryEventOutboxStore(), 0)
	checker := dedup.NewChecker(registry, dedup.Thresholds{})
	models := &fakeModels{}

	engine := pipeline.NewEngine(registry, rl, models, bus, checker, "orn:regen.ontology:default", "test-agent")
	return engine, registry, rl
}

func TestIngestFreshDocumentRunsFullPipeline(t *testing.T) {
	engine, _, rl := newTestEngine(t)

	result, err := engine.Ingest(context.Background(), pipeline.IngestRequest{
		SourceRid:    "orn:regen.source:notion/pageA",
		ContentBytes: []byte("Regen Network builds open source software for ecological accounting and measurement."),
		ContentType:  "text/plain",
		Priority:     0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusNew, result.Status)
	assert.Equal(t, "orn:regen.raw:notion/pageA", result.Rid)
	assert.GreaterOrEqual(t, len(result.Receipts), 5)

	ok, reason := rl.Verify()
	assert.True(t, ok, reason)
}

func TestIngestRecordsCompletedJobWhenLedgerConfigured(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	jobs, err := joblease.NewFileLedger(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)
	engine.Jobs = jobs

	_, err = engine.Ingest(context.Background(), pipeline.IngestRequest{
		SourceRid:    "orn:regen.source:notion/pageB",
		ContentBytes: []byte("tracked via the durable job ledger for multi-process visibility"),
		ContentType:  "text/plain",
		Priority:     0.5,
	})
	require.NoError(t, err)

	all, err := jobs.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, joblease.StateCompleted, all[0].State)
}

func TestIngestRecordsSLOObservationWhenTrackerConfigured(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	slo := observability.NewSLOTracker()
	slo.SetTarget(&observability.SLOTarget{
		SLOID: "ingest-availability", Operation: "ingest",
		LatencyP99: time.Minute, SuccessRate: 0.99, WindowHours: 24,
	})
	engine.SLO = slo

	_, err := engine.Ingest(context.Background(), pipeline.IngestRequest{
		SourceRid:    "orn:regen.source:notion/pageC",
		ContentBytes: []byte("observed by the SLO tracker for compliance reporting"),
		ContentType:  "text/plain",
		Priority:     0.5,
	})
	require.NoError(t, err)

	status, err := slo.Status("ingest")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.True(t, status.InCompliance)
}

func TestIngestExactDuplicateIsSkipped(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	content := []byte("identical content ingested twice for the exact-match dedup tier")

	first, err := engine.Ingest(ctx, pipeline.IngestRequest{
		SourceRid: "orn:regen.source:a", OriginalID: "doc-1",
		ContentBytes: content, ContentType: "text/plain",
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusNew, first.Status)

	second, err := engine.Ingest(ctx, pipeline.IngestRequest{
		SourceRid: "orn:regen.source:a", OriginalID: "doc-2",
		ContentBytes: content, ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDuplicate, second.Status)
	assert.Equal(t, first.Cid, second.Cid)
}

func TestIngestNearDuplicateIsMerged(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	base := "the quick brown fox jumps over the lazy dog near the riverbank at dawn"
	first, err := engine.Ingest(ctx, pipeline.IngestRequest{
		SourceRid: "orn:regen.source:b", OriginalID: "doc-1",
		ContentBytes: []byte(base), ContentType: "text/plain",
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusNew, first.Status)

	nearlySame := base + " today"
	second, err := engine.Ingest(ctx, pipeline.IngestRequest{
		SourceRid: "orn:regen.source:b", OriginalID: "doc-2",
		ContentBytes: []byte(nearlySame), ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusMerged, second.Status)
	assert.Equal(t, first.Cid, second.Cid)
}

func TestIngestEmbedNeverSkipsEvenWhenEnrichDoes(t *testing.T) {
	fileStore, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	registry := artifacts.NewRegistry(fileStore)
	rl := ledger.NewLedger(registry)
	bus := eventbus.NewBus(store.NewMemoryEventOutboxStore(), 0)
	checker := dedup.NewChecker(registry, dedup.Thresholds{})
	models := &fakeModels{skipEnrich: true}
	engine := pipeline.NewEngine(registry, rl, models, bus, checker, "orn:regen.ontology:default", "test-agent")

	result, err := engine.Ingest(context.Background(), pipeline.IngestRequest{
		SourceRid:    "orn:regen.source:c",
		ContentBytes: []byte("some plain english paragraph about regenerative agriculture practices"),
		ContentType:  "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusNew, result.Status)
	assert.Equal(t, 1, models.embedCalls, "embed must run even though enrich was skipped")
}

func TestIngestConcurrentIdenticalCallsCoalesce(t *testing.T) {
	engine, _, rl := newTestEngine(t)
	ctx := context.Background()
	content := []byte("concurrent ingest of the exact same source and original id")

	const n = 8
	results := make([]pipeline.IngestResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Ingest(ctx, pipeline.IngestRequest{
				SourceRid: "orn:regen.source:concurrent", OriginalID: "doc-1",
				ContentBytes: content, ContentType: "text/plain",
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Cid, results[i].Cid)
	}

	chain, err := rl.ChainFor(results[0].Rid)
	require.NoError(t, err)
	assert.NotEmpty(t, chain)
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Ingest(context.Background(), pipeline.IngestRequest{
		SourceRid: "orn:regen.source:d", ContentType: "text/plain",
	})
	assert.ErrorIs(t, err, pipeline.ErrEmptyContent)
}
