package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/regen-network/koi/pkg/api"
	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/budget"
	"github.com/regen-network/koi/pkg/config"
	"github.com/regen-network/koi/pkg/crypto"
	"github.com/regen-network/koi/pkg/dedup"
	"github.com/regen-network/koi/pkg/eventbus"
	"github.com/regen-network/koi/pkg/ledger"
	"github.com/regen-network/koi/pkg/llm"
	"github.com/regen-network/koi/pkg/llm/modelpolicy"
	"github.com/regen-network/koi/pkg/metering"
	"github.com/regen-network/koi/pkg/observability"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/query"
	"github.com/regen-network/koi/pkg/scheduler"
	"github.com/regen-network/koi/pkg/store"
	joblease "github.com/regen-network/koi/pkg/store/ledger"
)

// defaultOntologyRid is the unified ontology entity extraction is recorded
// against when the operator has not minted a project-specific one.
const defaultOntologyRid = "orn:regen.ontology:default"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI dispatcher, per §6's CLI surface.
//
// Exit codes: 0 success; 2 validation error; 3 budget exceeded;
// 4 backend unavailable; 1 other.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "ingest":
		return runIngestCmd(args[2:], stdout, stderr)
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "provenance":
		return runProvenanceCmd(args[2:], stdout, stderr)
	case "timeline":
		return runTimelineCmd(args[2:], stdout, stderr)
	case "jobs":
		return runJobsCmd(args[2:], stdout, stderr)
	case "slo":
		return runSLOCmd(args[2:], stdout, stderr)
	case "sli":
		return runSLICmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "koi — content-addressed knowledge ingestion and provenance engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  koi ingest <file> --source <rid> [--id <original-id>] [--type <contentType>]")
	fmt.Fprintln(w, "  koi resolve <rid|cid>")
	fmt.Fprintln(w, "  koi provenance <rid>")
	fmt.Fprintln(w, "  koi timeline <rid>")
	fmt.Fprintln(w, "  koi jobs")
	fmt.Fprintln(w, "  koi slo")
	fmt.Fprintln(w, "  koi sli")
	fmt.Fprintln(w, "  koi report")
	fmt.Fprintln(w, "  koi serve [--addr :8080]")
}

// node bundles the wiring every command needs: the Pipeline Engine for
// writes, the Query Interface for reads, and the underlying stores so
// CLI commands can report on them directly.
type node struct {
	cfg      *config.Config
	registry *artifacts.Registry
	ledger   *ledger.Ledger
	bus      *eventbus.Bus
	enforcer budget.Enforcer
	engine   *pipeline.Engine
	query    *query.Service
	meter    *metering.MemoryMeter
	timeline *observability.AuditTimeline
	jobs     joblease.Ledger
	slo      *observability.SLOTracker
	sli      *observability.SLIRegistry
}

func newNode() (*node, error) {
	cfg := config.Load()

	artifactStore, err := artifacts.NewStoreFromEnv(context.Background())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	registry := artifacts.NewRegistry(artifactStore)
	receiptLedger := ledger.NewLedger(registry)
	if signer, err := crypto.NewEd25519Signer("koi-processor-node"); err == nil {
		receiptLedger = receiptLedger.WithSigner(signer)
	}
	timeline := observability.NewAuditTimeline()
	receiptLedger = receiptLedger.WithTimeline(timeline)
	bus := eventbus.NewBus(store.NewMemoryEventOutboxStore(), 0)
	checker := dedup.NewChecker(registry, dedup.Thresholds{})

	profile, err := config.LoadProfile(filepath.Join("pkg", "config", "profiles"), "default")
	if err != nil {
		profile = &config.SchedulerProfile{Name: "default"}
	}
	enforcer := budget.NewSimpleEnforcer(budget.NewMemoryStorage())
	for category, cents := range profile.DailyBudget {
		_ = enforcer.SetLimit(context.Background(), budget.Category(category), cents)
	}

	router := buildRouter(cfg)
	meter := metering.NewMemoryMeter()
	sched := scheduler.New(profile, enforcer, router).WithMeter(meter).WithPolicy(buildPolicyEnforcer(cfg))

	entities := query.NewMemoryEntityIndex()
	engine := pipeline.NewEngine(registry, receiptLedger, sched, bus, checker, defaultOntologyRid, "koi-processor")
	engine.Entities = entities
	var jobs joblease.Ledger
	if fileJobs, err := joblease.NewFileLedger(filepath.Join(cfg.DataDir, "jobs.json")); err == nil {
		jobs = fileJobs
		engine.Jobs = fileJobs
	}

	slo := observability.NewSLOTracker()
	slo.SetTarget(&observability.SLOTarget{
		SLOID:       "ingest-availability",
		Name:        "document ingestion completes within its wall-clock budget",
		Operation:   "ingest",
		LatencyP99:  10 * time.Minute,
		SuccessRate: 0.99,
		WindowHours: 24,
	})
	engine.SLO = slo

	sli := observability.NewSLIRegistry()
	_ = sli.Register(&observability.SLI{
		SLIID:           "ingest-success-ratio",
		Name:            "ingestion calls that complete without error",
		Operation:       "ingest",
		Source:          observability.SLISourceMetric,
		Unit:            "%",
		GoodEventQuery:  `sum(rate(koi_ingest_total{outcome="success"}[5m]))`,
		TotalEventQuery: `sum(rate(koi_ingest_total[5m]))`,
	})
	_ = sli.LinkToSLO("ingest-success-ratio", "ingest-availability")

	vectors := query.NewRegistryVectorIndex(registry)
	queryEmbedder := &schedulerEmbedder{sched: sched}
	querySvc := query.NewService(registry, receiptLedger, queryEmbedder, vectors, entities)

	return &node{
		cfg: cfg, registry: registry, ledger: receiptLedger, bus: bus,
		enforcer: enforcer, engine: engine, query: querySvc, meter: meter,
		timeline: timeline, jobs: jobs, slo: slo, sli: sli,
	}, nil
}

// buildRouter wires the Scheduler's model clients per the configured
// embed provider: a local (zero-cost, test-shaped) embedder when
// KOI_EMBED_PROVIDER is "local" or no OpenAI key is present, otherwise
// the OpenAI embedder.
func buildRouter(cfg *config.Config) *llm.Router {
	apiKey := os.Getenv("OPENAI_API_KEY")
	high := llm.NewOpenAIClient(apiKey, cfg.TextModel)
	low := llm.NewOpenAIClient(apiKey, cfg.TextModel)

	var embedder llm.Embedder
	if cfg.EmbedProvider == "local" || apiKey == "" {
		embedder = localEmbedder{}
	} else {
		embedder = openAIEmbedderAdapter{inner: store.NewOpenAIEmbedder(apiKey)}
	}
	return llm.NewRouter(high, low, embedder)
}

// buildPolicyEnforcer loads a single default gateway policy derived from
// cfg: a hard ceiling on daily spend (mirroring cfg.DailyBudgetCents, but
// enforced per-model rather than per-category) and a concurrency cap
// mirroring cfg.MaxInFlight. It runs in enforce mode: a request that would
// breach the ceiling is blocked before it reaches the router.
func buildPolicyEnforcer(cfg *config.Config) *modelpolicy.Enforcer {
	enforcer := modelpolicy.NewEnforcer()
	_ = enforcer.LoadPolicy(&modelpolicy.Policy{
		PolicyID: "default",
		Version:  modelpolicy.PolicyVersion,
		Name:     "default node policy",
		Enabled:  true,
		BudgetConstraints: &modelpolicy.BudgetConstraints{
			DailyBudgetUSD:   float64(cfg.DailyBudgetCents) / 100.0,
			HardStopAtBudget: true,
		},
		RateLimits: &modelpolicy.RateLimits{
			ConcurrentRequests: cfg.MaxInFlight,
		},
		Enforcement: modelpolicy.Enforcement{
			Mode:       modelpolicy.EnforceModeEnforce,
			FailAction: modelpolicy.FailActionBlock,
		},
	})
	return enforcer
}

// localEmbedder is a deterministic, zero-cost fallback embedder for
// single-node deployments without a configured paid provider: each
// character's code is folded into a fixed-size vector by its byte
// position. It is not a
// semantic embedding, only a stand-in that keeps Search exercisable
// without external dependencies.
type localEmbedder struct{}

func (localEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const dims = 64
	vec := make([]float32, dims)
	for i, r := range text {
		vec[i%dims] += float32(r%97) / 97.0
	}
	return vec, nil
}

// openAIEmbedderAdapter adapts store.Embedder (used by the Query
// Interface) to llm.Embedder (used by the Scheduler's Router).
type openAIEmbedderAdapter struct {
	inner *store.OpenAIEmbedder
}

func (a openAIEmbedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := a.inner.Embed(ctx, text)
	return []float32(vec), err
}

// schedulerEmbedder adapts the Scheduler's ModelService.Embed (used by
// ingestion) to store.Embedder (used by the Query Interface's Search),
// so both paths route through the same budget/concurrency gate.
type schedulerEmbedder struct {
	sched *scheduler.Scheduler
}

func (e *schedulerEmbedder) Embed(ctx context.Context, text string) (store.Embedding, error) {
	vec, _, err := e.sched.Embed(ctx, text, 1.0)
	return store.Embedding(vec), err
}

func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var source, originalID, contentType string
	var priority float64
	cmd.StringVar(&source, "source", "", "source RID the ingested document belongs to (REQUIRED)")
	cmd.StringVar(&originalID, "id", "", "original ID within the source, if it differs from the file name")
	cmd.StringVar(&contentType, "type", "text/plain", "content type of the file")
	cmd.Float64Var(&priority, "priority", 0.5, "priority in [0,1] for model routing")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if source == "" || cmd.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: koi ingest <file> --source <rid> [--id <original-id>] [--type <contentType>]")
		return 2
	}

	data, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}

	result, err := n.engine.Ingest(context.Background(), pipeline.IngestRequest{
		SourceRid: source, OriginalID: originalID, ContentBytes: data,
		ContentType: contentType, Priority: priority,
	})
	return reportIngestOutcome(result, err, stdout, stderr)
}

func reportIngestOutcome(result pipeline.IngestResult, err error, stdout, stderr io.Writer) int {
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		switch {
		case errors.Is(err, pipeline.ErrBackendUnavailable):
			return 4
		case errors.Is(err, pipeline.ErrBudgetExceeded):
			return 3
		case errors.Is(err, pipeline.ErrEmptyContent), errors.Is(err, pipeline.ErrMalformedInput):
			return 2
		default:
			return 1
		}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if result.Status == pipeline.StatusFailed {
		return 1
	}
	return 0
}

func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: koi resolve <rid|cid>")
		return 2
	}
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	art, _, err := n.query.GetArtifact(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(art)
	return 0
}

func runProvenanceCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: koi provenance <rid>")
		return 2
	}
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	chain, err := n.query.Provenance(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(chain)
	return 0
}

// runTimelineCmd prints every audit timeline entry recorded against rid,
// oldest first: a flat, queryable view of its CAT history independent of
// walking the hash chain via `provenance`.
func runTimelineCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: koi timeline <rid>")
		return 2
	}
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	entries := n.timeline.Query(observability.TimelineQuery{Rid: args[0]})
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(entries)
	return 0
}

// runJobsCmd lists every ingestion job in the durable job ledger, whatever
// its state (in flight, completed, or failed), letting an operator inspect
// what a multi-process deployment is working on and has done.
func runJobsCmd(args []string, stdout, stderr io.Writer) int {
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	if n.jobs == nil {
		fmt.Fprintln(stdout, "[]")
		return 0
	}
	all, err := n.jobs.ListAll(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(all)
	return 0
}

// runSLOCmd prints the ingest operation's current compliance status
// against its latency/success-rate target.
func runSLOCmd(args []string, stdout, stderr io.Writer) int {
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	status, err := n.slo.Status("ingest")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
	return 0
}

// runSLICmd prints the Service Level Indicator definitions registered for
// the ingest operation, including which SLO each one feeds.
func runSLICmd(args []string, stdout, stderr io.Writer) int {
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(n.sli.ByOperation("ingest"))
	return 0
}

// runReportCmd prints per-day counts, costs, and skip reasons from the
// Receipt Ledger, per §6's `report` CLI command.
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}

	type dayStats struct {
		Date       string         `json:"date"`
		Operations map[string]int `json:"operations"`
		Tokens     int64          `json:"tokens"`
		SkipReason map[string]int `json:"skipReasons,omitempty"`
	}
	byDay := make(map[string]*dayStats)

	for _, rid := range n.registry.ByStage(artifacts.StageRaw) {
		chain, err := n.ledger.ChainFor(rid.Rid)
		if err != nil {
			continue
		}
		for _, cat := range chain {
			day := cat.Timestamp.Format("2006-01-02")
			d, ok := byDay[day]
			if !ok {
				d = &dayStats{Date: day, Operations: map[string]int{}, SkipReason: map[string]int{}}
				byDay[day] = d
			}
			d.Operations[cat.Operation]++
			d.Tokens += cat.Cost.Tokens
			if cat.Operation == "skip" {
				if reason, ok := cat.Recipe.Parameters["reason"].(string); ok {
					d.SkipReason[reason]++
				}
			}
		}
	}

	stats := make([]*dayStats, 0, len(byDay))
	for _, d := range byDay {
		stats = append(stats, d)
	}

	today := metering.DailyPeriod()
	todayUsage := make(map[string]int64)
	for _, category := range []string{string(budget.CategoryEnrichment), string(budget.CategoryEmbedding), string(budget.CategoryExtraction)} {
		tokens, err := n.meter.GetUsageByType(context.Background(), category, metering.EventLLMToken, today)
		if err == nil {
			todayUsage[category] = tokens
		}
	}

	report := struct {
		Days       []*dayStats      `json:"days"`
		TodayUsage map[string]int64 `json:"todayTokenUsageByCategory"`
	}{Days: stats, TodayUsage: todayUsage}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	return 0
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr string
	cmd.StringVar(&addr, "addr", "", "listen address, defaults to :$PORT")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	n, err := newNode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 4
	}
	if addr == "" {
		addr = ":" + n.cfg.Port
	}

	svc := api.NewMemoryService(n.engine, n.query)
	mux := http.NewServeMux()
	svc.Routes(mux)

	otelConfig := observability.DefaultConfig()
	otelConfig.Enabled = os.Getenv("KOI_OTEL_ENABLED") == "true"
	provider, err := observability.New(context.Background(), otelConfig)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	slog.Info("koi processor node listening", "addr", addr, "dataDir", n.cfg.DataDir)
	server := &http.Server{
		Addr:              addr,
		Handler:           tracedHandler(provider, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// tracedHandler wraps next with a span and RED metrics per request, named
// after the route pattern so /artifact/{rid} and /process are distinguished
// in traces without leaking path parameter values into span names.
func tracedHandler(p *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Method + " " + r.URL.Path
		if mux, ok := next.(*http.ServeMux); ok {
			if _, pattern := mux.Handler(r); pattern != "" {
				name = pattern
			}
		}
		ctx, done := p.TrackOperation(r.Context(), name)
		next.ServeHTTP(w, r.WithContext(ctx))
		done(nil)
	})
}
