// Package scheduler implements the Scheduler & Cost Optimizer: the single
// process-wide gate any pipeline stage must pass through before it may
// call a priced external model. It enforces global concurrency, per-
// category daily budgets, cost-skip heuristics, and priority-based model
// routing, and retries transient failures with exponential backoff.
package scheduler

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/regen-network/koi/pkg/budget"
	"github.com/regen-network/koi/pkg/config"
	"github.com/regen-network/koi/pkg/llm"
	"github.com/regen-network/koi/pkg/llm/modelpolicy"
	"github.com/regen-network/koi/pkg/metering"
	"github.com/regen-network/koi/pkg/observability"
	"github.com/regen-network/koi/pkg/pipeline"
)

// costPerToken is a placeholder unit-cost model: one cent per ~750 tokens
// of input, rounded up. A real deployment would source this from the
// configured model's published pricing; the Scheduler only needs a
// monotonic, non-zero cost signal to exercise budget gating.
const costPerToken = 1.0 / 750.0

var codeFencePattern = regexp.MustCompile("```")

var codeFileExtensions = []string{".go", ".py", ".js", ".ts", ".java", ".rb", ".rs", ".c", ".cpp", ".sh"}

// Scheduler is the shared gate used by every EnrichStage/EmbedStage/
// ExtractEntitiesStage invocation across the process. It implements
// pipeline.ModelService.
type Scheduler struct {
	sem     *semaphore.Weighted
	budget  budget.Enforcer
	profile *config.SchedulerProfile
	router  *llm.Router
	clock   func() time.Time
	meter   metering.Meter
	policy  *modelpolicy.Enforcer
}

// New creates a Scheduler gating router calls with profile's concurrency,
// budget, and retry policy.
func New(profile *config.SchedulerProfile, enforcer budget.Enforcer, router *llm.Router) *Scheduler {
	maxInFlight := profile.Concurrency.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	return &Scheduler{
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		budget:  enforcer,
		profile: profile,
		router:  router,
		clock:   time.Now,
	}
}

// WithMeter attaches a usage meter: every successful model call records a
// token event against its cost category, backing the `report` command's
// per-day usage totals independently of the Receipt Ledger.
func (s *Scheduler) WithMeter(m metering.Meter) *Scheduler {
	s.meter = m
	return s
}

// WithPolicy attaches a model gateway policy enforcer: a per-provider/
// per-model ceiling (context size, temperature, RPM, USD budgets) checked
// in addition to the Scheduler's own category-level daily budgets. A
// request the policy denies never reaches the router, regardless of what
// the category budget would have allowed.
func (s *Scheduler) WithPolicy(p *modelpolicy.Enforcer) *Scheduler {
	s.policy = p
	return s
}

// checkPolicy asks the configured policy enforcer whether a call to model
// with the given token counts may proceed. A nil enforcer always allows.
func (s *Scheduler) checkPolicy(ctx context.Context, model string, inputTokens, outputTokens int, estimatedCostUSD float64) error {
	if s.policy == nil {
		return nil
	}
	result := s.policy.CheckRequest(ctx, "openai", model, inputTokens, outputTokens, 0, estimatedCostUSD)
	if !result.Allowed {
		return fmt.Errorf("%w: model policy denied %s: %v", pipeline.ErrBudgetExceeded, model, result.Violations)
	}
	return nil
}

// recordPolicyUsage reports a completed call's cost and token count to the
// policy enforcer's usage tracker, independent of recordUsage's category
// metering.
func (s *Scheduler) recordPolicyUsage(costUSD float64, tokens int) {
	if s.policy == nil {
		return
	}
	s.policy.RecordUsage(costUSD, tokens)
}

func (s *Scheduler) recordUsage(ctx context.Context, category string, tokens int) {
	if s.meter == nil || tokens <= 0 {
		return
	}
	_ = s.meter.Record(ctx, metering.Event{
		Category:  category,
		EventType: metering.EventLLMToken,
		Quantity:  int64(tokens),
		Timestamp: s.clock(),
	})
}

// Enrich gates and performs chunk enrichment. Skips (without consulting
// budget) when the content looks like code and SkipCode is set, or when
// it is smaller than MinTokens.
func (s *Scheduler) Enrich(ctx context.Context, text string, priority float64) (string, pipeline.ModelCallInfo, error) {
	if s.profile.Enrich.SkipCode && looksLikeCode(text) {
		return "", pipeline.ModelCallInfo{Skipped: true, SkipReason: "code"}, nil
	}
	if countTokens(text) < s.profile.Enrich.MinTokens {
		return "", pipeline.ModelCallInfo{Skipped: true, SkipReason: "small"}, nil
	}

	decision, err := s.budget.Check(ctx, budget.CategoryEnrichment, estimateCost(text))
	if err != nil {
		return "", pipeline.ModelCallInfo{}, err
	}
	observability.AddSpanEvent(ctx, "budget.checked", observability.BudgetOperation(string(budget.CategoryEnrichment), decision.Allowed)...)
	if !decision.Allowed {
		return "", pipeline.ModelCallInfo{Skipped: true, SkipReason: "budget"}, nil
	}

	model := s.profile.ModelFor(priority)
	inputTokens := countTokens(text)
	if err := s.checkPolicy(ctx, model, inputTokens, 0, costUSD(estimateCost(text))); err != nil {
		return "", pipeline.ModelCallInfo{Skipped: true, SkipReason: "policy"}, nil
	}

	var resp string
	attempts, err := s.withRetry(ctx, func() error {
		r, chatErr := s.call(ctx, func() (*llm.Response, error) {
			return s.router.Chat(ctx, []llm.Message{{Role: "user", Content: text}}, nil, nil, priority)
		})
		if chatErr != nil {
			return chatErr
		}
		resp = r.Content
		return nil
	})
	if err != nil {
		return "", pipeline.ModelCallInfo{Model: model, Attempts: attempts}, err
	}
	s.recordUsage(ctx, string(budget.CategoryEnrichment), inputTokens)
	s.recordPolicyUsage(costUSD(estimateCost(text)), inputTokens)
	return resp, pipeline.ModelCallInfo{Model: model, Attempts: attempts, Tokens: int64(inputTokens)}, nil
}

// Embed gates and performs chunk embedding. Per the Pipeline Engine's
// stage table, Embed may never be skipped: a paid provider's spend is
// still recorded against the embedding category for reporting, but a
// budget denial does not stop the call, only the free local provider is
// preferred when configured.
func (s *Scheduler) Embed(ctx context.Context, text string, priority float64) ([]float32, pipeline.ModelCallInfo, error) {
	if !strings.EqualFold(s.profile.Embed.Provider, "local") {
		decision, _ := s.budget.Check(ctx, budget.CategoryEmbedding, estimateCost(text))
		observability.AddSpanEvent(ctx, "budget.checked", observability.BudgetOperation(string(budget.CategoryEmbedding), decision.Allowed)...)
	}

	// Policy is not consulted here: per this Scheduler's contract, Embed may
	// never be skipped or blocked, only budget-tracked.
	inputTokens := countTokens(text)

	var vec []float32
	attempts, err := s.withRetry(ctx, func() error {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.sem.Release(1)
		v, embErr := s.router.Embed(ctx, text)
		if embErr != nil {
			return embErr
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, pipeline.ModelCallInfo{Model: s.profile.Embed.Provider, Attempts: attempts}, err
	}
	s.recordUsage(ctx, string(budget.CategoryEmbedding), inputTokens)
	s.recordPolicyUsage(costUSD(estimateCost(text)), inputTokens)
	return vec, pipeline.ModelCallInfo{Model: s.profile.Embed.Provider, Attempts: attempts, Tokens: int64(inputTokens)}, nil
}

// ExtractEntities gates and performs entity extraction.
func (s *Scheduler) ExtractEntities(ctx context.Context, markdown, ontologyRid string, priority float64) ([]pipeline.Entity, pipeline.ModelCallInfo, error) {
	decision, err := s.budget.Check(ctx, budget.CategoryExtraction, estimateCost(markdown))
	if err != nil {
		return nil, pipeline.ModelCallInfo{}, err
	}
	observability.AddSpanEvent(ctx, "budget.checked", observability.BudgetOperation(string(budget.CategoryExtraction), decision.Allowed)...)
	if !decision.Allowed {
		return nil, pipeline.ModelCallInfo{Skipped: true, SkipReason: "budget"}, nil
	}

	model := s.profile.ModelFor(priority)
	prompt := "Extract named entities (Person, Organization, Concept) from the following text as a structured list:\n\n" + markdown
	inputTokens := countTokens(markdown)
	if err := s.checkPolicy(ctx, model, inputTokens, 0, costUSD(estimateCost(markdown))); err != nil {
		return nil, pipeline.ModelCallInfo{Skipped: true, SkipReason: "policy"}, nil
	}

	var entities []pipeline.Entity
	attempts, err := s.withRetry(ctx, func() error {
		resp, chatErr := s.call(ctx, func() (*llm.Response, error) {
			return s.router.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, nil, priority)
		})
		if chatErr != nil {
			return chatErr
		}
		entities = parseEntities(resp.Content, ontologyRid, s.clock())
		return nil
	})
	if err != nil {
		return nil, pipeline.ModelCallInfo{Model: model, Attempts: attempts}, err
	}
	s.recordUsage(ctx, string(budget.CategoryExtraction), inputTokens)
	s.recordPolicyUsage(costUSD(estimateCost(markdown)), inputTokens)
	return entities, pipeline.ModelCallInfo{Model: model, Attempts: attempts}, nil
}

// call acquires the concurrency permit for the duration of one external
// model invocation, per §5's "work-item-local permit obtained from the
// scheduler semaphore". When a model policy is attached, its own
// concurrent-request slot is held for the same duration, so a policy's
// RateLimits.ConcurrentRequests ceiling is enforced against calls actually
// in flight rather than against a counter nothing ever increments.
func (s *Scheduler) call(ctx context.Context, fn func() (*llm.Response, error)) (*llm.Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	if s.policy != nil {
		s.policy.AcquireConcurrent()
		defer s.policy.ReleaseConcurrent()
	}
	return fn()
}

// withRetry retries fn on transient failure using the profile's backoff
// policy: exponential with a cap, jittered by up to ±1s, per §4.4.
func (s *Scheduler) withRetry(ctx context.Context, fn func() error) (attempts int, err error) {
	maxAttempts := s.profile.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 6
	}
	initial := time.Duration(s.profile.Retry.InitialMs) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	backoffCap := time.Duration(s.profile.Retry.CapMs) * time.Millisecond
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}

	for attempts = 1; attempts <= maxAttempts; attempts++ {
		err = fn()
		if err == nil {
			return attempts, nil
		}
		if !pipeline.IsTransient(err) {
			return attempts, err
		}
		if attempts == maxAttempts {
			return attempts, err
		}

		backoff := time.Duration(float64(initial) * math.Pow(2, float64(attempts-1)))
		if backoff > backoffCap {
			backoff = backoffCap
		}
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(backoff + jitter()):
		}
	}
	return attempts, err
}

// jitter returns a random duration in [-1s, +1s].
func jitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(2001))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()-1000) * time.Millisecond
}

func estimateCost(text string) budget.Cost {
	tokens := countTokens(text)
	cents := int64(math.Ceil(float64(tokens) * costPerToken))
	if cents < 1 {
		cents = 1
	}
	return budget.Cost{Amount: cents, Reason: "model_call"}
}

func costUSD(c budget.Cost) float64 {
	return float64(c.Amount) / 100.0
}

func countTokens(text string) int {
	return len(strings.Fields(text))
}

func looksLikeCode(text string) bool {
	if codeFencePattern.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, ext := range codeFileExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// parseEntities is a minimal, dependency-free extraction of "Name (Kind)"
// lines from a model's free-text response. A production ModelService
// would require a structured tool-call response instead; this keeps the
// Scheduler's contract testable without a live model.
func parseEntities(content, ontologyRid string, now time.Time) []pipeline.Entity {
	var entities []pipeline.Entity
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "-"))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, kind := splitNameKind(line)
		if name == "" {
			continue
		}
		entities = append(entities, pipeline.Entity{
			Kind:              kind,
			Name:              name,
			FirstSeen:         now,
			WasExtractedUsing: ontologyRid,
			ExtractedAt:       now,
		})
	}
	return entities
}

func splitNameKind(line string) (name, kind string) {
	open := strings.LastIndex(line, "(")
	shut := strings.LastIndex(line, ")")
	if open > 0 && shut > open {
		return strings.TrimSpace(line[:open]), strings.TrimSpace(line[open+1 : shut])
	}
	return strings.TrimSpace(line), "Concept"
}
