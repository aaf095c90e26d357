package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi/pkg/budget"
	"github.com/regen-network/koi/pkg/config"
	"github.com/regen-network/koi/pkg/llm"
	"github.com/regen-network/koi/pkg/llm/modelpolicy"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/scheduler"
)

type fakeClient struct {
	content    string
	failTimes  int
	calls      int32
	lastPrompt string
}

func (c *fakeClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition, opts *llm.SamplingOptions) (*llm.Response, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if len(msgs) > 0 {
		c.lastPrompt = msgs[0].Content
	}
	if int(n) <= c.failTimes {
		return nil, pipeline.ErrBackendUnavailable
	}
	return &llm.Response{Content: c.content}, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

type memEnforcer struct {
	budgets map[budget.Category]int64
}

func newMemEnforcer() *memEnforcer {
	return &memEnforcer{budgets: map[budget.Category]int64{
		budget.CategoryEnrichment: 1000,
		budget.CategoryEmbedding:  1000,
		budget.CategoryExtraction: 1000,
	}}
}

func (m *memEnforcer) Check(ctx context.Context, category budget.Category, cost budget.Cost) (*budget.Decision, error) {
	remaining := m.budgets[category]
	if cost.Amount > remaining {
		return &budget.Decision{Allowed: false, Reason: "budget"}, nil
	}
	m.budgets[category] -= cost.Amount
	return &budget.Decision{Allowed: true}, nil
}

func (m *memEnforcer) GetBudget(ctx context.Context, category budget.Category) (*budget.Budget, error) {
	return &budget.Budget{Category: category, DailyUsed: 1000 - m.budgets[category], DailyLimit: 1000}, nil
}

func (m *memEnforcer) SetLimit(ctx context.Context, category budget.Category, daily int64) error {
	m.budgets[category] = daily
	return nil
}

func testProfile() *config.SchedulerProfile {
	return &config.SchedulerProfile{
		Name:        "test",
		Concurrency: config.ConcurrencyConfig{MaxInFlight: 4},
		Enrich:      config.EnrichConfig{SkipCode: true, MinTokens: 5},
		Embed:       config.EmbedConfig{Provider: "local"},
		Models:      config.ModelRoutingConfig{High: "gpt-high", Low: "gpt-low"},
		Retry:       config.RetryConfig{MaxAttempts: 3, InitialMs: 1, CapMs: 5},
	}
}

func TestEnrichSkipsCode(t *testing.T) {
	high := &fakeClient{content: "annotated"}
	low := &fakeClient{content: "annotated"}
	router := llm.NewRouter(high, low, &fakeEmbedder{})
	s := scheduler.New(testProfile(), newMemEnforcer(), router)

	out, info, err := s.Enrich(context.Background(), "```go\nfunc main() {}\n```", 0.5)
	require.NoError(t, err)
	assert.True(t, info.Skipped)
	assert.Equal(t, "code", info.SkipReason)
	assert.Empty(t, out)
	assert.Equal(t, int32(0), high.calls)
	assert.Equal(t, int32(0), low.calls)
}

func TestEnrichSkipsSmallText(t *testing.T) {
	high := &fakeClient{content: "x"}
	low := &fakeClient{content: "x"}
	router := llm.NewRouter(high, low, &fakeEmbedder{})
	s := scheduler.New(testProfile(), newMemEnforcer(), router)

	_, info, err := s.Enrich(context.Background(), "one two", 0.5)
	require.NoError(t, err)
	assert.True(t, info.Skipped)
	assert.Equal(t, "small", info.SkipReason)
}

func TestEnrichRoutesByPriority(t *testing.T) {
	high := &fakeClient{content: "high-quality result"}
	low := &fakeClient{content: "low-quality result"}
	router := llm.NewRouter(high, low, &fakeEmbedder{})
	s := scheduler.New(testProfile(), newMemEnforcer(), router)

	text := "this is a reasonably long piece of plain english text to enrich"

	out, info, err := s.Enrich(context.Background(), text, 0.9)
	require.NoError(t, err)
	assert.Equal(t, "high-quality result", out)
	assert.Equal(t, "gpt-high", info.Model)
	assert.Equal(t, int32(1), high.calls)
	assert.Equal(t, int32(0), low.calls)

	out2, info2, err := s.Enrich(context.Background(), text, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "low-quality result", out2)
	assert.Equal(t, "gpt-low", info2.Model)
	assert.Equal(t, int32(1), low.calls)
}

func TestEnrichDeniedByBudget(t *testing.T) {
	router := llm.NewRouter(&fakeClient{content: "x"}, &fakeClient{content: "x"}, &fakeEmbedder{})
	enforcer := newMemEnforcer()
	enforcer.budgets[budget.CategoryEnrichment] = 0
	s := scheduler.New(testProfile(), enforcer, router)

	_, info, err := s.Enrich(context.Background(), "this text is long enough to not be skipped for size", 0.5)
	require.NoError(t, err)
	assert.True(t, info.Skipped)
	assert.Equal(t, "budget", info.SkipReason)
}

func TestEnrichDeniedByPolicy(t *testing.T) {
	high := &fakeClient{content: "x"}
	router := llm.NewRouter(high, high, &fakeEmbedder{})
	policy := modelpolicy.NewEnforcer()
	require.NoError(t, policy.LoadPolicy(&modelpolicy.Policy{
		PolicyID: "test",
		Version:  modelpolicy.PolicyVersion,
		Enabled:  true,
		ModelConstraints: modelpolicy.ModelConstraints{
			DeniedModels: []string{"gpt-high"},
		},
		Enforcement: modelpolicy.Enforcement{Mode: modelpolicy.EnforceModeEnforce},
	}))
	s := scheduler.New(testProfile(), newMemEnforcer(), router).WithPolicy(policy)

	_, info, err := s.Enrich(context.Background(), "this text is long enough to not be skipped for size", 0.9)
	require.NoError(t, err)
	assert.True(t, info.Skipped)
	assert.Equal(t, "policy", info.SkipReason)
	assert.Equal(t, int32(0), high.calls)
}

func TestEnrichRetriesTransientFailures(t *testing.T) {
	high := &fakeClient{content: "ok", failTimes: 2}
	router := llm.NewRouter(high, high, &fakeEmbedder{})
	s := scheduler.New(testProfile(), newMemEnforcer(), router)

	out, info, err := s.Enrich(context.Background(), "this text is long enough to not be skipped for size", 0.9)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, info.Attempts)
}

func TestEnrichGivesUpAfterMaxAttempts(t *testing.T) {
	high := &fakeClient{content: "ok", failTimes: 10}
	router := llm.NewRouter(high, high, &fakeEmbedder{})
	s := scheduler.New(testProfile(), newMemEnforcer(), router)

	_, info, err := s.Enrich(context.Background(), "this text is long enough to not be skipped for size", 0.9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrBackendUnavailable))
	assert.Equal(t, 3, info.Attempts)
}

func TestEmbedLocalProviderBypassesBudget(t *testing.T) {
	router := llm.NewRouter(&fakeClient{}, &fakeClient{}, &fakeEmbedder{vec: []float32{0.1, 0.2}})
	enforcer := newMemEnforcer()
	enforcer.budgets[budget.CategoryEmbedding] = 0
	s := scheduler.New(testProfile(), enforcer, router)

	vec, info, err := s.Embed(context.Background(), "some text", 0.5)
	require.NoError(t, err)
	require.False(t, info.Skipped)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestEmbedPaidProviderNeverSkipsOnBudget(t *testing.T) {
	profile := testProfile()
	profile.Embed.Provider = "openai"
	router := llm.NewRouter(&fakeClient{}, &fakeClient{}, &fakeEmbedder{vec: []float32{1}})
	enforcer := newMemEnforcer()
	enforcer.budgets[budget.CategoryEmbedding] = 0
	s := scheduler.New(profile, enforcer, router)

	vec, info, err := s.Embed(context.Background(), "some text", 0.5)
	require.NoError(t, err)
	assert.False(t, info.Skipped)
	assert.Equal(t, []float32{1}, vec)
}

func TestExtractEntitiesParsesNameKindLines(t *testing.T) {
	high := &fakeClient{content: "- Ada Lovelace (Person)\n- Regen Network (Organization)\n"}
	router := llm.NewRouter(high, high, &fakeEmbedder{})
	s := scheduler.New(testProfile(), newMemEnforcer(), router)

	entities, info, err := s.ExtractEntities(context.Background(), "some markdown", "orn:regen.ontology:default", 0.9)
	require.NoError(t, err)
	require.False(t, info.Skipped)
	require.Len(t, entities, 2)
	assert.Equal(t, "Ada Lovelace", entities[0].Name)
	assert.Equal(t, "Person", entities[0].Kind)
	assert.Equal(t, "orn:regen.ontology:default", entities[0].WasExtractedUsing)
	assert.Equal(t, "Regen Network", entities[1].Name)
	assert.Equal(t, "Organization", entities[1].Kind)
}
