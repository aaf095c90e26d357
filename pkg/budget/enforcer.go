package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Storage persists per-category budget state.
type Storage interface {
	Get(ctx context.Context, category Category) (*Budget, error)
	Set(ctx context.Context, budget *Budget) error
	Limit(ctx context.Context, category Category) (daily int64, err error)
	SetLimit(ctx context.Context, category Category, daily int64) error
}

// SimpleEnforcer implements fail-closed, per-category budget enforcement
// per the Scheduler & Cost Optimizer policy: a category's spend resets
// daily at UTC midnight, and any storage error denies the request rather
// than letting it through unmetered.
type SimpleEnforcer struct {
	storage Storage
}

func NewSimpleEnforcer(s Storage) *SimpleEnforcer {
	return &SimpleEnforcer{storage: s}
}

func (e *SimpleEnforcer) GetBudget(ctx context.Context, category Category) (*Budget, error) {
	return e.storage.Get(ctx, category)
}

func (e *SimpleEnforcer) SetLimit(ctx context.Context, category Category, daily int64) error {
	return e.storage.SetLimit(ctx, category, daily)
}

// Check verifies a cost can be incurred in category. Fails closed on any error.
func (e *SimpleEnforcer) Check(ctx context.Context, category Category, cost Cost) (*Decision, error) {
	b, err := e.storage.Get(ctx, category)
	if err != nil {
		slog.Error("budget check failed", "category", category, "err", err)
		return &Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("check failed: %v", err),
			Receipt: e.createReceipt(category, "denied", cost.Amount, "internal_error"),
		}, err
	}

	if b == nil {
		daily, err := e.storage.Limit(ctx, category)
		if err != nil {
			slog.Error("budget limit fetch failed", "category", category, "err", err)
			return &Decision{
				Allowed: false,
				Reason:  "failed to fetch limit",
				Receipt: e.createReceipt(category, "denied", cost.Amount, "limit_fetch_error"),
			}, err
		}
		b = &Budget{Category: category, DailyLimit: daily, LastUpdated: time.Now()}
	}

	now := time.Now().UTC()
	if now.YearDay() != b.LastUpdated.YearDay() || now.Year() != b.LastUpdated.Year() {
		b.DailyUsed = 0
	}

	newDaily := b.DailyUsed + cost.Amount
	if newDaily > b.DailyLimit {
		slog.Warn("budget exceeded", "category", category, "attempted", newDaily, "limit", b.DailyLimit)
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("daily budget exceeded: %d > %d", newDaily, b.DailyLimit),
			Remaining: b,
			Receipt:   e.createReceipt(category, "denied", cost.Amount, "budget"),
		}, nil
	}

	b.DailyUsed = newDaily
	b.LastUpdated = now

	if err := e.storage.Set(ctx, b); err != nil {
		slog.Error("budget usage persist failed", "category", category, "err", err)
		return &Decision{
			Allowed: false,
			Reason:  "failed to persist usage",
			Receipt: e.createReceipt(category, "denied", cost.Amount, "persistence_error"),
		}, err
	}

	return &Decision{
		Allowed:   true,
		Reason:    "within limits",
		Remaining: b,
		Receipt:   e.createReceipt(category, "allowed", cost.Amount, "ok"),
	}, nil
}

func (e *SimpleEnforcer) createReceipt(category Category, action string, cost int64, reason string) *EnforcementReceipt {
	return &EnforcementReceipt{
		ID:        uuid.New().String(),
		Category:  category,
		Action:    action,
		CostCents: cost,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
