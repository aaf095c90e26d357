// Package budget provides per-category daily spend enforcement with
// fail-closed behavior. When a check fails or is uncertain, work is
// denied rather than allowed to run unmetered.
package budget

import (
	"context"
	"time"
)

// Category is one of the cost-bearing pipeline stages.
type Category string

const (
	CategoryEnrichment Category = "enrichment"
	CategoryEmbedding  Category = "embedding"
	CategoryExtraction Category = "extraction"
)

// Cost represents a cost estimate for an operation, in USD cents.
type Cost struct {
	Amount int64
	Reason string
}

// Budget tracks a category's daily spend against its cap.
type Budget struct {
	Category    Category  `json:"category"`
	DailyLimit  int64     `json:"daily_limit"` // cents
	DailyUsed   int64     `json:"daily_used"`  // cents
	LastUpdated time.Time `json:"last_updated"`
}

// DailyRemaining returns how much budget is left for the day, floored at 0.
func (b *Budget) DailyRemaining() int64 {
	remaining := b.DailyLimit - b.DailyUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decision is the result of a budget check.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    string              `json:"reason"`
	Remaining *Budget             `json:"remaining,omitempty"`
	Receipt   *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt records one enforcement decision for audit.
type EnforcementReceipt struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Action    string    `json:"action"` // "allowed" or "denied"
	CostCents int64     `json:"cost_cents"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer gates category spend. Implementations must fail closed: any
// storage error results in denial, never silent allowance.
type Enforcer interface {
	Check(ctx context.Context, category Category, cost Cost) (*Decision, error)
	GetBudget(ctx context.Context, category Category) (*Budget, error)
	SetLimit(ctx context.Context, category Category, daily int64) error
}
