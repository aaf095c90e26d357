package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory. Thread-safe via RWMutex.
type MemoryStorage struct {
	mu      sync.RWMutex
	budgets map[Category]*Budget
	limits  map[Category]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets: make(map[Category]*Budget),
		limits:  make(map[Category]int64),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, category Category) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[category]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil // not found is not an error
}

func (s *MemoryStorage) Set(ctx context.Context, budget *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *budget
	s.budgets[budget.Category] = &val
	return nil
}

func (s *MemoryStorage) Limit(ctx context.Context, category Category) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[category]; ok {
		return l, nil
	}
	return defaultDailyLimitCents, nil
}

func (s *MemoryStorage) SetLimit(ctx context.Context, category Category, daily int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[category] = daily
	return nil
}

// defaultDailyLimitCents is used when no limit has been set for a
// category with SetLimit: $10/day.
const defaultDailyLimitCents = 1000
