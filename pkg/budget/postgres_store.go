package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Get(ctx context.Context, category Category) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT category, daily_limit, daily_used, last_updated FROM budgets WHERE category = $1",
		string(category))

	var b Budget
	err := row.Scan(&b.Category, &b.DailyLimit, &b.DailyUsed, &b.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil // not found is valid, enforcer will initialize
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

func (s *PostgresStorage) Set(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO budgets (category, daily_limit, daily_used, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			last_updated = EXCLUDED.last_updated
	`
	_, err := s.db.ExecContext(ctx, query, string(b.Category), b.DailyLimit, b.DailyUsed, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to persist budget: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Limit(ctx context.Context, category Category) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT daily_limit FROM budgets WHERE category = $1", string(category))
	var daily int64
	err := row.Scan(&daily)
	if err == sql.ErrNoRows {
		return defaultDailyLimitCents, nil
	}
	if err != nil {
		return 0, err
	}
	return daily, nil
}

func (s *PostgresStorage) SetLimit(ctx context.Context, category Category, daily int64) error {
	query := `
		INSERT INTO budgets (category, daily_limit, daily_used, last_updated)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (category) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit
	`
	_, err := s.db.ExecContext(ctx, query, string(category), daily)
	if err != nil {
		return fmt.Errorf("failed to set limit: %w", err)
	}
	return nil
}
