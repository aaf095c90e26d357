package budget

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorageGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStorage(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"category", "daily_limit", "daily_used", "last_updated"}).
		AddRow("embedding", 1000, 100, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT category, daily_limit, daily_used, last_updated FROM budgets WHERE category = $1")).
		WithArgs("embedding").
		WillReturnRows(rows)

	b, err := store.Get(ctx, CategoryEmbedding)
	assert.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, CategoryEmbedding, b.Category)
	assert.Equal(t, int64(100), b.DailyUsed)
}

func TestPostgresStorageGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStorage(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT category, daily_limit, daily_used, last_updated FROM budgets WHERE category = $1")).
		WithArgs("extraction").
		WillReturnRows(sqlmock.NewRows([]string{"category", "daily_limit", "daily_used", "last_updated"}))

	b, err := store.Get(ctx, CategoryExtraction)
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestPostgresStorageSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStorage(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budgets")).
		WithArgs("enrichment", int64(1000), int64(200), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	b := &Budget{
		Category:    CategoryEnrichment,
		DailyLimit:  1000,
		DailyUsed:   200,
		LastUpdated: time.Now(),
	}

	err = store.Set(ctx, b)
	assert.NoError(t, err)
}

func TestPostgresStorageSetLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStorage(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budgets")).
		WithArgs("embedding", int64(5000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.SetLimit(ctx, CategoryEmbedding, 5000)
	assert.NoError(t, err)
}
