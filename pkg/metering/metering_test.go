package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/regen-network/koi/pkg/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockMeter implements Meter for testing
type MockMeter struct {
	events []metering.Event
}

func NewMockMeter() *MockMeter {
	return &MockMeter{events: make([]metering.Event, 0)}
}

func (m *MockMeter) Record(ctx context.Context, event metering.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MockMeter) RecordBatch(ctx context.Context, events []metering.Event) error {
	for _, e := range events {
		if err := m.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockMeter) GetUsage(ctx context.Context, category string, period metering.Period) (*metering.Usage, error) {
	usage := &metering.Usage{
		Category:   category,
		Period:     period,
		Totals:     make(map[metering.EventType]int64),
		LastUpdate: time.Now().UTC(),
	}

	for _, e := range m.events {
		if e.Category == category && !e.Timestamp.Before(period.Start) && e.Timestamp.Before(period.End) {
			usage.Totals[e.EventType] += e.Quantity
		}
	}

	return usage, nil
}

func (m *MockMeter) GetUsageByType(ctx context.Context, category string, eventType metering.EventType, period metering.Period) (int64, error) {
	usage, err := m.GetUsage(ctx, category, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}

func TestMeterRecordAndGetUsage(t *testing.T) {
	meter := NewMockMeter()
	ctx := context.Background()
	category := "embedding"

	events := []metering.Event{
		{Category: category, EventType: metering.EventIngestion, Quantity: 1},
		{Category: category, EventType: metering.EventIngestion, Quantity: 1},
		{Category: category, EventType: metering.EventLLMToken, Quantity: 1500},
		{Category: category, EventType: metering.EventCompute, Quantity: 3},
	}

	for _, e := range events {
		err := meter.Record(ctx, e)
		require.NoError(t, err)
	}

	usage, err := meter.GetUsage(ctx, category, metering.DailyPeriod())
	require.NoError(t, err)

	assert.Equal(t, category, usage.Category)
	assert.Equal(t, int64(2), usage.Totals[metering.EventIngestion])
	assert.Equal(t, int64(1500), usage.Totals[metering.EventLLMToken])
	assert.Equal(t, int64(3), usage.Totals[metering.EventCompute])
}

func TestMeterGetUsageByType(t *testing.T) {
	meter := NewMockMeter()
	ctx := context.Background()
	category := "enrichment"

	err := meter.RecordBatch(ctx, []metering.Event{
		{Category: category, EventType: metering.EventCompute, Quantity: 10},
		{Category: category, EventType: metering.EventCompute, Quantity: 5},
		{Category: category, EventType: metering.EventIngestion, Quantity: 100},
	})
	require.NoError(t, err)

	computed, err := meter.GetUsageByType(ctx, category, metering.EventCompute, metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(15), computed)
}

func TestMeterCategoryIsolation(t *testing.T) {
	meter := NewMockMeter()
	ctx := context.Background()

	_ = meter.Record(ctx, metering.Event{Category: "embedding", EventType: metering.EventIngestion, Quantity: 100})
	_ = meter.Record(ctx, metering.Event{Category: "extraction", EventType: metering.EventIngestion, Quantity: 50})

	usageA, _ := meter.GetUsage(ctx, "embedding", metering.DailyPeriod())
	usageB, _ := meter.GetUsage(ctx, "extraction", metering.DailyPeriod())

	assert.Equal(t, int64(100), usageA.Totals[metering.EventIngestion])
	assert.Equal(t, int64(50), usageB.Totals[metering.EventIngestion])
}

func TestPeriods(t *testing.T) {
	daily := metering.DailyPeriod()
	assert.True(t, daily.End.Sub(daily.Start) == 24*time.Hour)

	monthly := metering.MonthlyPeriod()
	assert.True(t, monthly.Start.Day() == 1)
	assert.True(t, monthly.End.After(monthly.Start))
}
