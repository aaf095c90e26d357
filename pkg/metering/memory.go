package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter is an in-process Meter for single-node deployments and
// tests. PostgresMeter is the durable alternative for deployments that
// need usage history to survive a restart.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryMeter creates an empty in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{}
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	now := time.Now().UTC()
	batch := make([]Event, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		batch = append(batch, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, batch...)
	return nil
}

func (m *MemoryMeter) GetUsage(ctx context.Context, category string, period Period) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := &Usage{
		Category:   category,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for _, e := range m.events {
		if e.Category == category && !e.Timestamp.Before(period.Start) && e.Timestamp.Before(period.End) {
			usage.Totals[e.EventType] += e.Quantity
		}
	}
	return usage, nil
}

func (m *MemoryMeter) GetUsageByType(ctx context.Context, category string, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, category, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}
