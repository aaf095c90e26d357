package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a FUN (Forget/Update/New) notification published after a
// successful pipeline run or an artifact deletion.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind string    `json:"kind"` // "forget" | "update" | "new"
	Rid  string    `json:"rid"`
	Cid  string    `json:"cid"`
	Ts   time.Time `json:"ts"`
}

// Delivery tracks one subscriber's outstanding, unacknowledged event.
type Delivery struct {
	SubscriberID string
	Seq          uint64
	DeliveredAt  time.Time
}

// EventOutboxStore durably persists published events and per-subscriber
// delivery/ack state so at-least-once delivery survives a process
// restart: a subscriber's cursor is only advanced on explicit ack.
type EventOutboxStore interface {
	Publish(ctx context.Context, ev Event) error
	PendingFor(ctx context.Context, subscriberID string, cursor uint64, limit int) ([]Event, error)
	RecordDelivery(ctx context.Context, subscriberID string, seq uint64) error
	Ack(ctx context.Context, subscriberID string, seq uint64) error
	UnackedCount(ctx context.Context, subscriberID string) (int, error)
}

// PostgresEventOutboxStore is a durable SQL-backed EventOutboxStore.
type PostgresEventOutboxStore struct {
	db *sql.DB
}

func NewPostgresEventOutboxStore(db *sql.DB) *PostgresEventOutboxStore {
	return &PostgresEventOutboxStore{db: db}
}

func (s *PostgresEventOutboxStore) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO event_outbox (seq, kind, rid, cid, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seq) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query, ev.Seq, ev.Kind, ev.Rid, ev.Cid, ev.Ts, payload)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (s *PostgresEventOutboxStore) PendingFor(ctx context.Context, subscriberID string, cursor uint64, limit int) ([]Event, error) {
	query := `
		SELECT payload FROM event_outbox
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT NULLIF($2, 0)
	`
	rows, err := s.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("corrupt event payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresEventOutboxStore) RecordDelivery(ctx context.Context, subscriberID string, seq uint64) error {
	query := `
		INSERT INTO subscriber_delivery (subscriber_id, seq, delivered_at, acked)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (subscriber_id, seq) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, subscriberID, seq, time.Now())
	return err
}

func (s *PostgresEventOutboxStore) Ack(ctx context.Context, subscriberID string, seq uint64) error {
	query := `
		UPDATE subscriber_delivery SET acked = TRUE
		WHERE subscriber_id = $1 AND seq <= $2
	`
	_, err := s.db.ExecContext(ctx, query, subscriberID, seq)
	return err
}

func (s *PostgresEventOutboxStore) UnackedCount(ctx context.Context, subscriberID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM subscriber_delivery
		WHERE subscriber_id = $1 AND acked = FALSE
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, subscriberID).Scan(&count)
	return count, err
}
