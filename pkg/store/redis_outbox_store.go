package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisEventOutboxStore is a low-latency EventOutboxStore backed by Redis,
// for deployments that want sub-millisecond subscriber polling without
// standing up Postgres purely for the event bus. Events are held in a
// sorted set keyed by seq; per-subscriber delivery/ack state lives in a
// set of delivered-but-unacked sequence numbers.
type RedisEventOutboxStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisEventOutboxStore(rdb *redis.Client, keyPrefix string) *RedisEventOutboxStore {
	if keyPrefix == "" {
		keyPrefix = "koi:eventbus"
	}
	return &RedisEventOutboxStore{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisEventOutboxStore) eventsKey() string          { return s.prefix + ":events" }
func (s *RedisEventOutboxStore) unackedKey(sub string) string { return s.prefix + ":unacked:" + sub }

func (s *RedisEventOutboxStore) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.eventsKey(), redis.Z{Score: float64(ev.Seq), Member: payload}).Err()
}

func (s *RedisEventOutboxStore) PendingFor(ctx context.Context, subscriberID string, cursor uint64, limit int) ([]Event, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.eventsKey(), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", cursor),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: redis range: %w", err)
	}

	events := make([]Event, 0, len(members))
	for _, raw := range members {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("eventbus: corrupt event payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *RedisEventOutboxStore) RecordDelivery(ctx context.Context, subscriberID string, seq uint64) error {
	return s.rdb.SAdd(ctx, s.unackedKey(subscriberID), seq).Err()
}

func (s *RedisEventOutboxStore) Ack(ctx context.Context, subscriberID string, seq uint64) error {
	members, err := s.rdb.SMembers(ctx, s.unackedKey(subscriberID)).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var got uint64
		if _, err := fmt.Sscanf(m, "%d", &got); err == nil && got <= seq {
			if err := s.rdb.SRem(ctx, s.unackedKey(subscriberID), m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisEventOutboxStore) UnackedCount(ctx context.Context, subscriberID string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.unackedKey(subscriberID)).Result()
	return int(n), err
}
