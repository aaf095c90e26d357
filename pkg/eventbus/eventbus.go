// Package eventbus publishes FUN (Forget/Update/New) notifications after
// successful top-of-document pipeline runs and artifact deletions, and
// delivers them to pattern-subscribed consumers with at-least-once or
// at-most-once guarantees.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/regen-network/koi/pkg/observability"
	"github.com/regen-network/koi/pkg/store"
)

const (
	KindNew    = "new"
	KindUpdate = "update"
	KindForget = "forget"
)

type DeliveryMode string

const (
	AtLeastOnce DeliveryMode = "atLeastOnce"
	AtMostOnce  DeliveryMode = "atMostOnce"
)

// ErrBackpressure is returned by Poll when a subscriber's outstanding
// unacked count has reached its configured limit: it is not dropped, just
// paused until it acknowledges.
var ErrBackpressure = errors.New("eventbus: subscriber backpressure limit exceeded")

// ErrUnknownSubscriber is returned for operations against a subscriber ID
// that was never registered via Subscribe.
var ErrUnknownSubscriber = errors.New("eventbus: unknown subscriber")

// Subscription is a consumer's registered interest: RID glob patterns, a
// starting cursor, and a delivery mode.
type Subscription struct {
	SubscriberID string
	Patterns     []string
	Cursor       uint64
	Mode         DeliveryMode
}

// Bus is the single-publisher, multi-subscriber event distribution point.
// The sequence counter is the bus's one exclusive-writer resource; all
// publish calls serialize through it so seq is monotonic and never reused.
type Bus struct {
	outbox            store.EventOutboxStore
	backpressureLimit int

	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscription
}

// NewBus creates a Bus over a durable (or in-memory) outbox store.
// backpressureLimit bounds outstanding unacked deliveries per subscriber;
// zero disables the limit.
func NewBus(outbox store.EventOutboxStore, backpressureLimit int) *Bus {
	return &Bus{outbox: outbox, backpressureLimit: backpressureLimit, subs: make(map[string]*Subscription)}
}

// Publish assigns the next sequence number and durably records the event.
// Callers must call this only after the triggering receipt append has
// completed: receipt-append-happens-before-event-publication.
func (b *Bus) Publish(ctx context.Context, kind, rid, cid string) (store.Event, error) {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	ev := store.Event{Seq: seq, Kind: kind, Rid: rid, Cid: cid, Ts: time.Now().UTC()}
	if err := b.outbox.Publish(ctx, ev); err != nil {
		return store.Event{}, fmt.Errorf("eventbus: publish: %w", err)
	}
	observability.AddSpanEvent(ctx, "eventbus.published", observability.EventBusOperation(kind, seq)...)
	return ev, nil
}

// Subscribe registers or replaces a subscriber's interest.
func (b *Bus) Subscribe(sub Subscription) {
	if sub.Mode == "" {
		sub.Mode = AtLeastOnce
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := sub
	b.subs[sub.SubscriberID] = &cp
}

// Poll returns the next batch of events matching subscriberID's patterns,
// starting after its cursor, honoring backpressure. For atLeastOnce
// subscribers each returned event is recorded as an outstanding delivery
// until Ack advances the cursor past it; atMostOnce subscribers advance
// their cursor immediately and never redeliver.
func (b *Bus) Poll(ctx context.Context, subscriberID string, limit int) ([]store.Event, error) {
	b.mu.Lock()
	sub, ok := b.subs[subscriberID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}

	if b.backpressureLimit > 0 {
		unacked, err := b.outbox.UnackedCount(ctx, subscriberID)
		if err != nil {
			return nil, fmt.Errorf("eventbus: unacked count: %w", err)
		}
		if unacked >= b.backpressureLimit {
			return nil, ErrBackpressure
		}
	}

	candidates, err := b.outbox.PendingFor(ctx, subscriberID, sub.Cursor, 0)
	if err != nil {
		return nil, fmt.Errorf("eventbus: pending: %w", err)
	}

	var out []store.Event
	for _, ev := range candidates {
		if !matchesAny(ev.Rid, sub.Patterns) {
			continue
		}
		out = append(out, ev)
		if sub.Mode == AtLeastOnce {
			if err := b.outbox.RecordDelivery(ctx, subscriberID, ev.Seq); err != nil {
				return nil, fmt.Errorf("eventbus: record delivery: %w", err)
			}
		} else {
			b.mu.Lock()
			sub.Cursor = ev.Seq
			b.mu.Unlock()
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Ack advances subscriberID's cursor to seq and clears any outstanding
// unacked deliveries up to and including it.
func (b *Bus) Ack(ctx context.Context, subscriberID string, seq uint64) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriberID]
	if ok && seq > sub.Cursor {
		sub.Cursor = seq
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}
	if err := b.outbox.Ack(ctx, subscriberID, seq); err != nil {
		return fmt.Errorf("eventbus: ack: %w", err)
	}
	return nil
}

// matchesAny reports whether rid matches any of the glob patterns. A
// pattern ending in "*" matches by prefix; otherwise it must match rid
// exactly.
func matchesAny(rid string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(rid, strings.TrimSuffix(p, "*")) {
				return true
			}
		} else if p == rid {
			return true
		}
	}
	return false
}
