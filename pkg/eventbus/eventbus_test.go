package eventbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi/pkg/eventbus"
	"github.com/regen-network/koi/pkg/store"
)

func newBus() *eventbus.Bus {
	return eventbus.NewBus(store.NewMemoryEventOutboxStore(), 0)
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := newBus()
	ctx := context.Background()

	e1, err := b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:a", "cid:sha256:1")
	require.NoError(t, err)
	e2, err := b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:b", "cid:sha256:2")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestPollDeliversOnlyMatchingPatterns(t *testing.T) {
	b := newBus()
	ctx := context.Background()

	_, err := b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:a", "cid:sha256:1")
	require.NoError(t, err)
	_, err = b.Publish(ctx, eventbus.KindNew, "orn:other.raw:b", "cid:sha256:2")
	require.NoError(t, err)

	b.Subscribe(eventbus.Subscription{SubscriberID: "sub1", Patterns: []string{"orn:regen.raw:*"}})
	events, err := b.Poll(ctx, "sub1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "orn:regen.raw:a", events[0].Rid)
}

func TestPollUnknownSubscriberErrors(t *testing.T) {
	b := newBus()
	_, err := b.Poll(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, eventbus.ErrUnknownSubscriber)
}

func TestReplayFromAckedCursorSeesOnlyLaterEvents(t *testing.T) {
	b := newBus()
	ctx := context.Background()

	_, err := b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:a", "cid:sha256:1")
	require.NoError(t, err)
	_, err = b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:b", "cid:sha256:2")
	require.NoError(t, err)

	b.Subscribe(eventbus.Subscription{SubscriberID: "sub1", Patterns: []string{"orn:regen.raw:*"}})
	first, err := b.Poll(ctx, "sub1", 0)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, b.Ack(ctx, "sub1", 1))

	b.Subscribe(eventbus.Subscription{SubscriberID: "sub1", Patterns: []string{"orn:regen.raw:*"}, Cursor: 1})
	second, err := b.Poll(ctx, "sub1", 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(2), second[0].Seq)
}

func TestBackpressureBlocksUntilAck(t *testing.T) {
	b := eventbus.NewBus(store.NewMemoryEventOutboxStore(), 1)
	ctx := context.Background()

	_, err := b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:a", "cid:sha256:1")
	require.NoError(t, err)
	_, err = b.Publish(ctx, eventbus.KindNew, "orn:regen.raw:b", "cid:sha256:2")
	require.NoError(t, err)

	b.Subscribe(eventbus.Subscription{SubscriberID: "sub1"})
	first, err := b.Poll(ctx, "sub1", 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = b.Poll(ctx, "sub1", 1)
	assert.ErrorIs(t, err, eventbus.ErrBackpressure)

	require.NoError(t, b.Ack(ctx, "sub1", first[0].Seq))
	_, err = b.Poll(ctx, "sub1", 1)
	assert.NoError(t, err)
}
