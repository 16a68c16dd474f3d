package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscribedTopicOnly(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub := b.Subscribe(4, "agent:a1")
	defer sub.Close()

	b.Publish(Event{Topic: "agent:a2", Kind: "agent.heartbeat"})
	b.Publish(Event{Topic: "agent:a1", Kind: "agent.heartbeat"})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "agent:a1", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscribed topic")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishDropsOldestWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub := b.Subscribe(1, "runs")
	defer sub.Close()

	b.Publish(Event{Topic: "runs", Kind: "oldest"})
	b.Publish(Event{Topic: "runs", Kind: "newest"}) // buffer full, oldest evicted

	time.Sleep(20 * time.Millisecond)
	require.Len(t, sub.Events, 1)
	assert.Equal(t, "newest", (<-sub.Events).Kind)
}

func TestBus_CloseUnsubscribesAndClosesChannel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub := b.Subscribe(4, "runs")
	sub.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
