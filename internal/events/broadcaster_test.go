package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster(16)

	sub1 := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub2)
	b.Unsubscribe(sub2) // no-op
	assert.Zero(t, b.SubscriberCount())
}

func TestPublishToSubscribers(t *testing.T) {
	b := NewBroadcaster(16)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	_, err := b.Publish("info", "stage.committed", "test", map[string]any{"stage": "registration"})
	require.NoError(t, err)

	select {
	case e := <-sub:
		assert.Equal(t, "stage.committed", e.Name)
		assert.Equal(t, "registration", e.Fields["stage"])
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for broadcast event")
	}
}

func TestPublishRejectsUnknownEvent(t *testing.T) {
	b := NewBroadcaster(16)
	_, err := b.Publish("info", "node.started", "", nil)
	assert.Error(t, err)
	assert.Empty(t, b.Recent(0), "rejected events must not be retained")
}

func TestRecentEvents(t *testing.T) {
	b := NewBroadcaster(8)
	for i := 0; i < 10; i++ {
		_, err := b.Publish("info", "episode.created", "", map[string]any{"i": i})
		require.NoError(t, err)
	}

	recent := b.Recent(5)
	require.Len(t, recent, 5)
	assert.Equal(t, 5, recent[0].Fields["i"])

	// The history keeps the newest eight.
	all := b.Recent(0)
	require.Len(t, all, 8)
	assert.Equal(t, 2, all[0].Fields["i"])
	assert.Equal(t, 9, all[7].Fields["i"])
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(16)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish("info", "stage.committed", "", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub, subscriberBuffer)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	b := NewBroadcaster(16)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Close()

	_, ok1 := <-sub1
	_, ok2 := <-sub2
	assert.False(t, ok1 || ok2, "channels should be closed")
	assert.Zero(t, b.SubscriberCount())

	late := b.Subscribe()
	_, ok := <-late
	assert.False(t, ok, "subscriptions after Close are closed immediately")
}
