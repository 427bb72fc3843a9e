package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case payload := <-sub.Messages():
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestMemoryPubSubDelivers(t *testing.T) {
	ps := NewMemoryPubSub()

	sub, err := ps.Subscribe(context.Background(), "chan-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, ps.Publish(context.Background(), "chan-a", []byte("one")))
	assert.Equal(t, []byte("one"), recv(t, sub))
}

func TestMemoryPubSubChannelIsolation(t *testing.T) {
	ps := NewMemoryPubSub()

	a, err := ps.Subscribe(context.Background(), "chan-a")
	require.NoError(t, err)
	b, err := ps.Subscribe(context.Background(), "chan-b")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	require.NoError(t, ps.Publish(context.Background(), "chan-b", []byte("for b")))

	assert.Equal(t, []byte("for b"), recv(t, b))
	select {
	case payload := <-a.Messages():
		t.Fatalf("chan-a received %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPubSubFanOut(t *testing.T) {
	ps := NewMemoryPubSub()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, err := ps.Subscribe(context.Background(), "shared")
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	t.Cleanup(func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	})

	require.NoError(t, ps.Publish(context.Background(), "shared", []byte("all")))
	for _, sub := range subs {
		assert.Equal(t, []byte("all"), recv(t, sub))
	}
}

func TestMemoryPubSubCloseStopsDelivery(t *testing.T) {
	ps := NewMemoryPubSub()

	sub, err := ps.Subscribe(context.Background(), "chan-a")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")

	// Publishing after close must not panic on the closed channel.
	require.NoError(t, ps.Publish(context.Background(), "chan-a", []byte("late")))

	_, open := <-sub.Messages()
	assert.False(t, open, "messages channel is closed")
}

func TestMemoryPubSubSlowSubscriberDrops(t *testing.T) {
	ps := NewMemoryPubSub()

	sub, err := ps.Subscribe(context.Background(), "busy")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	// Nothing reads; the buffer fills and the overflow is dropped instead
	// of blocking the publisher.
	for i := 0; i < 200; i++ {
		require.NoError(t, ps.Publish(context.Background(), "busy", []byte("x")))
	}

	drained := 0
	for {
		select {
		case <-sub.Messages():
			drained++
			continue
		default:
		}
		break
	}
	assert.Less(t, drained, 200)
	assert.Greater(t, drained, 0)
}
