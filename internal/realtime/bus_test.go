package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu       sync.Mutex
	inserted []models.Message
	updated  []models.Message
}

func (r *eventRecorder) onInsert(msg models.Message) {
	r.mu.Lock()
	r.inserted = append(r.inserted, msg)
	r.mu.Unlock()
}

func (r *eventRecorder) onUpdate(msg models.Message) {
	r.mu.Lock()
	r.updated = append(r.updated, msg)
	r.mu.Unlock()
}

func (r *eventRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inserted), len(r.updated)
}

func TestBusRoundTrip(t *testing.T) {
	bus := NewBus(NewMemoryPubSub())
	rec := &eventRecorder{}

	key := models.NewConversationKey(1, 2)
	sub, err := bus.Subscribe(context.Background(), key, rec.onInsert, rec.onUpdate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := models.Message{
		ID:            7,
		CreatedAt:     now,
		ClientID:      "client-7",
		FromProfileID: 1,
		ToProfileID:   2,
		SenderRole:    models.RoleStudent,
		Body:          "hello over the wire",
	}
	require.NoError(t, bus.PublishInserted(context.Background(), msg))

	read := msg
	readAt := now.Add(time.Minute)
	read.ApplyRead(&readAt)
	require.NoError(t, bus.PublishUpdated(context.Background(), read))

	require.Eventually(t, func() bool {
		ins, upd := rec.counts()
		return ins == 1 && upd == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	got := rec.inserted[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.ClientID, got.ClientID)
	assert.Equal(t, msg.Body, got.Body)
	assert.True(t, got.CreatedAt.Equal(now), "timestamps survive the codec")

	gotUpd := rec.updated[0]
	assert.True(t, gotUpd.IsRead)
	require.NotNil(t, gotUpd.ReadAt)
	assert.True(t, gotUpd.ReadAt.Equal(readAt))
}

func TestBusEventsScopedToConversation(t *testing.T) {
	ps := NewMemoryPubSub()
	bus := NewBus(ps)
	rec := &eventRecorder{}

	sub, err := bus.Subscribe(context.Background(), models.NewConversationKey(1, 2), rec.onInsert, rec.onUpdate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	other := models.Message{ID: 9, FromProfileID: 3, ToProfileID: 4, ClientID: "c", Body: "elsewhere"}
	require.NoError(t, bus.PublishInserted(context.Background(), other))

	time.Sleep(50 * time.Millisecond)
	ins, upd := rec.counts()
	assert.Zero(t, ins)
	assert.Zero(t, upd)
}

func TestBusUndecodablePayloadSkipped(t *testing.T) {
	ps := NewMemoryPubSub()
	bus := NewBus(ps)
	rec := &eventRecorder{}

	key := models.NewConversationKey(1, 2)
	sub, err := bus.Subscribe(context.Background(), key, rec.onInsert, rec.onUpdate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, ps.Publish(context.Background(), key.Channel(), []byte("not msgpack")))
	msg := models.Message{ID: 1, FromProfileID: 1, ToProfileID: 2, ClientID: "c", Body: "after garbage"}
	require.NoError(t, bus.PublishInserted(context.Background(), msg))

	require.Eventually(t, func() bool {
		ins, _ := rec.counts()
		return ins == 1
	}, time.Second, 5*time.Millisecond)
}
