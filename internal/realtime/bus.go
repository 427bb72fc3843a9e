package realtime

import (
	"context"
	"errors"
	"log"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrSubscribeFailed means the change stream could not be established.
// Callers degrade to polling; sending never depends on a subscription.
var ErrSubscribeFailed = errors.New("realtime subscription failed")

type EventKind string

const (
	EventMessageInserted EventKind = "message.inserted"
	EventMessageUpdated  EventKind = "message.updated"
)

// Event is one change-stream entry for a conversation. Inserted events
// carry the full accepted message; updated events carry the message with
// its new receipt state.
type Event struct {
	Kind    EventKind      `msgpack:"kind" json:"kind"`
	Message models.Message `msgpack:"message" json:"message"`
}

// Bus publishes and subscribes message change events per conversation.
// Events may arrive before, after or interleaved with an initial fetch;
// consumers merge by id, so delivery order and duplication do not matter.
type Bus struct {
	ps PubSub
}

func NewBus(ps PubSub) *Bus {
	return &Bus{ps: ps}
}

func (b *Bus) PublishInserted(ctx context.Context, msg models.Message) error {
	return b.publish(ctx, Event{Kind: EventMessageInserted, Message: msg})
}

func (b *Bus) PublishUpdated(ctx context.Context, msg models.Message) error {
	return b.publish(ctx, Event{Kind: EventMessageUpdated, Message: msg})
}

func (b *Bus) publish(ctx context.Context, ev Event) error {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, ev.Message.Key().Channel(), payload)
}

// Subscribe attaches insert/update callbacks to one conversation's change
// stream. The returned subscription must be closed when the conversation
// loses focus; a client keeps at most one open at a time.
func (b *Bus) Subscribe(ctx context.Context, key models.ConversationKey, onInsert, onUpdate func(models.Message)) (Subscription, error) {
	sub, err := b.ps.Subscribe(ctx, key.Channel())
	if err != nil {
		return nil, errors.Join(ErrSubscribeFailed, err)
	}

	go func() {
		for payload := range sub.Messages() {
			var ev Event
			if err := msgpack.Unmarshal(payload, &ev); err != nil {
				log.Printf("realtime: dropping undecodable event on %s: %v", key.Channel(), err)
				continue
			}
			switch ev.Kind {
			case EventMessageInserted:
				if onInsert != nil {
					onInsert(ev.Message)
				}
			case EventMessageUpdated:
				if onUpdate != nil {
					onUpdate(ev.Message)
				}
			}
		}
	}()

	return sub, nil
}
