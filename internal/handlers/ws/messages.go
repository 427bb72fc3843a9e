package ws

import (
	"context"
	"errors"
	"log"

	"github.com/classline/messaging-backend/internal/conversation"
	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/repository"
	"github.com/classline/messaging-backend/internal/service"
	"github.com/classline/messaging-backend/internal/typing"
)

// ConversationState is pushed whenever the focused conversation's visible
// state changes: merged message list, quota snapshot, unread count.
type ConversationState struct {
	Type          string                   `json:"type"`
	PartnerID     uint                     `json:"partner_id"`
	Messages      []models.MessageResponse `json:"messages"`
	Quota         models.QuotaSnapshot     `json:"quota"`
	UnreadCount   int                      `json:"unread_count"`
	PartnerTyping bool                     `json:"partner_typing"`
}

// SendResult reports the outcome of one optimistic send by temp id.
type SendResult struct {
	Type   string `json:"type"`
	TempID string `json:"temp_id"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
}

// PartnerTyping is pushed when the partner's typing indicator flips.
type PartnerTyping struct {
	Type      string `json:"type"`
	PartnerID uint   `json:"partner_id"`
	IsTyping  bool   `json:"is_typing"`
	Label     string `json:"label,omitempty"`
}

func pushState(mc *MessageContext, partnerID uint) {
	_, store, coord := mc.Session.Current()
	if store == nil || store.Key().Partner(mc.Profile.ID) != partnerID {
		return
	}
	msgs := store.Messages()
	out := make([]models.MessageResponse, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ToResponse()
	}
	state := ConversationState{
		Type:        "conversation_state",
		PartnerID:   partnerID,
		Messages:    out,
		Quota:       store.Quota(),
		UnreadCount: store.UnreadCount(),
	}
	if coord != nil {
		state.PartnerTyping = coord.IsPartnerTyping()
	}
	if err := mc.Client.WriteJSON(state); err != nil {
		log.Printf("Error pushing conversation state to profile %d: %v", mc.Profile.ID, err)
	}
}

// MessageSubscribe focuses the connection on one conversation: opens the
// store (initial fetch, change stream, delivered receipts) and joins the
// typing channel. Subscribing to a new partner swaps the previous focus.
type MessageSubscribe struct {
	PartnerID uint `json:"partner_id"`
}

func (msg *MessageSubscribe) GetType() string { return "subscribe" }

func (msg *MessageSubscribe) Process(ctx context.Context, mc *MessageContext) error {
	if current, _, _ := mc.Session.Current(); current == msg.PartnerID {
		pushState(mc, msg.PartnerID)
		return nil
	}

	partnerID := msg.PartnerID
	onChange := func() { pushState(mc, partnerID) }
	onSendResult := func(tempID string, err error) {
		res := SendResult{Type: "send_result", TempID: tempID, OK: err == nil}
		switch {
		case errors.Is(err, repository.ErrQuotaExceeded):
			res.Code = "quota_exceeded"
		case err != nil:
			res.Code = "send_failed"
		}
		if werr := mc.Client.WriteJSON(res); werr != nil {
			log.Printf("Error pushing send result to profile %d: %v", mc.Profile.ID, werr)
		}
	}

	store, err := mc.Messaging.OpenConversation(ctx, mc.Profile, partnerID, onChange, onSendResult)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotEligible):
			return SendError(mc.Client, "not_eligible", "Cannot message this profile", "")
		case errors.Is(err, repository.ErrNotFound):
			return SendError(mc.Client, "not_found", "Profile not found", "")
		default:
			return err
		}
	}

	coord := typing.NewCoordinator(mc.PubSub, mc.Profile.ID, 0, 0)
	coord.OnChange(func(isTyping bool) {
		if werr := mc.Client.WriteJSON(PartnerTyping{
			Type:      "partner_typing",
			PartnerID: partnerID,
			IsTyping:  isTyping,
			Label:     coord.PartnerLabel(),
		}); werr != nil {
			log.Printf("Error pushing typing state to profile %d: %v", mc.Profile.ID, werr)
		}
	})
	if err := coord.Connect(ctx, partnerID, mc.Profile.DisplayName); err != nil {
		// Typing is best-effort; the conversation still works without it.
		log.Printf("Typing channel unavailable for profile %d: %v", mc.Profile.ID, err)
		coord = nil
	}

	prevStore, prevTyping := mc.Session.Swap(partnerID, store, coord)
	if prevTyping != nil {
		_ = prevTyping.Disconnect()
	}
	if prevStore != nil {
		_ = prevStore.Close()
	}

	pushState(mc, partnerID)
	return nil
}

// MessageUnsubscribe drops the conversation focus, releasing the change
// stream and typing subscriptions.
type MessageUnsubscribe struct {
}

func (msg *MessageUnsubscribe) GetType() string { return "unsubscribe" }

func (msg *MessageUnsubscribe) Process(ctx context.Context, mc *MessageContext) error {
	mc.Session.Close()
	return nil
}

// MessageChat sends one message into the focused conversation. The reply
// arrives as a conversation_state push (optimistic entry immediately, the
// accepted row when the ledger confirms) plus a send_result.
type MessageChat struct {
	Body string `json:"body"`
}

func (msg *MessageChat) GetType() string { return "chat" }

func (msg *MessageChat) Process(ctx context.Context, mc *MessageContext) error {
	_, store, coord := mc.Session.Current()
	if store == nil {
		return SendError(mc.Client, "no_subscription", "Subscribe to a conversation first", "")
	}

	tempID, err := store.Send(msg.Body)
	switch {
	case errors.Is(err, conversation.ErrEmptyBody):
		return SendError(mc.Client, "empty_body", "Message body is empty", "")
	case errors.Is(err, repository.ErrQuotaExceeded):
		return mc.Client.WriteJSON(SendResult{Type: "send_result", OK: false, Code: "quota_exceeded"})
	case err != nil:
		return err
	}

	// Sending clears the typing indicator on the partner's side.
	if coord != nil {
		_ = coord.NotifyTyping(ctx, false)
	}

	return mc.Client.WriteJSON(SendResult{Type: "send_accepted", TempID: tempID, OK: true})
}

// MessageTyping relays the sender's typing state to the partner.
type MessageTyping struct {
	IsTyping bool `json:"is_typing"`
}

func (msg *MessageTyping) GetType() string { return "typing" }

func (msg *MessageTyping) Process(ctx context.Context, mc *MessageContext) error {
	_, _, coord := mc.Session.Current()
	if coord == nil {
		return nil
	}
	return coord.NotifyTyping(ctx, msg.IsTyping)
}

// MessageRead marks every unread partner message in the focused
// conversation as read.
type MessageRead struct {
}

func (msg *MessageRead) GetType() string { return "read" }

func (msg *MessageRead) Process(ctx context.Context, mc *MessageContext) error {
	partnerID, store, _ := mc.Session.Current()
	if store == nil {
		return SendError(mc.Client, "no_subscription", "Subscribe to a conversation first", "")
	}
	if err := store.MarkRead(ctx); err != nil && !errors.Is(err, conversation.ErrClosed) {
		log.Printf("Mark read failed for profile %d in conversation with %d: %v", mc.Profile.ID, partnerID, err)
	}
	return nil
}
