package models

import (
	"time"
)

// MessageStatus is the client-visible lifecycle of a message. Composing only
// exists on the sending client while the persist call is in flight.
type MessageStatus string

const (
	StatusComposing MessageStatus = "composing"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a single direct message. Body, sender and recipient are
// immutable once accepted; ID and CreatedAt are assigned by the ledger.
// DeliveredAt, ReadAt and IsRead are monotonic: set once, never reverted
// to null or an earlier time.
type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index:idx_pair_created" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ClientID is the sender-generated UUID used to reconcile an optimistic
	// entry with its server echo. Unique per sender.
	ClientID string `gorm:"type:varchar(36);uniqueIndex:idx_client_sender;not null" json:"client_id"`

	FromProfileID uint `gorm:"not null;uniqueIndex:idx_client_sender;index:idx_pair_created" json:"from_profile_id"`
	ToProfileID   uint `gorm:"not null;index:idx_pair_created" json:"to_profile_id"`
	SenderRole    Role `gorm:"type:varchar(16);not null" json:"sender_role"`

	Body string `gorm:"type:text;not null" json:"body"`

	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	IsRead      bool       `gorm:"default:false;index" json:"is_read"`

	// TempID never reaches the ledger; it exists only while the message is
	// an in-flight optimistic entry on the sending client.
	TempID string `gorm:"-" json:"temp_id,omitempty"`
}

// Key returns the canonical conversation key for this message.
func (m *Message) Key() ConversationKey {
	return NewConversationKey(m.FromProfileID, m.ToProfileID)
}

// Status derives the lifecycle state from the receipt fields.
func (m *Message) Status() MessageStatus {
	switch {
	case m.ID == 0:
		return StatusComposing
	case m.IsRead || m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// ApplyDelivered sets DeliveredAt if it advances the receipt state.
// Reports whether anything changed.
func (m *Message) ApplyDelivered(ts *time.Time) bool {
	if ts == nil || m.DeliveredAt != nil {
		return false
	}
	t := *ts
	m.DeliveredAt = &t
	return true
}

// ApplyRead sets ReadAt and IsRead if it advances the receipt state.
// A read message is also delivered.
func (m *Message) ApplyRead(ts *time.Time) bool {
	if ts == nil || m.ReadAt != nil {
		return false
	}
	t := *ts
	m.ReadAt = &t
	m.IsRead = true
	if m.DeliveredAt == nil {
		m.DeliveredAt = &t
	}
	return true
}

type MessageResponse struct {
	ID            uint          `json:"id"`
	ClientID      string        `json:"client_id"`
	FromProfileID uint          `json:"from_profile_id"`
	ToProfileID   uint          `json:"to_profile_id"`
	SenderRole    Role          `json:"sender_role"`
	Body          string        `json:"body"`
	Status        MessageStatus `json:"status"`
	DeliveredAt   *time.Time    `json:"delivered_at"`
	ReadAt        *time.Time    `json:"read_at"`
	IsRead        bool          `json:"is_read"`
	CreatedAt     time.Time     `json:"created_at"`
	TempID        string        `json:"temp_id,omitempty"`
}

func (m *Message) ToResponse() MessageResponse {
	return MessageResponse{
		ID:            m.ID,
		ClientID:      m.ClientID,
		FromProfileID: m.FromProfileID,
		ToProfileID:   m.ToProfileID,
		SenderRole:    m.SenderRole,
		Body:          m.Body,
		Status:        m.Status(),
		DeliveredAt:   m.DeliveredAt,
		ReadAt:        m.ReadAt,
		IsRead:        m.IsRead,
		CreatedAt:     m.CreatedAt,
		TempID:        m.TempID,
	}
}
