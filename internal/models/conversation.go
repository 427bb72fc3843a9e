package models

import (
	"fmt"
	"time"
)

// ConversationKey identifies a conversation by the canonical unordered pair
// of participant profile ids: exactly one key exists per pair.
type ConversationKey struct {
	Low  uint
	High uint
}

func NewConversationKey(a, b uint) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// Partner returns the other participant for a given viewer.
func (k ConversationKey) Partner(viewer uint) uint {
	if viewer == k.Low {
		return k.High
	}
	return k.Low
}

// Contains reports whether the profile participates in this conversation.
func (k ConversationKey) Contains(profileID uint) bool {
	return profileID == k.Low || profileID == k.High
}

// Channel is the pub/sub channel name for this conversation.
func (k ConversationKey) Channel() string {
	return fmt.Sprintf("conv:%d:%d", k.Low, k.High)
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%d:%d", k.Low, k.High)
}

// ConversationSummary is one row of a profile's conversation list: the
// partner, the latest message and the viewer's unread count. Derived from
// the message ledger, never a source of truth.
type ConversationSummary struct {
	PartnerProfileID uint       `gorm:"column:partner_profile_id" json:"partner_profile_id"`
	PartnerName      string     `gorm:"column:partner_name" json:"partner_name"`
	PartnerRole      Role       `gorm:"column:partner_role" json:"partner_role"`
	PartnerAvatarRef string     `gorm:"column:partner_avatar_ref" json:"partner_avatar_ref"`
	PartnerIsOnline  bool       `gorm:"-" json:"partner_is_online"`
	PartnerLastSeen  *time.Time `gorm:"-" json:"partner_last_seen"`

	LastMessageID         uint      `gorm:"column:last_message_id" json:"last_message_id"`
	LastMessageBody       string    `gorm:"column:last_message_body" json:"last_message_body"`
	LastMessageAt         time.Time `gorm:"column:last_message_at" json:"last_message_at"`
	LastMessageSenderRole Role      `gorm:"column:last_message_sender_role" json:"last_message_sender_role"`

	UnreadCount   int64 `gorm:"column:unread_count" json:"unread_count"`
	TotalMessages int64 `gorm:"column:total_messages" json:"total_messages"`
}
