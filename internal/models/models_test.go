package models

import (
	"testing"
	"time"
)

func TestNewConversationKeyCanonical(t *testing.T) {
	tests := []struct {
		name string
		a, b uint
	}{
		{"Ascending pair", 1, 2},
		{"Descending pair", 2, 1},
		{"Large ids", 9001, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k1 := NewConversationKey(tt.a, tt.b)
			k2 := NewConversationKey(tt.b, tt.a)
			if k1 != k2 {
				t.Errorf("keys differ by argument order: %v vs %v", k1, k2)
			}
			if k1.Low > k1.High {
				t.Errorf("key not canonical: %v", k1)
			}
		})
	}
}

func TestConversationKeyPartner(t *testing.T) {
	k := NewConversationKey(5, 3)
	if got := k.Partner(3); got != 5 {
		t.Errorf("Partner(3) = %d, want 5", got)
	}
	if got := k.Partner(5); got != 3 {
		t.Errorf("Partner(5) = %d, want 3", got)
	}
}

func TestConversationKeyContains(t *testing.T) {
	k := NewConversationKey(5, 3)
	if !k.Contains(3) || !k.Contains(5) {
		t.Error("key must contain both participants")
	}
	if k.Contains(4) {
		t.Error("key must not contain strangers")
	}
}

func TestMessageStatusDerivation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		msg      Message
		expected MessageStatus
	}{
		{"Composing without id", Message{}, StatusComposing},
		{"Sent", Message{ID: 1}, StatusSent},
		{"Delivered", Message{ID: 1, DeliveredAt: &now}, StatusDelivered},
		{"Read", Message{ID: 1, DeliveredAt: &now, ReadAt: &now, IsRead: true}, StatusRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Status(); got != tt.expected {
				t.Errorf("Status() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestApplyDeliveredIsMonotonic(t *testing.T) {
	first := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	m := Message{ID: 1}
	if !m.ApplyDelivered(&first) {
		t.Fatal("first delivery stamp should apply")
	}
	if m.ApplyDelivered(&later) {
		t.Error("second delivery stamp must be a no-op")
	}
	if !m.DeliveredAt.Equal(first) {
		t.Errorf("DeliveredAt moved to %v", m.DeliveredAt)
	}
	if m.ApplyDelivered(nil) {
		t.Error("nil stamp must be a no-op")
	}
}

func TestApplyReadImpliesDelivered(t *testing.T) {
	readAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	m := Message{ID: 1}
	if !m.ApplyRead(&readAt) {
		t.Fatal("read stamp should apply")
	}
	if !m.IsRead {
		t.Error("IsRead not set")
	}
	if m.DeliveredAt == nil || !m.DeliveredAt.Equal(readAt) {
		t.Error("read must imply delivered")
	}

	earlier := readAt.Add(-time.Hour)
	if m.ApplyRead(&earlier) {
		t.Error("read stamp must never move")
	}
}

func TestUnlimitedQuota(t *testing.T) {
	snap := UnlimitedQuota()
	if snap.Limited {
		t.Error("unlimited snapshot must not be limited")
	}
	if !snap.Allowed {
		t.Error("unlimited snapshot must allow sending")
	}
	if snap.Remaining != -1 {
		t.Errorf("Remaining = %d, want -1 sentinel", snap.Remaining)
	}
}
