package models

import (
	"time"
)

// DefaultDailyCap is the number of messages a student may send to one
// teacher per calendar day.
const DefaultDailyCap = 3

// DailyQuota counts student->teacher sends for one calendar date. The row
// is created on first send; a new date simply produces a fresh key, so no
// rollover job exists. SentCount <= Cap must hold even under concurrent
// senders, which the repository enforces with a conditional upsert.
type DailyQuota struct {
	StudentProfileID uint      `gorm:"primarykey;autoIncrement:false" json:"student_profile_id"`
	TeacherProfileID uint      `gorm:"primarykey;autoIncrement:false" json:"teacher_profile_id"`
	QuotaDate        time.Time `gorm:"primarykey;type:date" json:"quota_date"`

	SentCount int `gorm:"not null;default:0" json:"sent_count"`
	Cap       int `gorm:"not null" json:"cap"`

	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaSnapshot is the client-facing view of a quota check or reservation.
// Unlimited senders (admins, teachers) report Limited=false.
type QuotaSnapshot struct {
	Limited   bool      `json:"limited"`
	Allowed   bool      `json:"allowed"`
	Used      int       `json:"used"`
	Cap       int       `json:"cap"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Unlimited is the snapshot for senders the daily cap does not apply to.
func UnlimitedQuota() QuotaSnapshot {
	return QuotaSnapshot{Limited: false, Allowed: true, Remaining: -1}
}
