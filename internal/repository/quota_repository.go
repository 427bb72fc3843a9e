package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"gorm.io/gorm"
)

// QuotaRepository stores daily send quotas. The reservation is a single
// conditional upsert so two tabs racing for the last slot cannot both win:
// the DO UPDATE's WHERE clause refuses the increment once sent_count has
// reached cap, and the statement then returns no row.
type QuotaRepository struct {
	db  *gorm.DB
	loc *time.Location
}

func NewQuotaRepository(db *gorm.DB, loc *time.Location) *QuotaRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaRepository{db: db, loc: loc}
}

// Today is the current quota date in the school's timezone, truncated to
// midnight. A new calendar date produces a fresh key with sent_count 0.
func (r *QuotaRepository) Today() time.Time {
	now := time.Now().In(r.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)
}

const reserveQuery = `
INSERT INTO daily_quotas (student_profile_id, teacher_profile_id, quota_date, sent_count, cap, updated_at)
VALUES (?, ?, ?, 1, ?, NOW())
ON CONFLICT (student_profile_id, teacher_profile_id, quota_date) DO UPDATE
SET sent_count = daily_quotas.sent_count + 1, updated_at = NOW()
WHERE daily_quotas.sent_count < daily_quotas.cap
RETURNING student_profile_id, teacher_profile_id, quota_date, sent_count, cap, updated_at`

// Reserve atomically claims one send slot. Returns ErrQuotaExceeded, with
// the authoritative counts via Peek, when no slot is available.
func (r *QuotaRepository) Reserve(ctx context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	return r.reserve(r.db.WithContext(ctx), studentID, teacherID, date, cap)
}

// reserve runs against the given handle so InsertMessage can share its
// transaction.
func (r *QuotaRepository) reserve(tx *gorm.DB, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	var q models.DailyQuota
	res := tx.Raw(strings.TrimSpace(reserveQuery), studentID, teacherID, date, cap).Scan(&q)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrQuotaExceeded
	}
	return &q, nil
}

// Peek reads the quota row without mutating it. A missing row means
// nothing was sent today.
func (r *QuotaRepository) Peek(ctx context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	var q models.DailyQuota
	err := r.db.WithContext(ctx).
		Where("student_profile_id = ? AND teacher_profile_id = ? AND quota_date = ?", studentID, teacherID, date).
		First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.DailyQuota{
			StudentProfileID: studentID,
			TeacherProfileID: teacherID,
			QuotaDate:        date,
			SentCount:        0,
			Cap:              cap,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}
