package repository

import (
	"context"
	"strings"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"gorm.io/gorm"
)

// MessageRepository is the Postgres message ledger. It owns message rows
// and, through QuotaRepository, the transactional coupling between a
// student send and its quota reservation.
type MessageRepository struct {
	db     *gorm.DB
	quotas *QuotaRepository
	cap    int
}

func NewMessageRepository(db *gorm.DB, quotas *QuotaRepository, dailyCap int) *MessageRepository {
	if dailyCap <= 0 {
		dailyCap = models.DefaultDailyCap
	}
	return &MessageRepository{db: db, quotas: quotas, cap: dailyCap}
}

// InsertMessage persists the message, reserving quota first when the sender
// is a student messaging a teacher. Reservation and insert share one
// transaction so a failed insert never burns a quota slot.
func (r *MessageRepository) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, int, error) {
	remaining := -1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.SenderRole == models.RoleStudent {
			var recipient models.Profile
			if err := tx.First(&recipient, msg.ToProfileID).Error; err != nil {
				return err
			}
			if recipient.Role == models.RoleTeacher {
				q, err := r.quotas.reserve(tx, msg.FromProfileID, msg.ToProfileID, r.quotas.Today(), r.cap)
				if err != nil {
					return err
				}
				remaining = q.Cap - q.SentCount
			}
		}
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, 0, err
	}

	var saved models.Message
	if err := r.db.WithContext(ctx).First(&saved, msg.ID).Error; err != nil {
		return nil, 0, err
	}
	return &saved, remaining, nil
}

// FetchMessages returns the conversation's messages ordered by created_at
// ascending (id as tiebreak). A non-nil since narrows to messages created
// after it, which is what the polling fallback uses.
func (r *MessageRepository) FetchMessages(ctx context.Context, key models.ConversationKey, since *time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Where("(from_profile_id = ? AND to_profile_id = ?) OR (from_profile_id = ? AND to_profile_id = ?)",
			key.Low, key.High, key.High, key.Low)
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}

	var messages []models.Message
	err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&messages).Error
	return messages, err
}

// MarkDelivered stamps one message's delivery receipt, provided the viewer
// is its recipient and the receipt is not already set. A nil message means
// nothing changed.
func (r *MessageRepository) MarkDelivered(ctx context.Context, messageID, viewerID uint) (*models.Message, error) {
	rows, err := r.receiptRows(ctx, `
UPDATE messages
SET delivered_at = NOW(), updated_at = NOW()
WHERE id = ? AND to_profile_id = ? AND delivered_at IS NULL
RETURNING *`, messageID, viewerID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// MarkRead stamps one message's read receipt, backfilling delivered_at
// where it is still missing.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID, viewerID uint) (*models.Message, error) {
	rows, err := r.receiptRows(ctx, `
UPDATE messages
SET read_at = NOW(), is_read = true, delivered_at = COALESCE(delivered_at, NOW()), updated_at = NOW()
WHERE id = ? AND to_profile_id = ? AND read_at IS NULL
RETURNING *`, messageID, viewerID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// MarkConversationDelivered stamps delivered_at on every partner message
// to the viewer that lacks one and returns the changed rows.
func (r *MessageRepository) MarkConversationDelivered(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error) {
	return r.receiptRows(ctx, `
UPDATE messages
SET delivered_at = NOW(), updated_at = NOW()
WHERE to_profile_id = ? AND from_profile_id = ? AND delivered_at IS NULL
RETURNING *`, viewerID, partnerID)
}

// MarkConversationRead stamps read_at (and delivered_at where missing) on
// every unread partner message and returns the changed rows.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error) {
	return r.receiptRows(ctx, `
UPDATE messages
SET read_at = NOW(), is_read = true, delivered_at = COALESCE(delivered_at, NOW()), updated_at = NOW()
WHERE to_profile_id = ? AND from_profile_id = ? AND read_at IS NULL
RETURNING *`, viewerID, partnerID)
}

func (r *MessageRepository) receiptRows(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	var rows []models.Message
	err := r.db.WithContext(ctx).Raw(strings.TrimSpace(query), args...).Scan(&rows).Error
	return rows, err
}

// ListConversationSummaries builds the viewer's conversation list in a
// single query: window functions pick the latest message per partner and
// compute unread/total counts, the partner profile is joined in. No N+1.
func (r *MessageRepository) ListConversationSummaries(ctx context.Context, viewerID uint, limit int) ([]models.ConversationSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := strings.TrimSpace(`
WITH ranked AS (
	SELECT
		CASE WHEN m.from_profile_id = ? THEN m.to_profile_id ELSE m.from_profile_id END AS partner_profile_id,
		m.id AS last_message_id,
		m.body AS last_message_body,
		m.created_at AS last_message_at,
		m.sender_role AS last_message_sender_role,
		ROW_NUMBER() OVER (
			PARTITION BY CASE WHEN m.from_profile_id = ? THEN m.to_profile_id ELSE m.from_profile_id END
			ORDER BY m.created_at DESC, m.id DESC
		) AS rn,
		SUM(CASE WHEN m.to_profile_id = ? AND m.is_read = false THEN 1 ELSE 0 END) OVER (
			PARTITION BY CASE WHEN m.from_profile_id = ? THEN m.to_profile_id ELSE m.from_profile_id END
		) AS unread_count,
		COUNT(*) OVER (
			PARTITION BY CASE WHEN m.from_profile_id = ? THEN m.to_profile_id ELSE m.from_profile_id END
		) AS total_messages
	FROM messages m
	WHERE m.from_profile_id = ? OR m.to_profile_id = ?
)
SELECT
	t.partner_profile_id,
	p.display_name AS partner_name,
	p.role AS partner_role,
	p.avatar_ref AS partner_avatar_ref,
	t.last_message_id,
	t.last_message_body,
	t.last_message_at,
	t.last_message_sender_role,
	t.unread_count,
	t.total_messages
FROM ranked t
JOIN profiles p ON p.id = t.partner_profile_id
WHERE t.rn = 1
ORDER BY t.last_message_at DESC, t.last_message_id DESC
LIMIT ?
`)

	args := []interface{}{viewerID, viewerID, viewerID, viewerID, viewerID, viewerID, viewerID, limit}

	var rows []models.ConversationSummary
	err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}

// UnreadTotal is the viewer's unread count across all conversations,
// rendered as the nav badge.
func (r *MessageRepository) UnreadTotal(ctx context.Context, viewerID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("to_profile_id = ? AND is_read = false", viewerID).
		Count(&count).Error
	return count, err
}
