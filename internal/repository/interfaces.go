package repository

import (
	"context"
	"errors"
	"time"

	"github.com/classline/messaging-backend/internal/models"
)

// Ledger boundary errors. ErrQuotaExceeded is returned without mutating
// state; callers recover by waiting for the next calendar date.
var (
	ErrQuotaExceeded = errors.New("daily message quota exceeded")
	ErrNotFound      = errors.New("record not found")
)

// MessageLedgerInterface is the durable message store contract the
// messaging core depends on. Inserts assign id and created_at; receipt
// updates are monotonic (a set field is never cleared or moved earlier);
// student->teacher inserts reserve quota atomically in the same
// transaction and fail with ErrQuotaExceeded when the cap is reached.
type MessageLedgerInterface interface {
	// InsertMessage persists msg and returns it with server-assigned fields.
	// remaining is the sender's quota balance after the send, -1 when the
	// cap does not apply.
	InsertMessage(ctx context.Context, msg *models.Message) (saved *models.Message, remaining int, err error)
	FetchMessages(ctx context.Context, key models.ConversationKey, since *time.Time, limit int) ([]models.Message, error)
	// MarkDelivered / MarkRead stamp one message's receipt, scoped to its
	// recipient. They return the updated row, or nil when the receipt was
	// already set (a no-op, not an error).
	MarkDelivered(ctx context.Context, messageID, viewerID uint) (*models.Message, error)
	MarkRead(ctx context.Context, messageID, viewerID uint) (*models.Message, error)
	// Bulk receipt updates for one conversation, returning the rows that
	// actually changed so callers can publish update events.
	MarkConversationDelivered(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error)
	ListConversationSummaries(ctx context.Context, viewerID uint, limit int) ([]models.ConversationSummary, error)
	UnreadTotal(ctx context.Context, viewerID uint) (int64, error)
}

// QuotaLedgerInterface is the atomic daily-quota store. Reserve is an
// increment-if-available: under concurrent callers at most cap
// reservations succeed for one (student, teacher, date) key.
type QuotaLedgerInterface interface {
	Reserve(ctx context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error)
	Peek(ctx context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error)
}

// ProfileDirectoryInterface reads participant reference data owned by the
// identity service.
type ProfileDirectoryInterface interface {
	FindByID(ctx context.Context, id uint) (*models.Profile, error)
	// TeachersForStudent lists teachers of the student's enrolled courses,
	// the only profiles a student may start a conversation with.
	TeachersForStudent(ctx context.Context, studentProfileID uint) ([]models.Profile, error)
	// SchoolMembers lists everyone in a school except the viewer; the
	// admin/teacher new-conversation target list.
	SchoolMembers(ctx context.Context, schoolID, excludeProfileID uint) ([]models.Profile, error)
}
