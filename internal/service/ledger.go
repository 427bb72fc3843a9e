package service

import (
	"context"
	"log"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/repository"
)

// publishingLedger decorates the message ledger so every accepted write
// emits a change-stream event, the way the original platform's database
// published row changes. Conversation stores and REST handlers share it,
// so an event exists no matter which surface performed the write.
// Publish failures are logged, never propagated: the ledger write already
// succeeded, and consumers heal missed events through fetch-merge.
type publishingLedger struct {
	repo repository.MessageLedgerInterface
	bus  *realtime.Bus
}

func newPublishingLedger(repo repository.MessageLedgerInterface, bus *realtime.Bus) *publishingLedger {
	return &publishingLedger{repo: repo, bus: bus}
}

func (l *publishingLedger) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, int, error) {
	saved, remaining, err := l.repo.InsertMessage(ctx, msg)
	if err != nil {
		return nil, 0, err
	}
	if perr := l.bus.PublishInserted(ctx, *saved); perr != nil {
		log.Printf("ledger: publish insert for message %d failed: %v", saved.ID, perr)
	}
	return saved, remaining, nil
}

func (l *publishingLedger) FetchMessages(ctx context.Context, key models.ConversationKey, since *time.Time, limit int) ([]models.Message, error) {
	return l.repo.FetchMessages(ctx, key, since, limit)
}

func (l *publishingLedger) ListConversationSummaries(ctx context.Context, viewerID uint, limit int) ([]models.ConversationSummary, error) {
	return l.repo.ListConversationSummaries(ctx, viewerID, limit)
}

func (l *publishingLedger) UnreadTotal(ctx context.Context, viewerID uint) (int64, error) {
	return l.repo.UnreadTotal(ctx, viewerID)
}

func (l *publishingLedger) MarkDelivered(ctx context.Context, messageID, viewerID uint) (*models.Message, error) {
	row, err := l.repo.MarkDelivered(ctx, messageID, viewerID)
	if row != nil {
		l.publishUpdates(ctx, []models.Message{*row})
	}
	return row, err
}

func (l *publishingLedger) MarkRead(ctx context.Context, messageID, viewerID uint) (*models.Message, error) {
	row, err := l.repo.MarkRead(ctx, messageID, viewerID)
	if row != nil {
		l.publishUpdates(ctx, []models.Message{*row})
	}
	return row, err
}

func (l *publishingLedger) MarkConversationDelivered(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error) {
	rows, err := l.repo.MarkConversationDelivered(ctx, viewerID, partnerID)
	l.publishUpdates(ctx, rows)
	return rows, err
}

func (l *publishingLedger) MarkConversationRead(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error) {
	rows, err := l.repo.MarkConversationRead(ctx, viewerID, partnerID)
	l.publishUpdates(ctx, rows)
	return rows, err
}

func (l *publishingLedger) publishUpdates(ctx context.Context, rows []models.Message) {
	for _, msg := range rows {
		if err := l.bus.PublishUpdated(ctx, msg); err != nil {
			log.Printf("ledger: publish update for message %d failed: %v", msg.ID, err)
		}
	}
}
