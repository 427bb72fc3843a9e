package service

import (
	"context"
	"errors"
	"time"

	"github.com/classline/messaging-backend/internal/cache"
	"github.com/classline/messaging-backend/internal/conversation"
	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/presence"
	"github.com/classline/messaging-backend/internal/quota"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/repository"
	"github.com/classline/messaging-backend/internal/validation"
	"github.com/google/uuid"
)

// ErrNotEligible means the viewer may not message the target: students
// only reach teachers of their enrolled courses; admins and teachers reach
// anyone in their school.
var ErrNotEligible = errors.New("target is not an eligible conversation partner")

// MessagingService is the single entry point each role's UI talks to. One
// role-parameterized implementation serves all three portals: the role
// only changes eligible targets and quota applicability, never the state
// machine.
type MessagingService struct {
	ledger   *publishingLedger
	profiles repository.ProfileDirectoryInterface
	quota    *quota.Enforcer
	bus      *realtime.Bus
	presence *presence.Tracker
	cache    *cache.ConversationCache

	sendTimeout  time.Duration
	pollInterval time.Duration
}

func NewMessagingService(
	messages repository.MessageLedgerInterface,
	profiles repository.ProfileDirectoryInterface,
	quotaEnforcer *quota.Enforcer,
	bus *realtime.Bus,
	presenceTracker *presence.Tracker,
	convCache *cache.ConversationCache,
	sendTimeout, pollInterval time.Duration,
) *MessagingService {
	return &MessagingService{
		ledger:       newPublishingLedger(messages, bus),
		profiles:     profiles,
		quota:        quotaEnforcer,
		bus:          bus,
		presence:     presenceTracker,
		cache:        convCache,
		sendTimeout:  sendTimeout,
		pollInterval: pollInterval,
	}
}

// ListConversations returns the viewer's conversation list with unread
// badges, newest activity first. Summaries are cached; partner presence is
// always decorated fresh because it ages faster than the cache.
func (s *MessagingService) ListConversations(ctx context.Context, viewerID uint, limit int) ([]models.ConversationSummary, error) {
	if summaries, ok := s.cache.GetSummaries(viewerID); ok {
		s.decoratePresence(summaries)
		return summaries, nil
	}

	summaries, err := s.ledger.ListConversationSummaries(ctx, viewerID, limit)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SetSummaries(viewerID, summaries)
	s.decoratePresence(summaries)
	return summaries, nil
}

func (s *MessagingService) decoratePresence(summaries []models.ConversationSummary) {
	if s.presence == nil {
		return
	}
	for i := range summaries {
		summaries[i].PartnerIsOnline = s.presence.IsOnline(summaries[i].PartnerProfileID)
		summaries[i].PartnerLastSeen = s.presence.LastSeen(summaries[i].PartnerProfileID)
	}
}

// UnreadTotal is the cross-conversation unread count for the nav badge.
func (s *MessagingService) UnreadTotal(ctx context.Context, viewerID uint) (int64, error) {
	if total, ok := s.cache.GetUnreadTotal(viewerID); ok {
		return total, nil
	}
	total, err := s.ledger.UnreadTotal(ctx, viewerID)
	if err != nil {
		return 0, err
	}
	_ = s.cache.SetUnreadTotal(viewerID, total)
	return total, nil
}

// EligibleTargets lists the profiles the viewer may start a conversation
// with, per the role rules.
func (s *MessagingService) EligibleTargets(ctx context.Context, viewer *models.Profile) ([]models.Profile, error) {
	switch viewer.Role {
	case models.RoleStudent:
		return s.profiles.TeachersForStudent(ctx, viewer.ID)
	case models.RoleAdmin, models.RoleTeacher:
		return s.profiles.SchoolMembers(ctx, viewer.SchoolID, viewer.ID)
	default:
		return nil, ErrNotEligible
	}
}

func (s *MessagingService) checkEligible(ctx context.Context, viewer *models.Profile, target *models.Profile) error {
	switch viewer.Role {
	case models.RoleStudent:
		if target.Role != models.RoleTeacher {
			return ErrNotEligible
		}
		teachers, err := s.profiles.TeachersForStudent(ctx, viewer.ID)
		if err != nil {
			return err
		}
		for _, t := range teachers {
			if t.ID == target.ID {
				return nil
			}
		}
		return ErrNotEligible
	case models.RoleAdmin, models.RoleTeacher:
		if target.SchoolID != viewer.SchoolID {
			return ErrNotEligible
		}
		return nil
	default:
		return ErrNotEligible
	}
}

// StartConversation resolves the conversation with targetID, creating
// nothing: conversations exist implicitly once the first message lands, so
// starting one twice can never produce a duplicate. The returned summary
// is empty when no messages have been exchanged yet.
func (s *MessagingService) StartConversation(ctx context.Context, viewer *models.Profile, targetID uint) (*models.ConversationSummary, error) {
	target, err := s.profiles.FindByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := s.checkEligible(ctx, viewer, target); err != nil {
		return nil, err
	}

	summaries, err := s.ledger.ListConversationSummaries(ctx, viewer.ID, 0)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		if summaries[i].PartnerProfileID == target.ID {
			s.decoratePresence(summaries[i : i+1])
			return &summaries[i], nil
		}
	}

	summary := &models.ConversationSummary{
		PartnerProfileID: target.ID,
		PartnerName:      target.DisplayName,
		PartnerRole:      target.Role,
		PartnerAvatarRef: target.AvatarRef,
	}
	if s.presence != nil {
		summary.PartnerIsOnline = s.presence.IsOnline(target.ID)
		summary.PartnerLastSeen = s.presence.LastSeen(target.ID)
	}
	return summary, nil
}

// Send persists one message for the REST surface. ClientID carries the
// caller's optimistic id for dedup-by-echo; a blank one is assigned here.
// The returned snapshot reflects the quota after the send.
func (s *MessagingService) Send(ctx context.Context, sender *models.Profile, recipientID uint, clientID, body string) (*models.Message, models.QuotaSnapshot, error) {
	body = validation.TrimAndLimit(body, validation.MaxMessageLength())
	if body == "" {
		return nil, models.QuotaSnapshot{}, conversation.ErrEmptyBody
	}

	target, err := s.profiles.FindByID(ctx, recipientID)
	if err != nil {
		return nil, models.QuotaSnapshot{}, err
	}
	if err := s.checkEligible(ctx, sender, target); err != nil {
		return nil, models.QuotaSnapshot{}, err
	}

	if clientID == "" {
		clientID = uuid.NewString()
	}

	msg := &models.Message{
		ClientID:      clientID,
		FromProfileID: sender.ID,
		ToProfileID:   recipientID,
		SenderRole:    sender.Role,
		Body:          body,
	}

	saved, remaining, err := s.ledger.InsertMessage(ctx, msg)
	if errors.Is(err, repository.ErrQuotaExceeded) {
		snap, perr := s.quota.Peek(ctx, sender.ID, recipientID)
		if perr != nil {
			snap = models.QuotaSnapshot{Limited: true}
		}
		return nil, snap, repository.ErrQuotaExceeded
	}
	if err != nil {
		return nil, models.QuotaSnapshot{}, err
	}

	s.cache.Invalidate(sender.ID)
	s.cache.Invalidate(recipientID)

	snap := models.UnlimitedQuota()
	if remaining >= 0 {
		if peeked, perr := s.quota.Peek(ctx, sender.ID, recipientID); perr == nil {
			snap = peeked
		} else {
			snap = models.QuotaSnapshot{Limited: true, Allowed: remaining > 0, Remaining: remaining}
		}
	}
	return saved, snap, nil
}

// MarkDelivered stamps delivery receipts for everything the partner sent
// the viewer; called when the conversation becomes visible.
func (s *MessagingService) MarkDelivered(ctx context.Context, viewerID, partnerID uint) (int, error) {
	rows, err := s.ledger.MarkConversationDelivered(ctx, viewerID, partnerID)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// MarkRead stamps read receipts for every unread partner message and
// clears the viewer's unread badge for the conversation.
func (s *MessagingService) MarkRead(ctx context.Context, viewerID, partnerID uint) (int, error) {
	rows, err := s.ledger.MarkConversationRead(ctx, viewerID, partnerID)
	if err != nil {
		return 0, err
	}
	if len(rows) > 0 {
		s.cache.Invalidate(viewerID)
		s.cache.Invalidate(partnerID)
	}
	return len(rows), nil
}

// MarkMessageDelivered acknowledges one pushed message instead of a whole
// conversation. Reports whether a receipt was actually stamped; a repeat
// ack is a no-op.
func (s *MessagingService) MarkMessageDelivered(ctx context.Context, viewerID, messageID uint) (bool, error) {
	row, err := s.ledger.MarkDelivered(ctx, messageID, viewerID)
	return row != nil, err
}

// MarkMessageRead stamps one message's read receipt.
func (s *MessagingService) MarkMessageRead(ctx context.Context, viewerID, messageID uint) (bool, error) {
	row, err := s.ledger.MarkRead(ctx, messageID, viewerID)
	if row != nil {
		s.cache.Invalidate(viewerID)
		s.cache.Invalidate(row.FromProfileID)
	}
	return row != nil, err
}

// FetchMessages returns a page of the conversation, oldest first.
func (s *MessagingService) FetchMessages(ctx context.Context, viewerID, partnerID uint, since *time.Time, limit int) ([]models.Message, error) {
	key := models.NewConversationKey(viewerID, partnerID)
	return s.ledger.FetchMessages(ctx, key, since, limit)
}

// QuotaFor renders "N messages left today" for a student viewer; other
// roles are unlimited.
func (s *MessagingService) QuotaFor(ctx context.Context, viewer *models.Profile, targetID uint) (models.QuotaSnapshot, error) {
	if viewer.Role != models.RoleStudent {
		return models.UnlimitedQuota(), nil
	}
	return s.quota.Peek(ctx, viewer.ID, targetID)
}

// Heartbeat records the profile as online.
func (s *MessagingService) Heartbeat(profileID uint) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Heartbeat(profileID)
}

// Disconnect drops the online marker right away instead of waiting out the
// TTL. Called on explicit socket closes; crashed clients just expire.
func (s *MessagingService) Disconnect(profileID uint) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Clear(profileID)
}

// Presence returns the partner's online flag and last-seen time.
func (s *MessagingService) Presence(profileID uint) (bool, *time.Time) {
	if s.presence == nil {
		return false, nil
	}
	return s.presence.IsOnline(profileID), s.presence.LastSeen(profileID)
}

// OpenConversation builds and opens the live client-side store for one
// conversation: initial fetch, change-stream subscription (or polling
// fallback), quota snapshot and the delivered side effect. The caller owns
// the store and must Close it when the conversation loses focus.
func (s *MessagingService) OpenConversation(ctx context.Context, viewer *models.Profile, partnerID uint, onChange func(), onSendResult func(string, error)) (*conversation.Store, error) {
	partner, err := s.profiles.FindByID(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if err := s.checkEligible(ctx, viewer, partner); err != nil {
		return nil, err
	}

	store := conversation.NewStore(conversation.Config{
		Self:         *viewer,
		Partner:      *partner,
		Ledger:       s.ledger,
		Events:       s.bus,
		Quota:        s.quota,
		SendTimeout:  s.sendTimeout,
		PollInterval: s.pollInterval,
		OnChange:     onChange,
		OnSendResult: onSendResult,
	})
	if err := store.Open(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
