package cache

import (
	"fmt"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SummaryListTTL bounds staleness of the conversation list between
	// invalidations (sends and reads both invalidate).
	SummaryListTTL = 2 * time.Minute
	UnreadTotalTTL = 1 * time.Minute
)

// ConversationCache holds per-viewer conversation summaries and the unread
// badge total. Values are msgpack-encoded; every method is a no-op when
// Redis is not configured.
type ConversationCache struct {
	redis *RedisCache
}

func NewConversationCache(redis *RedisCache) *ConversationCache {
	return &ConversationCache{redis: redis}
}

func summaryKey(viewerID uint) string {
	return fmt.Sprintf("convlist:%d", viewerID)
}

func unreadKey(viewerID uint) string {
	return fmt.Sprintf("unread_total:%d", viewerID)
}

func (cc *ConversationCache) GetSummaries(viewerID uint) ([]models.ConversationSummary, bool) {
	if cc == nil || cc.redis == nil {
		return nil, false
	}
	data, err := cc.redis.Get(summaryKey(viewerID))
	if err != nil || data == nil {
		return nil, false
	}

	var summaries []models.ConversationSummary
	if err := msgpack.Unmarshal(data, &summaries); err != nil {
		return nil, false
	}
	return summaries, true
}

func (cc *ConversationCache) SetSummaries(viewerID uint, summaries []models.ConversationSummary) error {
	if cc == nil || cc.redis == nil {
		return nil
	}
	data, err := msgpack.Marshal(summaries)
	if err != nil {
		return err
	}
	return cc.redis.Set(summaryKey(viewerID), data, SummaryListTTL)
}

// Invalidate drops both cached views for a viewer; called for both parties
// after a send and for the reader after a mark-read.
func (cc *ConversationCache) Invalidate(viewerID uint) {
	if cc == nil || cc.redis == nil {
		return
	}
	_ = cc.redis.Delete(summaryKey(viewerID))
	_ = cc.redis.Delete(unreadKey(viewerID))
}

func (cc *ConversationCache) GetUnreadTotal(viewerID uint) (int64, bool) {
	if cc == nil || cc.redis == nil {
		return 0, false
	}
	data, err := cc.redis.Get(unreadKey(viewerID))
	if err != nil || data == nil {
		return 0, false
	}

	var total int64
	if err := msgpack.Unmarshal(data, &total); err != nil {
		return 0, false
	}
	return total, true
}

func (cc *ConversationCache) SetUnreadTotal(viewerID uint, total int64) error {
	if cc == nil || cc.redis == nil {
		return nil
	}
	data, err := msgpack.Marshal(total)
	if err != nil {
		return err
	}
	return cc.redis.Set(unreadKey(viewerID), data, UnreadTotalTTL)
}
