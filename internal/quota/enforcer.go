// Package quota answers "can this sender message this recipient right now"
// for the student daily cap. Admin and teacher senders are uncapped. The
// client-side remaining count is a UX hint; the load-bearing check is the
// atomic reservation at the ledger boundary.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/repository"
)

type Enforcer struct {
	quotas repository.QuotaLedgerInterface
	cap    int
	today  func() time.Time
}

// NewEnforcer wires the quota ledger. today yields the current quota date
// (midnight in the school's timezone); cap <= 0 falls back to the default.
func NewEnforcer(quotas repository.QuotaLedgerInterface, cap int, today func() time.Time) *Enforcer {
	if cap <= 0 {
		cap = models.DefaultDailyCap
	}
	return &Enforcer{quotas: quotas, cap: cap, today: today}
}

// CheckAndReserve claims one send slot for a student sender; for any other
// role it is a no-op success. Exhaustion is reported in the snapshot
// (Allowed=false, Remaining=0), not as an error: the caller did nothing
// wrong and no state was mutated.
func (e *Enforcer) CheckAndReserve(ctx context.Context, senderID, recipientID uint, senderRole models.Role) (models.QuotaSnapshot, error) {
	if senderRole != models.RoleStudent {
		return models.UnlimitedQuota(), nil
	}

	date := e.today()
	q, err := e.quotas.Reserve(ctx, senderID, recipientID, date, e.cap)
	if errors.Is(err, repository.ErrQuotaExceeded) {
		peeked, perr := e.quotas.Peek(ctx, senderID, recipientID, date, e.cap)
		if perr != nil {
			return models.QuotaSnapshot{}, perr
		}
		return e.snapshot(peeked, false), nil
	}
	if err != nil {
		return models.QuotaSnapshot{}, err
	}
	return e.snapshot(q, true), nil
}

// Peek is the read-only view used to render "N messages left today" before
// the student types anything.
func (e *Enforcer) Peek(ctx context.Context, studentID, teacherID uint) (models.QuotaSnapshot, error) {
	q, err := e.quotas.Peek(ctx, studentID, teacherID, e.today(), e.cap)
	if err != nil {
		return models.QuotaSnapshot{}, err
	}
	return e.snapshot(q, q.SentCount < q.Cap), nil
}

func (e *Enforcer) snapshot(q *models.DailyQuota, allowed bool) models.QuotaSnapshot {
	remaining := q.Cap - q.SentCount
	if remaining < 0 {
		remaining = 0
	}
	return models.QuotaSnapshot{
		Limited:   true,
		Allowed:   allowed,
		Used:      q.SentCount,
		Cap:       q.Cap,
		Remaining: remaining,
		ResetsAt:  q.QuotaDate.AddDate(0, 0, 1),
	}
}
