package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/repository"
)

// fakeQuotaLedger applies the increment-if-available rule under a mutex,
// mirroring the conditional upsert the real repository runs in Postgres.
type fakeQuotaLedger struct {
	mu   sync.Mutex
	rows map[string]*models.DailyQuota
}

func newFakeQuotaLedger() *fakeQuotaLedger {
	return &fakeQuotaLedger{rows: make(map[string]*models.DailyQuota)}
}

func quotaKey(studentID, teacherID uint, date time.Time) string {
	return fmt.Sprintf("%d/%d/%s", studentID, teacherID, date.Format("2006-01-02"))
}

func (f *fakeQuotaLedger) Reserve(_ context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := quotaKey(studentID, teacherID, date)
	q, ok := f.rows[key]
	if !ok {
		q = &models.DailyQuota{
			StudentProfileID: studentID,
			TeacherProfileID: teacherID,
			QuotaDate:        date,
			Cap:              cap,
		}
		f.rows[key] = q
	}
	if q.SentCount >= q.Cap {
		return nil, repository.ErrQuotaExceeded
	}
	q.SentCount++
	copied := *q
	return &copied, nil
}

func (f *fakeQuotaLedger) Peek(_ context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if q, ok := f.rows[quotaKey(studentID, teacherID, date)]; ok {
		copied := *q
		return &copied, nil
	}
	return &models.DailyQuota{
		StudentProfileID: studentID,
		TeacherProfileID: teacherID,
		QuotaDate:        date,
		Cap:              cap,
	}, nil
}

func fixedToday() time.Time {
	return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
}

func TestCheckAndReserveStudentCountsDown(t *testing.T) {
	ledger := newFakeQuotaLedger()
	e := NewEnforcer(ledger, 3, fixedToday)

	for want := 2; want >= 0; want-- {
		snap, err := e.CheckAndReserve(context.Background(), 1, 2, models.RoleStudent)
		if err != nil {
			t.Fatalf("CheckAndReserve returned error: %v", err)
		}
		if !snap.Allowed {
			t.Fatalf("reservation %d not allowed", 3-want)
		}
		if snap.Remaining != want {
			t.Errorf("Remaining = %d, want %d", snap.Remaining, want)
		}
	}

	snap, err := e.CheckAndReserve(context.Background(), 1, 2, models.RoleStudent)
	if err != nil {
		t.Fatalf("exhausted CheckAndReserve returned error: %v", err)
	}
	if snap.Allowed {
		t.Error("fourth reservation should be denied")
	}
	if snap.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", snap.Remaining)
	}
	if snap.Used != 3 {
		t.Errorf("Used = %d, want 3", snap.Used)
	}
}

func TestCheckAndReserveUnlimitedRoles(t *testing.T) {
	ledger := newFakeQuotaLedger()
	e := NewEnforcer(ledger, 3, fixedToday)

	for _, role := range []models.Role{models.RoleAdmin, models.RoleTeacher} {
		for i := 0; i < 10; i++ {
			snap, err := e.CheckAndReserve(context.Background(), 5, 6, role)
			if err != nil {
				t.Fatalf("CheckAndReserve(%s) error: %v", role, err)
			}
			if snap.Limited || !snap.Allowed {
				t.Fatalf("CheckAndReserve(%s) = %+v, want unlimited", role, snap)
			}
		}
	}

	if len(ledger.rows) != 0 {
		t.Errorf("unlimited roles must not touch the quota ledger, found %d rows", len(ledger.rows))
	}
}

func TestCheckAndReserveConcurrent(t *testing.T) {
	ledger := newFakeQuotaLedger()
	e := NewEnforcer(ledger, 3, fixedToday)

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := e.CheckAndReserve(context.Background(), 1, 2, models.RoleStudent)
			if err != nil {
				t.Errorf("CheckAndReserve error: %v", err)
				return
			}
			results <- snap.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("%d reservations succeeded, want exactly 3", allowed)
	}
}

func TestPeekDoesNotMutate(t *testing.T) {
	ledger := newFakeQuotaLedger()
	e := NewEnforcer(ledger, 3, fixedToday)

	for i := 0; i < 5; i++ {
		snap, err := e.Peek(context.Background(), 1, 2)
		if err != nil {
			t.Fatalf("Peek error: %v", err)
		}
		if snap.Used != 0 || snap.Remaining != 3 {
			t.Fatalf("Peek mutated state: %+v", snap)
		}
	}
}

func TestSnapshotResetsAtNextDay(t *testing.T) {
	ledger := newFakeQuotaLedger()
	e := NewEnforcer(ledger, 3, fixedToday)

	snap, err := e.CheckAndReserve(context.Background(), 1, 2, models.RoleStudent)
	if err != nil {
		t.Fatalf("CheckAndReserve error: %v", err)
	}
	want := fixedToday().AddDate(0, 0, 1)
	if !snap.ResetsAt.Equal(want) {
		t.Errorf("ResetsAt = %v, want %v", snap.ResetsAt, want)
	}
}
