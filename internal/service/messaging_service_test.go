package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classline/messaging-backend/internal/cache"
	"github.com/classline/messaging-backend/internal/conversation"
	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/presence"
	"github.com/classline/messaging-backend/internal/quota"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/repository"
)

var (
	testStudent = models.Profile{ID: 1, SchoolID: 1, Role: models.RoleStudent, DisplayName: "Sam"}
	testTeacher = models.Profile{ID: 2, SchoolID: 1, Role: models.RoleTeacher, DisplayName: "Tina"}
	testAdmin   = models.Profile{ID: 3, SchoolID: 1, Role: models.RoleAdmin, DisplayName: "Ada"}
	otherSchool = models.Profile{ID: 9, SchoolID: 2, Role: models.RoleTeacher, DisplayName: "Omar"}
)

type mockProfileDirectory struct {
	profiles map[uint]models.Profile
	teachers map[uint][]models.Profile
}

func newMockDirectory() *mockProfileDirectory {
	return &mockProfileDirectory{
		profiles: map[uint]models.Profile{
			testStudent.ID: testStudent,
			testTeacher.ID: testTeacher,
			testAdmin.ID:   testAdmin,
			otherSchool.ID: otherSchool,
		},
		teachers: map[uint][]models.Profile{
			testStudent.ID: {testTeacher},
		},
	}
}

func (m *mockProfileDirectory) FindByID(_ context.Context, id uint) (*models.Profile, error) {
	if p, ok := m.profiles[id]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockProfileDirectory) TeachersForStudent(_ context.Context, studentID uint) ([]models.Profile, error) {
	return m.teachers[studentID], nil
}

func (m *mockProfileDirectory) SchoolMembers(_ context.Context, schoolID, excludeID uint) ([]models.Profile, error) {
	var out []models.Profile
	for _, p := range m.profiles {
		if p.SchoolID == schoolID && p.ID != excludeID {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockMessageLedger struct {
	mu        sync.Mutex
	rows      []models.Message
	nextID    uint
	remaining int
	insertErr error
	summaries []models.ConversationSummary
}

func newMockLedger() *mockMessageLedger {
	return &mockMessageLedger{remaining: -1}
}

func (m *mockMessageLedger) InsertMessage(_ context.Context, msg *models.Message) (*models.Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return nil, 0, m.insertErr
	}
	m.nextID++
	saved := *msg
	saved.ID = m.nextID
	saved.CreatedAt = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC).Add(time.Duration(m.nextID) * time.Second)
	m.rows = append(m.rows, saved)
	return &saved, m.remaining, nil
}

func (m *mockMessageLedger) FetchMessages(_ context.Context, key models.ConversationKey, since *time.Time, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, r := range m.rows {
		if r.Key() == key {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockMessageLedger) MarkDelivered(_ context.Context, id, viewerID uint) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	for i := range m.rows {
		r := &m.rows[i]
		if r.ID == id && r.ToProfileID == viewerID && r.ApplyDelivered(&now) {
			changed := *r
			return &changed, nil
		}
	}
	return nil, nil
}

func (m *mockMessageLedger) MarkRead(_ context.Context, id, viewerID uint) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	for i := range m.rows {
		r := &m.rows[i]
		if r.ID == id && r.ToProfileID == viewerID && r.ApplyRead(&now) {
			changed := *r
			return &changed, nil
		}
	}
	return nil, nil
}

func (m *mockMessageLedger) MarkConversationDelivered(_ context.Context, viewerID, partnerID uint) ([]models.Message, error) {
	return nil, nil
}

func (m *mockMessageLedger) MarkConversationRead(_ context.Context, viewerID, partnerID uint) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	var changed []models.Message
	for i := range m.rows {
		r := &m.rows[i]
		if r.FromProfileID == partnerID && r.ToProfileID == viewerID && r.ApplyRead(&now) {
			changed = append(changed, *r)
		}
	}
	return changed, nil
}

func (m *mockMessageLedger) ListConversationSummaries(_ context.Context, viewerID uint, limit int) ([]models.ConversationSummary, error) {
	return m.summaries, nil
}

func (m *mockMessageLedger) UnreadTotal(_ context.Context, viewerID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.rows {
		if r.ToProfileID == viewerID && !r.IsRead {
			total++
		}
	}
	return total, nil
}

type mockQuotaLedger struct {
	mu     sync.Mutex
	counts map[string]int
	cap    int
}

func (m *mockQuotaLedger) key(s, t uint, d time.Time) string {
	return d.Format("2006-01-02")
}

func (m *mockQuotaLedger) Reserve(_ context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(studentID, teacherID, date)
	if m.counts[k] >= cap {
		return nil, repository.ErrQuotaExceeded
	}
	m.counts[k]++
	return &models.DailyQuota{StudentProfileID: studentID, TeacherProfileID: teacherID, QuotaDate: date, SentCount: m.counts[k], Cap: cap}, nil
}

func (m *mockQuotaLedger) Peek(_ context.Context, studentID, teacherID uint, date time.Time, cap int) (*models.DailyQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.DailyQuota{StudentProfileID: studentID, TeacherProfileID: teacherID, QuotaDate: date, SentCount: m.counts[m.key(studentID, teacherID, date)], Cap: cap}, nil
}

func newTestService(ledger *mockMessageLedger) (*MessagingService, *realtime.Bus) {
	quotaLedger := &mockQuotaLedger{counts: make(map[string]int), cap: 3}
	enforcer := quota.NewEnforcer(quotaLedger, 3, func() time.Time {
		return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	})
	bus := realtime.NewBus(realtime.NewMemoryPubSub())
	tracker := presence.NewTracker(nil, 0)
	convCache := cache.NewConversationCache(nil)

	svc := NewMessagingService(
		ledger, newMockDirectory(), enforcer, bus, tracker, convCache,
		time.Second, 20*time.Millisecond,
	)
	return svc, bus
}

func TestEligibleTargetsByRole(t *testing.T) {
	svc, _ := newTestService(newMockLedger())

	studentTargets, err := svc.EligibleTargets(context.Background(), &testStudent)
	if err != nil {
		t.Fatalf("EligibleTargets(student) error: %v", err)
	}
	if len(studentTargets) != 1 || studentTargets[0].ID != testTeacher.ID {
		t.Errorf("student targets = %+v, want only their teacher", studentTargets)
	}

	adminTargets, err := svc.EligibleTargets(context.Background(), &testAdmin)
	if err != nil {
		t.Fatalf("EligibleTargets(admin) error: %v", err)
	}
	if len(adminTargets) != 2 {
		t.Errorf("admin sees %d school members, want 2", len(adminTargets))
	}
	for _, p := range adminTargets {
		if p.ID == otherSchool.ID {
			t.Error("admin targets must not cross schools")
		}
	}
}

func TestSendHappyPath(t *testing.T) {
	ledger := newMockLedger()
	svc, _ := newTestService(ledger)

	msg, snap, err := svc.Send(context.Background(), &testTeacher, testStudent.ID, "", "  welcome aboard  ")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if msg.ID == 0 {
		t.Error("accepted message must carry a server id")
	}
	if msg.Body != "welcome aboard" {
		t.Errorf("Body = %q, want trimmed", msg.Body)
	}
	if msg.ClientID == "" {
		t.Error("blank client id must be assigned server-side")
	}
	if snap.Limited {
		t.Errorf("teacher sender snapshot = %+v, want unlimited", snap)
	}
}

func TestSendPublishesInsertEvent(t *testing.T) {
	ledger := newMockLedger()
	svc, bus := newTestService(ledger)

	received := make(chan models.Message, 1)
	key := models.NewConversationKey(testTeacher.ID, testStudent.ID)
	sub, err := bus.Subscribe(context.Background(), key, func(m models.Message) {
		received <- m
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	if _, _, err := svc.Send(context.Background(), &testTeacher, testStudent.ID, "", "event check"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case m := <-received:
		if m.Body != "event check" {
			t.Errorf("event body = %q", m.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("no insert event published")
	}
}

func TestSendEligibilityRules(t *testing.T) {
	svc, _ := newTestService(newMockLedger())

	tests := []struct {
		name      string
		sender    *models.Profile
		recipient uint
		wantErr   error
	}{
		{"Student to their teacher", &testStudent, testTeacher.ID, nil},
		{"Student to admin", &testStudent, testAdmin.ID, ErrNotEligible},
		{"Student to another student", &testStudent, testStudent.ID, ErrNotEligible},
		{"Teacher across schools", &testTeacher, otherSchool.ID, ErrNotEligible},
		{"Admin within school", &testAdmin, testStudent.ID, nil},
		{"Unknown recipient", &testTeacher, 404, repository.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Send(context.Background(), tt.sender, tt.recipient, "", "body")
			if tt.wantErr == nil && err != nil {
				t.Errorf("Send error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Send error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendEmptyBody(t *testing.T) {
	svc, _ := newTestService(newMockLedger())

	_, _, err := svc.Send(context.Background(), &testTeacher, testStudent.ID, "", "   ")
	if !errors.Is(err, conversation.ErrEmptyBody) {
		t.Errorf("Send error = %v, want ErrEmptyBody", err)
	}
}

func TestSendQuotaExceededReturnsSnapshot(t *testing.T) {
	ledger := newMockLedger()
	ledger.insertErr = repository.ErrQuotaExceeded
	svc, _ := newTestService(ledger)

	_, snap, err := svc.Send(context.Background(), &testStudent, testTeacher.ID, "", "over the cap")
	if !errors.Is(err, repository.ErrQuotaExceeded) {
		t.Fatalf("Send error = %v, want ErrQuotaExceeded", err)
	}
	if !snap.Limited {
		t.Error("quota snapshot should mark the sender limited")
	}
}

func TestQuotaForRoles(t *testing.T) {
	svc, _ := newTestService(newMockLedger())

	snap, err := svc.QuotaFor(context.Background(), &testStudent, testTeacher.ID)
	if err != nil {
		t.Fatalf("QuotaFor error: %v", err)
	}
	if !snap.Limited || snap.Remaining != 3 {
		t.Errorf("student snapshot = %+v, want limited with 3 remaining", snap)
	}

	snap, err = svc.QuotaFor(context.Background(), &testTeacher, testStudent.ID)
	if err != nil {
		t.Fatalf("QuotaFor error: %v", err)
	}
	if snap.Limited {
		t.Errorf("teacher snapshot = %+v, want unlimited", snap)
	}
}

func TestStartConversationIsIdempotent(t *testing.T) {
	ledger := newMockLedger()
	svc, _ := newTestService(ledger)

	first, err := svc.StartConversation(context.Background(), &testStudent, testTeacher.ID)
	if err != nil {
		t.Fatalf("StartConversation error: %v", err)
	}
	second, err := svc.StartConversation(context.Background(), &testStudent, testTeacher.ID)
	if err != nil {
		t.Fatalf("repeat StartConversation error: %v", err)
	}

	if first.PartnerProfileID != testTeacher.ID || second.PartnerProfileID != testTeacher.ID {
		t.Error("both calls resolve the same partner")
	}
	if first.PartnerName != second.PartnerName {
		t.Error("repeat start must return the same conversation")
	}
}

func TestStartConversationReturnsExistingSummary(t *testing.T) {
	ledger := newMockLedger()
	ledger.summaries = []models.ConversationSummary{{
		PartnerProfileID: testTeacher.ID,
		PartnerName:      testTeacher.DisplayName,
		UnreadCount:      4,
	}}
	svc, _ := newTestService(ledger)

	summary, err := svc.StartConversation(context.Background(), &testStudent, testTeacher.ID)
	if err != nil {
		t.Fatalf("StartConversation error: %v", err)
	}
	if summary.UnreadCount != 4 {
		t.Errorf("existing summary not reused: %+v", summary)
	}
}

func TestMarkReadPublishesUpdates(t *testing.T) {
	ledger := newMockLedger()
	svc, bus := newTestService(ledger)

	if _, _, err := svc.Send(context.Background(), &testStudent, testTeacher.ID, "", "read me"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	updates := make(chan models.Message, 1)
	key := models.NewConversationKey(testStudent.ID, testTeacher.ID)
	sub, err := bus.Subscribe(context.Background(), key, nil, func(m models.Message) {
		updates <- m
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	count, err := svc.MarkRead(context.Background(), testTeacher.ID, testStudent.ID)
	if err != nil {
		t.Fatalf("MarkRead error: %v", err)
	}
	if count != 1 {
		t.Errorf("MarkRead count = %d, want 1", count)
	}

	select {
	case m := <-updates:
		if !m.IsRead {
			t.Error("published update should carry the read receipt")
		}
	case <-time.After(time.Second):
		t.Fatal("no update event published")
	}
}

func TestMarkSingleMessageReadPublishesUpdate(t *testing.T) {
	ledger := newMockLedger()
	svc, bus := newTestService(ledger)

	msg, _, err := svc.Send(context.Background(), &testStudent, testTeacher.ID, "", "ack me")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	updates := make(chan models.Message, 1)
	key := models.NewConversationKey(testStudent.ID, testTeacher.ID)
	sub, err := bus.Subscribe(context.Background(), key, nil, func(m models.Message) {
		updates <- m
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	updated, err := svc.MarkMessageRead(context.Background(), testTeacher.ID, msg.ID)
	if err != nil {
		t.Fatalf("MarkMessageRead error: %v", err)
	}
	if !updated {
		t.Fatal("first read receipt must stamp the row")
	}

	select {
	case m := <-updates:
		if m.ID != msg.ID || !m.IsRead {
			t.Errorf("published update = %+v, want read receipt for message %d", m, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no update event published")
	}

	// A repeat ack is a no-op, not an error.
	updated, err = svc.MarkMessageRead(context.Background(), testTeacher.ID, msg.ID)
	if err != nil {
		t.Fatalf("repeat MarkMessageRead error: %v", err)
	}
	if updated {
		t.Error("repeat read receipt must not report a change")
	}
}

func TestMarkSingleMessageDeliveredScopedToRecipient(t *testing.T) {
	ledger := newMockLedger()
	svc, _ := newTestService(ledger)

	msg, _, err := svc.Send(context.Background(), &testStudent, testTeacher.ID, "", "for the teacher")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	// The sender cannot stamp receipts on their own message.
	updated, err := svc.MarkMessageDelivered(context.Background(), testStudent.ID, msg.ID)
	if err != nil {
		t.Fatalf("MarkMessageDelivered error: %v", err)
	}
	if updated {
		t.Error("sender-side ack must be a no-op")
	}

	updated, err = svc.MarkMessageDelivered(context.Background(), testTeacher.ID, msg.ID)
	if err != nil {
		t.Fatalf("MarkMessageDelivered error: %v", err)
	}
	if !updated {
		t.Error("recipient ack must stamp the delivery receipt")
	}
}

func TestOpenConversationEnforcesEligibility(t *testing.T) {
	svc, _ := newTestService(newMockLedger())

	if _, err := svc.OpenConversation(context.Background(), &testStudent, testAdmin.ID, nil, nil); !errors.Is(err, ErrNotEligible) {
		t.Errorf("OpenConversation error = %v, want ErrNotEligible", err)
	}

	store, err := svc.OpenConversation(context.Background(), &testStudent, testTeacher.ID, nil, nil)
	if err != nil {
		t.Fatalf("OpenConversation error: %v", err)
	}
	defer store.Close()

	if store.Key() != models.NewConversationKey(testStudent.ID, testTeacher.ID) {
		t.Errorf("store key = %v", store.Key())
	}
}
