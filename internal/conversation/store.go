// Package conversation holds the client-resident state machine for one
// open conversation. It merges three input streams into a single ordered,
// deduplicated message list: the initial fetch, realtime push events, and
// local optimistic sends. Realtime events may arrive before, after or
// interleaved with the fetch; the merge-by-id rule makes the result
// independent of arrival order.
package conversation

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/repository"
	"github.com/classline/messaging-backend/internal/validation"
	"github.com/google/uuid"
)

var (
	// ErrSendFailed covers network/server persist failures, including the
	// bounded-timeout case where no response ever arrived. The optimistic
	// entry is rolled back first, so a retry is just another Send.
	ErrSendFailed = errors.New("message send failed")

	ErrEmptyBody = errors.New("message body is empty")
	ErrClosed    = errors.New("conversation is closed")
)

const (
	DefaultSendTimeout = 10 * time.Second
	defaultFetchLimit  = 100
)

// Ledger is the slice of the message ledger the store consumes.
// repository.MessageRepository satisfies it.
type Ledger interface {
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, int, error)
	FetchMessages(ctx context.Context, key models.ConversationKey, since *time.Time, limit int) ([]models.Message, error)
	MarkConversationDelivered(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, viewerID, partnerID uint) ([]models.Message, error)
}

// QuotaSource provides the advisory quota snapshot for student senders.
type QuotaSource interface {
	Peek(ctx context.Context, studentID, teacherID uint) (models.QuotaSnapshot, error)
}

// EventSource is the realtime change stream. realtime.Bus satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, key models.ConversationKey, onInsert, onUpdate func(models.Message)) (realtime.Subscription, error)
}

// Config wires one Store. Ledger and the two profiles are required;
// Events and Quota are optional (no Events means polling from the start).
type Config struct {
	Self    models.Profile
	Partner models.Profile
	Ledger  Ledger
	Events  EventSource
	Quota   QuotaSource

	SendTimeout  time.Duration
	PollInterval time.Duration
	FetchLimit   int

	// OnChange fires after any visible mutation of the message list or
	// quota snapshot. Called without internal locks held.
	OnChange func()
	// OnSendResult reports the outcome of each optimistic send by temp id:
	// nil, repository.ErrQuotaExceeded, or ErrSendFailed.
	OnSendResult func(tempID string, err error)
}

type entry struct {
	msg models.Message
	seq uint64 // local enqueue order; orders composing entries
}

type Store struct {
	cfg Config
	key models.ConversationKey

	mu       sync.Mutex
	entries  []*entry
	byID     map[uint]*entry
	byClient map[string]*entry
	seq      uint64
	quota    models.QuotaSnapshot

	sub    realtime.Subscription
	poller *realtime.Poller

	lastServerAt time.Time
	opened       bool
	closed       bool

	clock func() time.Time
}

func NewStore(cfg Config) *Store {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	return &Store{
		cfg:      cfg,
		key:      models.NewConversationKey(cfg.Self.ID, cfg.Partner.ID),
		byID:     make(map[uint]*entry),
		byClient: make(map[string]*entry),
		quota:    models.UnlimitedQuota(),
		clock:    time.Now,
	}
}

func (s *Store) Key() models.ConversationKey { return s.key }

// Open fetches the message range and quota snapshot, subscribes to the
// change stream (falling back to polling when the subscription cannot be
// established) and marks pending partner messages delivered. Idempotent.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	messages, err := s.cfg.Ledger.FetchMessages(ctx, s.key, nil, s.cfg.FetchLimit)
	if err != nil {
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		return err
	}
	for _, msg := range messages {
		s.mergeServer(msg, true)
	}

	if s.cfg.Quota != nil && s.cfg.Self.Role == models.RoleStudent {
		snap, err := s.cfg.Quota.Peek(ctx, s.cfg.Self.ID, s.cfg.Partner.ID)
		if err != nil {
			log.Printf("conversation %s: quota peek failed: %v", s.key, err)
		} else {
			s.mu.Lock()
			s.quota = snap
			s.mu.Unlock()
		}
	}

	s.attachEventStream(ctx)

	// Anything the partner sent before we looked is now delivered.
	delivered, err := s.cfg.Ledger.MarkConversationDelivered(ctx, s.cfg.Self.ID, s.cfg.Partner.ID)
	if err != nil {
		log.Printf("conversation %s: mark delivered failed: %v", s.key, err)
	}
	for _, msg := range delivered {
		s.mergeServer(msg, false)
	}

	s.notify()
	return nil
}

// attachEventStream subscribes to pushed events, degrading to the poller
// when the subscription fails. Sending never depends on this succeeding.
func (s *Store) attachEventStream(ctx context.Context) {
	if s.cfg.Events != nil {
		sub, err := s.cfg.Events.Subscribe(ctx, s.key,
			func(msg models.Message) { s.mergeServer(msg, true) },
			func(msg models.Message) { s.mergeServer(msg, false) },
		)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = sub.Close()
				return
			}
			s.sub = sub
			s.mu.Unlock()
			return
		}
		log.Printf("conversation %s: %v; falling back to polling", s.key, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	poller := realtime.NewPoller(s.cfg.PollInterval,
		func(ctx context.Context, since *time.Time) ([]models.Message, error) {
			return s.cfg.Ledger.FetchMessages(ctx, s.key, since, s.cfg.FetchLimit)
		},
		func(msg models.Message) { s.mergeServer(msg, true) },
	)
	s.poller = poller
	highWater := s.lastServerAt
	s.mu.Unlock()

	poller.Start(highWater)
}

// Send appends an optimistic entry tagged with a temp id and persists it
// asynchronously. On success the entry is swapped in place for the
// accepted message and the list re-sorted; on failure it is rolled back
// entirely and the outcome surfaced via OnSendResult. There is no
// automatic retry: retrying is a fresh Send, so a failed attempt can never
// double-count quota.
func (s *Store) Send(body string) (string, error) {
	body = validation.TrimAndLimit(body, validation.MaxMessageLength())
	if body == "" {
		return "", ErrEmptyBody
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	// Advisory pre-check only; the ledger's atomic reservation decides.
	if s.quota.Limited && s.quota.Remaining == 0 {
		s.mu.Unlock()
		return "", repository.ErrQuotaExceeded
	}

	clientID := uuid.NewString()
	tempID := "tmp-" + clientID
	s.seq++
	e := &entry{
		msg: models.Message{
			ClientID:      clientID,
			FromProfileID: s.cfg.Self.ID,
			ToProfileID:   s.cfg.Partner.ID,
			SenderRole:    s.cfg.Self.Role,
			Body:          body,
			TempID:        tempID,
		},
		seq: s.seq,
	}
	s.entries = append(s.entries, e)
	s.byClient[clientID] = e
	s.mu.Unlock()

	s.notify()
	go s.persist(clientID, tempID, body)
	return tempID, nil
}

// persist runs detached from the caller: a send that loses its view (user
// navigated away) must still resolve against the ledger. The timeout
// bounds how long a composing entry can exist without an ack.
func (s *Store) persist(clientID, tempID, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()

	type result struct {
		saved     *models.Message
		remaining int
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		msg := &models.Message{
			ClientID:      clientID,
			FromProfileID: s.cfg.Self.ID,
			ToProfileID:   s.cfg.Partner.ID,
			SenderRole:    s.cfg.Self.Role,
			Body:          body,
		}
		saved, remaining, err := s.cfg.Ledger.InsertMessage(ctx, msg)
		ch <- result{saved, remaining, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// No explicit response; resolve to failure rather than leaving a
		// stuck composing entry.
		res = result{err: ctx.Err()}
	}

	s.reconcile(clientID, tempID, res.saved, res.remaining, res.err)
}

func (s *Store) reconcile(clientID, tempID string, saved *models.Message, remaining int, err error) {
	s.mu.Lock()
	if s.closed {
		// The ledger already has the truth; the view is gone, so drop the
		// UI-side reconciliation.
		s.mu.Unlock()
		return
	}

	e, pending := s.byClient[clientID]
	if err != nil {
		var sendErr error
		switch {
		case errors.Is(err, repository.ErrQuotaExceeded):
			sendErr = repository.ErrQuotaExceeded
			s.quota.Allowed = false
			s.quota.Remaining = 0
		default:
			sendErr = errors.Join(ErrSendFailed, err)
		}
		if pending && e.msg.ID == 0 {
			s.removeLocked(e)
		}
		s.mu.Unlock()
		s.notify()
		if s.cfg.OnSendResult != nil {
			s.cfg.OnSendResult(tempID, sendErr)
		}
		return
	}

	if remaining >= 0 && s.quota.Limited {
		s.quota.Used = s.quota.Cap - remaining
		s.quota.Remaining = remaining
		s.quota.Allowed = remaining > 0
	}

	if pending && e.msg.ID == 0 {
		// The echo may have reconciled us already; otherwise swap the
		// optimistic entry for the accepted row in place and re-sort: the
		// server timestamp decides the final position.
		s.adoptLocked(e, *saved)
	}
	s.mu.Unlock()

	s.notify()
	if s.cfg.OnSendResult != nil {
		s.cfg.OnSendResult(tempID, nil)
	}
}

// mergeServer folds one server-side message into the list. allowNew
// distinguishes insert events (and fetch/poll rows) from receipt updates:
// an update for a message we do not track is stale and silently dropped.
func (s *Store) mergeServer(msg models.Message, allowNew bool) {
	if !s.key.Contains(msg.FromProfileID) || !s.key.Contains(msg.ToProfileID) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	changed := false
	if e, ok := s.byID[msg.ID]; ok {
		// Duplicate insert or receipt update: entries are merged by id, so
		// the entry count never changes; receipts only advance.
		changed = e.applyReceipts(msg)
	} else if e, ok := s.byClient[msg.ClientID]; ok && msg.ClientID != "" && e.msg.ID == 0 {
		// Our own insert echoed back before the persist response.
		s.adoptLocked(e, msg)
		changed = true
	} else if allowNew {
		s.seq++
		e := &entry{msg: msg, seq: s.seq}
		s.entries = append(s.entries, e)
		s.byID[msg.ID] = e
		if msg.ClientID != "" {
			s.byClient[msg.ClientID] = e
		}
		s.bumpServerTimeLocked(msg.CreatedAt)
		s.sortLocked()
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// adoptLocked swaps a composing entry for its accepted server row, keeping
// any receipts that already arrived.
func (s *Store) adoptLocked(e *entry, saved models.Message) {
	tempID := e.msg.TempID
	e.msg = saved
	e.msg.TempID = tempID
	s.byID[saved.ID] = e
	s.bumpServerTimeLocked(saved.CreatedAt)
	s.sortLocked()
}

// MarkRead issues the read receipt for every unread partner message,
// reflecting it locally before the server confirms. Only call while the
// conversation is the foreground view.
func (s *Store) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	now := s.clock()
	dirty := false
	for _, e := range s.entries {
		if e.msg.FromProfileID == s.cfg.Partner.ID && e.msg.ApplyRead(&now) {
			dirty = true
		}
	}
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	s.notify()

	rows, err := s.cfg.Ledger.MarkConversationRead(ctx, s.cfg.Self.ID, s.cfg.Partner.ID)
	if err != nil {
		// Optimistic state stands; the authoritative rows arrive via the
		// change stream or the next open.
		log.Printf("conversation %s: mark read failed: %v", s.key, err)
		return err
	}
	for _, msg := range rows {
		s.mergeServer(msg, false)
	}
	return nil
}

// Messages returns the ordered snapshot: server messages by created_at
// ascending (id as tiebreak), in-flight composing entries after the last
// server timestamp in local enqueue order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// UnreadCount is the viewer's unread count within this conversation.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.msg.FromProfileID == s.cfg.Partner.ID && !e.msg.IsRead {
			count++
		}
	}
	return count
}

// Quota returns the current advisory snapshot.
func (s *Store) Quota() models.QuotaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota
}

// Close releases the subscription or poller and drops local state.
// In-flight sends still resolve against the ledger but no longer touch
// this store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub, poller := s.sub, s.poller
	s.sub, s.poller = nil, nil
	s.entries = nil
	s.byID = make(map[uint]*entry)
	s.byClient = make(map[string]*entry)
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if poller != nil {
		_ = poller.Close()
	}
	return nil
}

func (s *Store) removeLocked(e *entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if e.msg.ID != 0 {
		delete(s.byID, e.msg.ID)
	}
	if e.msg.ClientID != "" {
		delete(s.byClient, e.msg.ClientID)
	}
}

func (s *Store) bumpServerTimeLocked(t time.Time) {
	if t.After(s.lastServerAt) {
		s.lastServerAt = t
	}
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		a, b := s.entries[i], s.entries[j]
		ac, bc := a.msg.ID == 0, b.msg.ID == 0
		switch {
		case ac && bc:
			return a.seq < b.seq
		case ac:
			return false
		case bc:
			return true
		case !a.msg.CreatedAt.Equal(b.msg.CreatedAt):
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		default:
			return a.msg.ID < b.msg.ID
		}
	})
}

func (s *Store) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func (e *entry) applyReceipts(msg models.Message) bool {
	changed := e.msg.ApplyDelivered(msg.DeliveredAt)
	if e.msg.ApplyRead(msg.ReadAt) {
		changed = true
	}
	return changed
}

