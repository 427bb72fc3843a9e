package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollSource is a FetchFunc over a mutable message slice.
type pollSource struct {
	mu   sync.Mutex
	rows []models.Message
}

func (s *pollSource) fetch(_ context.Context, since *time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.rows {
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *pollSource) add(id uint, at time.Time) {
	s.mu.Lock()
	s.rows = append(s.rows, models.Message{ID: id, CreatedAt: at, FromProfileID: 1, ToProfileID: 2})
	s.mu.Unlock()
}

func TestPollerDeliversNewMessages(t *testing.T) {
	src := &pollSource{}
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	src.add(1, base)

	var mu sync.Mutex
	seen := make(map[uint]int)
	p := NewPoller(10*time.Millisecond, src.fetch, func(m models.Message) {
		mu.Lock()
		seen[m.ID]++
		mu.Unlock()
	})
	p.Start(time.Time{})
	t.Cleanup(func() { _ = p.Close() })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[1] > 0
	}, time.Second, 5*time.Millisecond)

	src.add(2, base.Add(time.Minute))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[2] > 0
	}, time.Second, 5*time.Millisecond)
}

func TestPollerRedeliversInsideOverlapWindow(t *testing.T) {
	src := &pollSource{}
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	src.add(1, base)

	var mu sync.Mutex
	deliveries := 0
	p := NewPoller(10*time.Millisecond, src.fetch, func(m models.Message) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})
	p.Start(time.Time{})
	t.Cleanup(func() { _ = p.Close() })

	// The overlap window re-fetches recent rows every tick; consumers
	// dedup by id, the poller does not.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries > 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollerStartFromHighWater(t *testing.T) {
	src := &pollSource{}
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	src.add(1, base.Add(-2*time.Hour))
	src.add(2, base.Add(time.Minute))

	var mu sync.Mutex
	seen := make(map[uint]bool)
	p := NewPoller(10*time.Millisecond, src.fetch, func(m models.Message) {
		mu.Lock()
		seen[m.ID] = true
		mu.Unlock()
	})
	p.Start(base)
	t.Cleanup(func() { _ = p.Close() })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[2]
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, seen[1], "rows older than the overlap window stay untouched")
}

func TestPollerCloseIsSafe(t *testing.T) {
	p := NewPoller(10*time.Millisecond, func(context.Context, *time.Time) ([]models.Message, error) {
		return nil, nil
	}, func(models.Message) {})

	require.NoError(t, p.Close(), "close before start")

	p.Start(time.Time{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "double close")
}
