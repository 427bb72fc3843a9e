package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/classline/messaging-backend/internal/models"
)

const (
	DefaultPollInterval = 5 * time.Second

	// pollOverlap re-fetches a window behind the high-water mark so
	// receipt updates on recent messages are re-observed. The consumer's
	// merge is idempotent, so re-delivery is harmless.
	pollOverlap = 30 * time.Second
)

// FetchFunc pulls messages created after since, ordered ascending. A nil
// since means from the beginning of the conversation.
type FetchFunc func(ctx context.Context, since *time.Time) ([]models.Message, error)

// Poller is the degraded mode of the realtime bus: when a subscription
// cannot be established it periodically fetches the conversation tail and
// feeds the same merge path push events would have taken, so the consumer
// never knows which transport delivered an event.
type Poller struct {
	interval time.Duration
	fetch    FetchFunc
	deliver  func(models.Message)

	mu        sync.Mutex
	highWater time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
}

func NewPoller(interval time.Duration, fetch FetchFunc, deliver func(models.Message)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{interval: interval, fetch: fetch, deliver: deliver}
}

// Start begins polling from the given high-water mark (zero means the full
// conversation). Idempotent.
func (p *Poller) Start(highWater time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.highWater = highWater

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	var since *time.Time
	if !p.highWater.IsZero() {
		s := p.highWater.Add(-pollOverlap)
		since = &s
	}
	p.mu.Unlock()

	messages, err := p.fetch(ctx, since)
	if err != nil {
		log.Printf("realtime: poll failed: %v", err)
		return
	}

	for _, msg := range messages {
		p.deliver(msg)
		p.mu.Lock()
		if msg.CreatedAt.After(p.highWater) {
			p.highWater = msg.CreatedAt
		}
		p.mu.Unlock()
	}
}

// Close stops the loop and waits for it to exit. Safe to call without a
// prior Start and safe to call twice.
func (p *Poller) Close() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}
