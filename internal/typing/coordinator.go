// Package typing broadcasts ephemeral "is typing" signals per
// conversation. Signals are intentionally unreliable: nothing is stored,
// lost ones are healed by the TTL, and a sender that disconnects mid-type
// stops looking busy once its last signal expires.
package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultTTL bounds the "stuck typing forever" failure mode: with no
	// refresh inside this window the indicator clears on its own.
	DefaultTTL = 4 * time.Second

	// DefaultDebounce throttles the per-keystroke true signals.
	DefaultDebounce = 300 * time.Millisecond
)

func channelFor(key models.ConversationKey) string {
	return fmt.Sprintf("typing:%s", key)
}

// signal is the wire payload. SentAt is informational; expiry is measured
// on the receiver's clock.
type signal struct {
	FromProfileID uint      `msgpack:"from_profile_id"`
	FromLabel     string    `msgpack:"from_label"`
	IsTyping      bool      `msgpack:"is_typing"`
	SentAt        time.Time `msgpack:"sent_at"`
}

// Coordinator manages the typing channel for one open conversation.
// Connect and Disconnect must be paired: a leaked coordinator leaks a
// subscription and its goroutine.
type Coordinator struct {
	ps       realtime.PubSub
	self     uint
	ttl      time.Duration
	debounce time.Duration
	now      func() time.Time

	mu            sync.Mutex
	sub           realtime.Subscription
	partnerID     uint
	selfLabel     string
	partnerTyping bool
	partnerLabel  string
	updatedAt     time.Time
	expiry        *time.Timer
	lastSentTrue  time.Time
	onChange      func(isTyping bool)
}

func NewCoordinator(ps realtime.PubSub, selfProfileID uint, ttl, debounce time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		ps:       ps,
		self:     selfProfileID,
		ttl:      ttl,
		debounce: debounce,
		now:      time.Now,
	}
}

// OnChange registers a callback fired whenever the derived partner-typing
// boolean flips. Set before Connect.
func (c *Coordinator) OnChange(fn func(isTyping bool)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Connect joins the typing channel for the conversation with partnerID.
// Reconnecting to the same partner is a no-op; a different partner swaps
// the subscription.
func (c *Coordinator) Connect(ctx context.Context, partnerID uint, selfLabel string) error {
	c.mu.Lock()
	if c.sub != nil && c.partnerID == partnerID {
		c.mu.Unlock()
		return nil
	}
	prev := c.sub
	c.sub = nil
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	key := models.NewConversationKey(c.self, partnerID)
	sub, err := c.ps.Subscribe(ctx, channelFor(key))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.partnerID = partnerID
	c.selfLabel = selfLabel
	c.partnerTyping = false
	c.mu.Unlock()

	go c.receive(sub)
	return nil
}

// Disconnect leaves the channel and clears partner state. Idempotent.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.partnerID = 0
	c.clearPartnerLocked()
	c.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// NotifyTyping publishes the sender's state. True signals are debounced
// (keystroke-driven); false is always sent immediately, on send or on
// clearing the input.
func (c *Coordinator) NotifyTyping(ctx context.Context, isTyping bool) error {
	c.mu.Lock()
	if c.sub == nil {
		c.mu.Unlock()
		return nil
	}
	partnerID := c.partnerID
	label := c.selfLabel
	now := c.now()
	if isTyping {
		if now.Sub(c.lastSentTrue) < c.debounce {
			c.mu.Unlock()
			return nil
		}
		c.lastSentTrue = now
	} else {
		c.lastSentTrue = time.Time{}
	}
	c.mu.Unlock()

	payload, err := msgpack.Marshal(signal{
		FromProfileID: c.self,
		FromLabel:     label,
		IsTyping:      isTyping,
		SentAt:        now,
	})
	if err != nil {
		return err
	}
	key := models.NewConversationKey(c.self, partnerID)
	return c.ps.Publish(ctx, channelFor(key), payload)
}

// IsPartnerTyping is the derived indicator: true only while the last true
// signal is younger than the TTL.
func (c *Coordinator) IsPartnerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerTyping && c.now().Sub(c.updatedAt) < c.ttl
}

// PartnerLabel is the display name carried by the last typing signal.
func (c *Coordinator) PartnerLabel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerLabel
}

func (c *Coordinator) receive(sub realtime.Subscription) {
	for payload := range sub.Messages() {
		var sig signal
		if err := msgpack.Unmarshal(payload, &sig); err != nil {
			continue
		}
		// Our own broadcasts come back on the shared channel.
		if sig.FromProfileID == c.self {
			continue
		}

		c.mu.Lock()
		if c.sub != sub {
			c.mu.Unlock()
			return
		}
		if sig.IsTyping {
			flipped := !c.partnerTyping
			c.partnerTyping = true
			c.partnerLabel = sig.FromLabel
			c.updatedAt = c.now()
			c.armExpiryLocked()
			fn := c.onChange
			c.mu.Unlock()
			if flipped && fn != nil {
				fn(true)
			}
		} else {
			flipped := c.partnerTyping
			c.clearPartnerLocked()
			fn := c.onChange
			c.mu.Unlock()
			if flipped && fn != nil {
				fn(false)
			}
		}
	}
}

func (c *Coordinator) armExpiryLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.expiry = time.AfterFunc(c.ttl, func() {
		c.mu.Lock()
		expired := c.partnerTyping && c.now().Sub(c.updatedAt) >= c.ttl
		if expired {
			c.partnerTyping = false
		}
		fn := c.onChange
		c.mu.Unlock()
		if expired && fn != nil {
			fn(false)
		}
	})
}

func (c *Coordinator) clearPartnerLocked() {
	c.partnerTyping = false
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
}
