// Package realtime carries message change events and other ephemeral
// broadcasts over a pub/sub primitive. Redis Pub/Sub is the production
// transport; an in-memory transport backs tests and single-node setups
// without Redis.
package realtime

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PubSub is the minimal broadcast primitive the bus and the typing
// coordinator are built on. Delivery is at-most-once and unordered across
// channels; consumers must tolerate duplicates and gaps.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a scoped resource: a leaked subscription leaks a
// goroutine and a server-side channel registration. Close is idempotent.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round-trip so a dead Redis surfaces
	// here, where the caller can fall back to polling, not later.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan []byte
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
	})
	return err
}

// MemoryPubSub is an in-process PubSub. Slow subscribers drop payloads
// instead of blocking publishers, matching Redis Pub/Sub semantics.
type MemoryPubSub struct {
	mu   sync.RWMutex
	subs map[string][]*memorySubscription
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]*memorySubscription)}
}

func (m *MemoryPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.out <- payload:
		default:
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		parent:  m,
		channel: channel,
		out:     make(chan []byte, 64),
	}

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	parent    *MemoryPubSub
	channel   string
	out       chan []byte
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		m := s.parent
		m.mu.Lock()
		subs := m.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				m.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(s.out)
	})
	return nil
}
