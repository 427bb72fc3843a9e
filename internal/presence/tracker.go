// Package presence tracks best-effort online/last-seen state per profile.
// It is a UI hint only: a closed tab may look online until the TTL lapses,
// and that staleness is accepted rather than fought.
package presence

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultHeartbeatInterval is how often foregrounded clients call
	// Heartbeat. The TTL is 2-3x the interval to absorb jitter.
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultTTL               = 60 * time.Second

	// lastSeenRetention keeps "last seen X ago" available long after the
	// online flag expires.
	lastSeenRetention = 30 * 24 * time.Hour
)

// kvStore is the slice of the cache wrapper presence needs.
type kvStore interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) bool
}

type Tracker struct {
	store kvStore
	ttl   time.Duration
	now   func() time.Time
}

// NewTracker builds a tracker over the shared cache. A nil store is
// tolerated: everything reports offline and heartbeats are dropped.
func NewTracker(store kvStore, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, ttl: ttl, now: time.Now}
}

func onlineKey(profileID uint) string {
	return fmt.Sprintf("presence:online:%d", profileID)
}

func seenKey(profileID uint) string {
	return fmt.Sprintf("presence:seen:%d", profileID)
}

// Heartbeat records liveness for the profile. Called on a fixed interval
// while the app is foregrounded; the online flag expires on its own when
// heartbeats stop.
func (t *Tracker) Heartbeat(profileID uint) error {
	if t.store == nil {
		return nil
	}
	now := t.now()
	if err := t.store.Set(onlineKey(profileID), []byte("1"), t.ttl); err != nil {
		return err
	}
	data, err := msgpack.Marshal(now)
	if err != nil {
		return err
	}
	return t.store.Set(seenKey(profileID), data, lastSeenRetention)
}

// IsOnline is true iff a heartbeat arrived within the TTL window.
func (t *Tracker) IsOnline(profileID uint) bool {
	if t.store == nil {
		return false
	}
	return t.store.Exists(onlineKey(profileID))
}

// LastSeen returns the most recent heartbeat time, or nil when the profile
// has never been seen (or Redis is unavailable).
func (t *Tracker) LastSeen(profileID uint) *time.Time {
	if t.store == nil {
		return nil
	}
	data, err := t.store.Get(seenKey(profileID))
	if err != nil || data == nil {
		return nil
	}
	var ts time.Time
	if err := msgpack.Unmarshal(data, &ts); err != nil {
		return nil
	}
	return &ts
}

// Clear drops the online flag immediately, keeping last-seen. Used on
// explicit disconnects so the partner does not wait out the TTL.
func (t *Tracker) Clear(profileID uint) error {
	if t.store == nil {
		return nil
	}
	return t.store.Delete(onlineKey(profileID))
}
