package backend

import (
	"sync"
	"time"
)

// Ban records that a pool was temporarily taken out of rotation, and why. Re-banning
// within the existing ban window is a no-op: bans are idempotent, not cumulative, per §4.4.
type Ban struct {
	At     time.Time
	Reason string
	Until  time.Time
}

// BanBox holds the current ban for a pool (or none), guarded by its own lock so the pool's
// checkout path can check it without taking the pool's main mutex.
type BanBox struct {
	mu  sync.RWMutex
	ban *Ban
}

// Set bans for the given duration, unless an existing ban already covers at least that
// window, in which case it is left alone (idempotent-within-window).
func (b *BanBox) Set(reason string, d time.Duration) {
	now := time.Now()
	until := now.Add(d)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ban != nil && !now.After(b.ban.Until) && !b.ban.Until.Before(until) {
		return
	}
	b.ban = &Ban{At: now, Reason: reason, Until: until}
}

// Active reports the current ban, if it has not yet expired.
func (b *BanBox) Active() (Ban, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ban == nil {
		return Ban{}, false
	}
	if time.Now().After(b.ban.Until) {
		return Ban{}, false
	}
	return *b.ban, true
}

// Clear lifts any ban immediately, used by the all-replicas-banned fallback and by the
// replication-lag checker once a replica is back under the lag threshold.
func (b *BanBox) Clear() {
	b.mu.Lock()
	b.ban = nil
	b.mu.Unlock()
}
