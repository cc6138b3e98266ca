package position

import (
	"sync"
	"time"

	"funding_arb/internal/core"
)

// CooldownRegistry tracks (symbol, exchange-pair) keys that recently failed
// and should be skipped by the scanner until their cooldown expires. Expired
// entries are pruned lazily on lookup.
type CooldownRegistry struct {
	mu       sync.Mutex
	until    map[core.PairKey]time.Time
	duration time.Duration
	now      func() time.Time
}

// NewCooldownRegistry creates a registry with the given cooldown duration.
func NewCooldownRegistry(duration time.Duration) *CooldownRegistry {
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return &CooldownRegistry{
		until:    make(map[core.PairKey]time.Time),
		duration: duration,
		now:      time.Now,
	}
}

// Add places a pair under cooldown starting now.
func (r *CooldownRegistry) Add(key core.PairKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.until[key] = r.now().Add(r.duration)
}

// InCooldown reports whether the pair is still under cooldown.
func (r *CooldownRegistry) InCooldown(key core.PairKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry, ok := r.until[key]
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		delete(r.until, key)
		return false
	}
	return true
}

// Size returns the number of live cooldown entries, pruning expired ones.
func (r *CooldownRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, expiry := range r.until {
		if now.After(expiry) {
			delete(r.until, key)
		}
	}
	return len(r.until)
}
