package persona

import (
	"sync"
	"time"
)

type cooldownKey struct {
	persona    string
	threadType string
	threadKey  string
}

// CooldownTracker remembers the last dispatch time per (persona,
// thread) pair. It is process-local state; restarting the agent resets
// cooldowns, which only risks one extra reply.
type CooldownTracker struct {
	mu   sync.Mutex
	last map[cooldownKey]time.Time
}

// NewCooldownTracker returns an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[cooldownKey]time.Time)}
}

// Allow reports whether a dispatch for this pair is outside the
// cooldown window. A non-positive cooldown always allows.
func (t *CooldownTracker) Allow(personaName, threadType, threadKey string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[cooldownKey{personaName, threadType, threadKey}]
	return !ok || now.Sub(last) >= cooldown
}

// Record stamps a successful dispatch for the pair.
func (t *CooldownTracker) Record(personaName, threadType, threadKey string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[cooldownKey{personaName, threadType, threadKey}] = now
}
