package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Limiter tracks per-actor cooldown expiries and "currently searching" markers.
// All methods are safe for concurrent use.
type Limiter struct {
	now func() time.Time

	mu        sync.Mutex
	cooldowns map[uuid.UUID]time.Time
	searching map[uuid.UUID]bool
}

func New() *Limiter { return NewWithClock(time.Now) }

// NewWithClock builds a Limiter that reads the current time from now.
func NewWithClock(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		now:       now,
		cooldowns: map[uuid.UUID]time.Time{},
		searching: map[uuid.UUID]bool{},
	}
}

// TryBeginSearch marks id as searching. It returns false if id is already marked.
func (l *Limiter) TryBeginSearch(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.searching[id] {
		return false
	}
	l.searching[id] = true
	return true
}

// EndSearch clears the searching marker. Calling it for an unmarked id is a no-op.
func (l *Limiter) EndSearch(id uuid.UUID) {
	l.mu.Lock()
	delete(l.searching, id)
	l.mu.Unlock()
}

func (l *Limiter) IsSearching(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.searching[id]
}

// Searching returns the number of actors currently marked as searching.
func (l *Limiter) Searching() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.searching)
}

func (l *Limiter) IsOnCooldown(id uuid.UUID, bypass bool) bool {
	if bypass {
		return false
	}
	l.mu.Lock()
	exp, ok := l.cooldowns[id]
	l.mu.Unlock()
	if !ok {
		return false
	}
	return exp.After(l.now())
}

// RemainingSeconds returns the remaining cooldown rounded up to whole seconds.
func (l *Limiter) RemainingSeconds(id uuid.UUID) int {
	l.mu.Lock()
	exp, ok := l.cooldowns[id]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	left := exp.Sub(l.now())
	if left <= 0 {
		return 0
	}
	secs := int(left / time.Second)
	if left%time.Second != 0 {
		secs++
	}
	return secs
}

// ApplyCooldown sets the expiry for id to now+seconds, replacing any earlier value.
func (l *Limiter) ApplyCooldown(id uuid.UUID, seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	exp := l.now().Add(time.Duration(seconds) * time.Second)
	l.mu.Lock()
	l.cooldowns[id] = exp
	l.mu.Unlock()
}
