package alerts

import (
	"sync"
	"time"
)

// Key identifies one threshold of one timer.
type Key struct {
	TimerID string
	Minutes int
}

// Tracker remembers which thresholds already fired or were acknowledged.
// It lives as long as the process that owns it; nothing is persisted.
type Tracker struct {
	mu       sync.Mutex
	fired    map[Key]struct{}
	acked    map[Key]struct{}
	extended map[string]time.Time // timer id -> updated_at of its last extension

	gcThreshold int
}

func NewTracker(gcThreshold int) *Tracker {
	if gcThreshold <= 0 {
		gcThreshold = 1000
	}
	t := &Tracker{gcThreshold: gcThreshold}
	t.Reset()
	return t
}

// Reset forgets everything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fired = map[Key]struct{}{}
	t.acked = map[Key]struct{}{}
	t.extended = map[string]time.Time{}
}

// tryFire marks k as fired and reports true, unless k is acknowledged,
// already fired, or the caller's data predates the timer's last extension.
func (t *Tracker) tryFire(k Key, seenAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ext, ok := t.extended[k.TimerID]; ok && seenAt.Before(ext) {
		return false
	}
	if _, ok := t.acked[k]; ok {
		return false
	}
	if _, ok := t.fired[k]; ok {
		return false
	}
	t.fired[k] = struct{}{}
	return true
}

func (t *Tracker) Acknowledge(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked[k] = struct{}{}
}

// Clear drops every entry of timerID from both sets and records the
// extension instant.
func (t *Tracker) Clear(timerID string, extendedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.fired {
		if k.TimerID == timerID {
			delete(t.fired, k)
		}
	}
	for k := range t.acked {
		if k.TimerID == timerID {
			delete(t.acked, k)
		}
	}
	if prev, ok := t.extended[timerID]; !ok || extendedAt.After(prev) {
		t.extended[timerID] = extendedAt
	}
}

func (t *Tracker) Fired(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.fired[k]
	return ok
}

func (t *Tracker) Acknowledged(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.acked[k]
	return ok
}

func (t *Tracker) FiredCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fired)
}

func (t *Tracker) oversized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fired) > t.gcThreshold || len(t.acked) > t.gcThreshold
}

// Collect purges entries of timers outside live, but only once the fired
// or acknowledged set has grown past the threshold. Returns the number of
// entries removed.
func (t *Tracker) Collect(live map[string]struct{}) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.fired) <= t.gcThreshold && len(t.acked) <= t.gcThreshold {
		return 0
	}
	removed := 0
	for k := range t.fired {
		if _, ok := live[k.TimerID]; !ok {
			delete(t.fired, k)
			removed++
		}
	}
	for k := range t.acked {
		if _, ok := live[k.TimerID]; !ok {
			delete(t.acked, k)
			removed++
		}
	}
	for id := range t.extended {
		if _, ok := live[id]; !ok {
			delete(t.extended, id)
		}
	}
	return removed
}
