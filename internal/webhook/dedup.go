package webhook

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultDeliveryTTL = time.Hour
	maxDeliveries      = 4096
)

// Deliveries remembers delivery IDs for a window so redelivered or replayed
// webhooks are recognised.
type Deliveries struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // id -> expiry
	Now     func() time.Time
}

func NewDeliveries(ttl time.Duration) *Deliveries {
	if ttl <= 0 {
		ttl = defaultDeliveryTTL
	}
	return &Deliveries{ttl: ttl, entries: map[string]time.Time{}, Now: time.Now}
}

// Claim records id and reports whether it was not seen within the window.
// Empty IDs are always claimable.
func (d *Deliveries) Claim(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	now := d.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, k)
		}
	}
	if exp, ok := d.entries[id]; ok && now.Before(exp) {
		return false
	}
	if len(d.entries) >= maxDeliveries {
		d.evictOldestLocked()
	}
	d.entries[id] = now.Add(d.ttl)
	return true
}

// Release forgets id so a retry of a failed delivery is processed again.
func (d *Deliveries) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, strings.TrimSpace(id))
}

func (d *Deliveries) evictOldestLocked() {
	var oldest string
	var oldestExp time.Time
	for k, exp := range d.entries {
		if oldest == "" || exp.Before(oldestExp) {
			oldest, oldestExp = k, exp
		}
	}
	delete(d.entries, oldest)
}
