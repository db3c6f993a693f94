package memory

import (
	"context"
	"sync"
	"time"
)

// Deduper is an in-process idempotency key store.
type Deduper struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewDeduper constructs a Deduper.
func NewDeduper() *Deduper {
	return &Deduper{keys: make(map[string]time.Time), now: time.Now}
}

// Claim records key until ttl elapses.
func (d *Deduper) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.keys[key] = now.Add(ttl)
	return true, nil
}
