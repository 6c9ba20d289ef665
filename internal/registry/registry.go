package registry

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/dialbot/internal/call"
)

// Entry is the pending configuration stored between call initiation and the
// moment the provider's streaming connection correlates back to the call.
type Entry struct {
	Config      call.SessionConfig
	Params      map[string]string
	PhoneNumber string
	storedAt    time.Time
}

// Registry maps a provider call id to its pending session configuration.
// Entries are transient: they live in-process only and die with it, which
// is fine because a restart loses the active calls anyway.
type Registry struct {
	mu      sync.Mutex
	pending map[string]Entry
	ttl     time.Duration
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		pending: make(map[string]Entry),
		ttl:     ttl,
	}
}

// Put stores pending configuration for a call id. Last write wins.
func (r *Registry) Put(callID string, entry Entry) {
	if callID == "" {
		return
	}
	entry.storedAt = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[callID] = entry
}

// TakeIfPresent atomically removes and returns the entry for a call id.
// Under concurrent invocation for the same id exactly one caller wins;
// the rest observe ok=false.
func (r *Registry) TakeIfPresent(callID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[callID]
	if !ok {
		return Entry{}, false
	}
	delete(r.pending, callID)
	return entry, true
}

// PendingCount reports how many entries are waiting to correlate.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// StartJanitor evicts entries whose call never connected within the TTL, so
// abandoned initiations cannot grow the map without bound.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictExpired()
			}
		}
	}()
}

func (r *Registry) evictExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.pending {
		if now.Sub(entry.storedAt) >= r.ttl {
			delete(r.pending, id)
		}
	}
}
