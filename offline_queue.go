package skylink

import (
	"sync"
	"time"

	"github.com/skylink-telemetry/skylink/types"
)

// DefaultOfflineTTL is how long an undeliverable event is retried.
const DefaultOfflineTTL = 120 * time.Second

// OfflineEntry is an event that failed with a transient error.
type OfflineEntry struct {
	Event *RawEvent
	// Identity is the commander that observed the event; retries
	// authenticate as this commander even after a session switch.
	Identity      types.Identity
	FirstQueuedAt time.Time
}

// Expired reports whether the entry outlived ttl at now.
func (e OfflineEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FirstQueuedAt) > ttl
}

// OfflineRetryQueue is the FIFO of events waiting for the private endpoint
// to come back. Only the dispatcher touches it; the mutex exists so status
// surfaces can read the depth.
type OfflineRetryQueue struct {
	ttl time.Duration

	mu      sync.Mutex
	entries []OfflineEntry
}

// NewOfflineRetryQueue returns an empty queue dropping entries older than ttl.
func NewOfflineRetryQueue(ttl time.Duration) *OfflineRetryQueue {
	if ttl <= 0 {
		ttl = DefaultOfflineTTL
	}
	return &OfflineRetryQueue{ttl: ttl}
}

// TTL returns the queue's time-to-live.
func (q *OfflineRetryQueue) TTL() time.Duration {
	return q.ttl
}

// Push appends entry. Re-queued entries keep their original FirstQueuedAt.
func (q *OfflineRetryQueue) Push(entry OfflineEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
}

// TakeAll removes and returns every queued entry in order. A drain pass
// works on this snapshot; anything re-queued during the pass waits for the
// next idle cycle.
func (q *OfflineRetryQueue) TakeAll() []OfflineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.entries
	q.entries = nil
	return entries
}

// Len returns the number of queued entries.
func (q *OfflineRetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries.
func (q *OfflineRetryQueue) Entries() []OfflineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]OfflineEntry(nil), q.entries...)
}
