package skylink

import (
	"context"
	"sync"
	"time"

	"github.com/skylink-telemetry/skylink/types"
)

// QueuedEvent is one accepted journal event waiting for the dispatcher.
type QueuedEvent struct {
	Event *RawEvent
	// Identity is the commander active when the line was read. Empty means
	// whoever is active at dispatch time.
	Identity types.Identity
	// Private is set when the rule table says the event goes to the
	// private endpoint. Events queued only for EDDN have it unset.
	Private bool
}

// eventQueue is an unbounded FIFO with a single consumer. Push never
// blocks, so a slow destination backs events up here instead of stalling
// the journal watcher.
type eventQueue struct {
	mu     sync.Mutex
	items  []QueuedEvent
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) Push(item QueuedEvent) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop waits up to timeout for the next item. ok is false on timeout or
// when ctx is done.
func (q *eventQueue) Pop(ctx context.Context, timeout time.Duration) (QueuedEvent, bool) {
	if item, ok := q.tryPop(); ok {
		return item, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if item, ok := q.tryPop(); ok {
				return item, true
			}
		case <-timer.C:
			return q.tryPop()
		case <-ctx.Done():
			return QueuedEvent{}, false
		}
	}
}

func (q *eventQueue) tryPop() (QueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedEvent{}, false
	}
	item := q.items[0]
	q.items[0] = QueuedEvent{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return item, true
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
