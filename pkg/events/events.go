// Package events implements the event record and queue of spec.md §6,
// grounded on proxy/core/event/queue.py's EventQueue. The source's
// cross-process multiprocessing queue is out of scope per spec.md §1;
// this is the in-process, fire-and-forget, multi-producer sink
// SPEC_FULL.md §2.10 describes, which a future cross-process transport
// can sit behind without changing the record schema.
package events

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name enumerates the event names the core publishes.
type Name string

const (
	// RequestComplete fires when a request parser reaches COMPLETE,
	// per spec.md §6.
	RequestComplete Name = "REQUEST_COMPLETE"
	// Subscribe and Unsubscribe name control records, not proxy events.
	// Queue.Subscribe and Queue.Unsubscribe do not publish them; they
	// only add or remove the subscriber's channel.
	Subscribe   Name = "SUBSCRIBE"
	Unsubscribe Name = "UNSUBSCRIBE"
)

// Record is the event schema of spec.md §6: a mapping with
// request_id, process_id, thread_id, event_timestamp, event_name,
// event_payload, publisher_id. Go does not expose a goroutine id and
// Publish takes no task tag, so records it builds carry an empty
// thread_id.
type Record struct {
	RequestID     uuid.UUID      `json:"request_id"`
	ProcessID     int            `json:"process_id"`
	ThreadID      string         `json:"thread_id"`
	EventTimestamp float64       `json:"event_timestamp"`
	EventName     Name           `json:"event_name"`
	EventPayload  map[string]any `json:"event_payload"`
	PublisherID   string         `json:"publisher_id"`
}

// Subscriber receives published records until Unsubscribe is called.
type Subscriber chan Record

// Queue is a multi-producer, fire-and-forget fan-out sink. Publishes
// never block on slow subscribers beyond the queue's internal buffer.
type Queue struct {
	enabled bool

	mu   sync.Mutex
	subs map[string]Subscriber
}

// New creates a Queue. enabled mirrors the enable_events configuration
// key of spec.md §6 — when false, Publish is a no-op so the core can
// unconditionally call it without branching at every call site.
func New(enabled bool) *Queue {
	return &Queue{enabled: enabled, subs: make(map[string]Subscriber)}
}

// Publish fire-and-forgets a record to every current subscriber,
// stamping ProcessID and EventTimestamp itself.
func (q *Queue) Publish(requestID uuid.UUID, name Name, payload map[string]any, publisherID string) {
	if !q.enabled {
		return
	}
	rec := Record{
		RequestID:      requestID,
		ProcessID:      os.Getpid(),
		EventTimestamp: float64(time.Now().UnixNano()) / 1e9,
		EventName:      name,
		EventPayload:   payload,
		PublisherID:    publisherID,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subs {
		select {
		case sub <- rec:
		default:
			// Slow subscriber; drop rather than block the publisher,
			// matching the source's fire-and-forget contract.
		}
	}
}

// Subscribe registers a new subscriber identified by id and returns
// the channel it will receive records on.
func (q *Queue) Subscribe(id string) Subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(Subscriber, 64)
	q.subs[id] = ch
	return ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (q *Queue) Unsubscribe(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.subs[id]; ok {
		close(ch)
		delete(q.subs, id)
	}
}
