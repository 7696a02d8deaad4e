// Package notify fans out new records and status changes to live
// subscribers such as dashboard event streams and the export archive.
//
// Publishing never blocks the producer. A subscriber whose buffer is full
// misses the event; the miss is counted on the subscription and the
// subscriber is expected to resynchronize from a store snapshot.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/sensorlog/pkg/types"
)

// EventType names the kind of an event
type EventType string

const (
	// EventRecord carries a newly stored record
	EventRecord EventType = "record"
	// EventStatus carries an ingestion status change
	EventStatus EventType = "status"
)

// Event is a single notification
type Event struct {
	ID     int64
	Type   EventType
	Time   time.Time
	Record *types.Record
	Status any
}

// Subscription receives events on C until it is unsubscribed or the hub
// is closed, at which point C is closed
type Subscription struct {
	ID int64
	C  <-chan Event

	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns the number of events this subscriber missed
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub distributes events to subscribers
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool

	lastEventID atomic.Int64
	published   atomic.Uint64
	dropped     atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int64]*Subscription),
	}
}

// Subscribe registers a subscriber with the given buffer size
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{ID: h.nextID, C: ch, ch: ch}
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		sub.close()
	}
}

// Publish assigns the event an id and delivers it to every subscriber
// that has room for it
func (h *Hub) Publish(event Event) {
	event.ID = h.lastEventID.Add(1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.published.Add(1)
	for _, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// NotifyRecord publishes a stored record. It satisfies storage.Notifier.
func (h *Hub) NotifyRecord(rec types.Record) {
	h.Publish(Event{Type: EventRecord, Time: rec.Timestamp, Record: &rec})
}

// NotifyStatus publishes an ingestion status value
func (h *Hub) NotifyStatus(status any) {
	h.Publish(Event{Type: EventStatus, Status: status})
}

// Stats describes hub activity
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Stats returns hub counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()

	return Stats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}
