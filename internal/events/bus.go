// Package events is the in-process push stream every stage publishes to.
//
// Subscribers own a queue: Publish never blocks, so a stage that reacts to
// events may safely publish new ones from its handler. Backpressure is
// applied upstream instead: producers wait on a bounded subscription's
// WaitForRoom before doing the work that publishes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akmatori/alertflow/internal/database"
)

// Type is the kind of change an event announces
type Type string

const (
	Created          Type = "created"
	Updated          Type = "updated"
	Correlated       Type = "correlated"
	Escalated        Type = "escalated"
	Resolved         Type = "resolved"
	DeliveryFailed   Type = "delivery_failed"
	StoreUnavailable Type = "store_unavailable"
)

// Kind is the kind of record an event is about
type Kind string

const (
	KindAlert    Kind = "alert"
	KindIncident Kind = "incident"
	KindGroup    Kind = "group"
	KindAttempt  Kind = "attempt"
	KindStore    Kind = "store"
)

// Event is one entry of the event stream
type Event struct {
	ID       string                 `json:"id"`
	Type     Type                   `json:"type"`
	Kind     Kind                   `json:"kind"`
	TargetID string                 `json:"target_id"`
	Severity database.Severity      `json:"severity,omitempty"`
	Internal bool                   `json:"internal,omitempty"`
	Actor    string                 `json:"actor,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	At       time.Time              `json:"at"`
}

// Publisher is implemented by Bus; stages depend on this instead of the bus
type Publisher interface {
	Publish(e Event) Event
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Publish stamps the event with an id and time when missing and queues it for every subscriber
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	for _, s := range b.subs {
		s.push(e)
	}
	b.mu.RUnlock()
	return e
}

// Subscribe registers a subscriber. limit > 0 bounds its queue and drops the
// oldest events on overflow (stream clients); limit == 0 never drops.
func (b *Bus) Subscribe(limit int, filter func(Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribe(limit, 0, filter)
}

// SubscribeBounded registers a stage subscriber whose queue holds capacity
// events before WaitForRoom starts blocking producers. It never drops.
func (b *Bus) SubscribeBounded(capacity int, filter func(Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribe(0, capacity, filter)
}

func (b *Bus) subscribe(limit, capacity int, filter func(Event) bool) *Subscription {
	b.nextID++
	s := &Subscription{
		id:       b.nextID,
		bus:      b,
		limit:    limit,
		capacity: capacity,
		filter:   filter,
		notify:   make(chan struct{}, 1),
		room:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.subs[s.id] = s
	return s
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one subscriber's queue
type Subscription struct {
	id       uint64
	bus      *Bus
	limit    int
	capacity int
	filter   func(Event) bool

	mu      sync.Mutex
	queue   []Event
	dropped uint64
	closed  bool
	notify  chan struct{}
	// room is closed and replaced whenever a consumer frees space
	room chan struct{}
	done chan struct{}
}

func (s *Subscription) push(e Event) {
	if s.filter != nil && !s.filter(e) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends or the subscription closes
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.freed()
			s.mu.Unlock()
			return e, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Drain returns and removes every queued event without blocking
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	s.freed()
	return out
}

// freed wakes producers waiting for room. Callers hold s.mu.
func (s *Subscription) freed() {
	if s.capacity > 0 && len(s.queue) < s.capacity {
		close(s.room)
		s.room = make(chan struct{})
	}
}

// Len returns how many events are queued
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// WaitForRoom blocks while a bounded subscription holds capacity events or
// more. It returns at once for unbounded or closed subscriptions.
func (s *Subscription) WaitForRoom(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed || s.capacity <= 0 || len(s.queue) < s.capacity {
			s.mu.Unlock()
			return nil
		}
		room := s.room
		s.mu.Unlock()

		select {
		case <-room:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dropped returns how many events were discarded on overflow
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.bus.unsubscribe(s.id)
}

// Run calls fn for each event until ctx ends or the subscription closes
func (s *Subscription) Run(ctx context.Context, fn func(context.Context, Event)) {
	for {
		e, ok := s.Next(ctx)
		if !ok {
			return
		}
		fn(ctx, e)
	}
}

// OfTypes builds a filter accepting the given event types
func OfTypes(types ...Type) func(Event) bool {
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(e Event) bool { return set[e.Type] }
}
