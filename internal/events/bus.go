// Package events provides the broadcast bus that decouples per-session PTY
// workers from their consumers. Publishing never blocks: a subscriber whose
// buffer is full loses events and is told how many on its next receive via
// a Lagged event.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind discriminates Event payloads.
type Kind uint8

const (
	// KindCreated announces a new session and its shell pid.
	KindCreated Kind = iota + 1
	// KindOutput carries raw bytes read from a session's PTY master.
	KindOutput
	// KindProcessExited reports shell death. ExitCode is nil when no code
	// was observable.
	KindProcessExited
	// KindTerminated reports that a session was closed and its workers
	// have been told to stop.
	KindTerminated
	// KindError carries a non-fatal session error message.
	KindError
	// KindLagged is synthesized per subscriber after overflow; Missed is
	// the number of events that subscriber lost.
	KindLagged
)

func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindOutput:
		return "output"
	case KindProcessExited:
		return "process_exited"
	case KindTerminated:
		return "terminated"
	case KindError:
		return "error"
	case KindLagged:
		return "lagged"
	default:
		return "unknown"
	}
}

// Event is one bus message. Which payload fields are meaningful depends on
// Kind.
type Event struct {
	Kind      Kind
	SessionID string
	Time      time.Time

	PID      int    // KindCreated
	Bytes    []byte // KindOutput
	ExitCode *int   // KindProcessExited
	Message  string // KindError
	Missed   uint64 // KindLagged
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	EventsPublished   uint64
	EventsDelivered   uint64
	EventsDropped     uint64
	SubscribersActive int
	SubscribersTotal  uint64
}

const (
	// DefaultCapacity is the per-subscriber buffer when none is given.
	DefaultCapacity = 256
)

type subscriber struct {
	ch     chan Event
	filter string // session id, or "" for all sessions
	missed atomic.Uint64
}

// Bus is a bounded broadcast channel. All methods are safe for concurrent
// use.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscriber
	nextID   uint64
	closed   bool
	capacity int

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	totalSubs atomic.Uint64
}

// New builds a bus whose subscribers buffer capacity events each. A
// capacity of zero or less means DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[uint64]*subscriber),
		capacity: capacity,
	}
}

// Subscribe registers a consumer of all events. The returned function
// removes the subscription and closes the channel; calling it twice is
// safe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.subscribe("")
}

// SubscribeSession is Subscribe restricted to one session's events.
func (b *Bus) SubscribeSession(sessionID string) (<-chan Event, func()) {
	return b.subscribe(sessionID)
}

func (b *Bus) subscribe(filter string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.capacity), filter: filter}
	b.subs[id] = sub
	b.totalSubs.Add(1)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, unsub
}

// Publish fans ev out to every matching subscriber without blocking. Events
// for full subscribers are counted and reported to that subscriber later as
// a single Lagged event.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.filter != "" && sub.filter != ev.SessionID {
			continue
		}
		if missed := sub.missed.Load(); missed > 0 {
			lag := Event{
				Kind:      KindLagged,
				SessionID: ev.SessionID,
				Time:      ev.Time,
				Missed:    missed,
			}
			select {
			case sub.ch <- lag:
				sub.missed.Store(0)
				b.delivered.Add(1)
			default:
				sub.missed.Add(1)
				b.dropped.Add(1)
				continue
			}
		}
		select {
		case sub.ch <- ev:
			b.delivered.Add(1)
		default:
			sub.missed.Add(1)
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Metrics snapshots the counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()
	return Metrics{
		EventsPublished:   b.published.Load(),
		EventsDelivered:   b.delivered.Load(),
		EventsDropped:     b.dropped.Load(),
		SubscribersActive: active,
		SubscribersTotal:  b.totalSubs.Load(),
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
