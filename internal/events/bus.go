// Package events broadcasts turn lifecycle events to live subscribers,
// such as the API's event stream. A nil *Bus is valid and drops
// everything, so publishers need no guard checks.
package events

import (
	"sync"
	"time"
)

// Kinds of events published by the turn loop.
const (
	// KindTurnStart: session_id, native_tools, history.
	KindTurnStart = "turn_start"
	// KindToolDone: session_id, tool, call_id, ok, artifact.
	KindToolDone = "tool_done"
	// KindFallback: session_id, reason.
	KindFallback = "fallback"
	// KindTurnComplete: session_id, route, trace, fitness_level,
	// fitness_goals, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: session_id, route, error.
	KindTurnFailed = "turn_failed"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses events instead of stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events on C until closed.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	dropped int
	once    sync.Once
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.dropped
}

// Close removes the subscription and closes C. Calling it more than
// once is harmless.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a subscriber with a buffer of size bufSize.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, bus: b, ch: ch}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish stamps and delivers an event to every subscriber.
func (b *Bus) Publish(kind string, data map[string]any) {
	if b == nil {
		return
	}
	e := Event{Timestamp: time.Now(), Kind: kind, Data: data}

	// The write lock covers both the send, which must not race Close,
	// and the drop counters.
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped++
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
