// Package realtime fans domain events out to live subscribers.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	EventReadingAccepted = "meter.reading.accepted"
	EventCommandChanged  = "command.changed"
	EventAlertRaised     = "alert.raised"
)

// Event is a domain notification addressed to a meter
type Event struct {
	Type    string    `json:"type"`
	MeterID string    `json:"meter_id"`
	At      time.Time `json:"at"`
	Data    any       `json:"data"`
}

// Sink receives published events
type Sink interface {
	Publish(e Event)
}

// Sinks fans an event out to several sinks
type Sinks []Sink

// Publish forwards e to every non-nil sink
func (s Sinks) Publish(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(e)
		}
	}
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(Event) {}

// Subscription is one subscriber's bounded event buffer
type Subscription struct {
	hub     *Hub
	meterID string
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// C returns the channel events are delivered on; it is closed by Close
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the subscriber lagged
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub delivers events to subscriptions without ever blocking the publisher.
// When a subscriber's buffer is full the oldest buffered event is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
}

// NewHub creates a hub whose subscriptions buffer up to buffer events
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer, logger: logger}
}

// Subscribe registers a subscriber. An empty meterID receives every event.
func (h *Hub) Subscribe(meterID string) *Subscription {
	sub := &Subscription{hub: h, meterID: meterID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers e to every matching subscription
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.meterID != "" && sub.meterID != e.MeterID {
			continue
		}
		select {
		case sub.ch <- e:
			continue
		default:
		}
		// buffer full: drop the oldest event and retry once
		select {
		case <-sub.ch:
			if sub.dropped.Add(1) == 1 {
				h.logger.Warn("subscriber lagging, dropping oldest events", zap.String("meter_id", sub.meterID))
			}
		default:
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}
