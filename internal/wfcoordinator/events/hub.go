package events

import (
	"encoding/json"
	"sync"
)

// Hub maintains every live subscriber, keyed by the run they're watching,
// and fans out published events to them. Register/unregister happen
// synchronously under a mutex rather than through a dedicated
// channel-driven loop, since event volume per run is modest.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]bool // runID -> set
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[*Subscriber]bool)}
}

// Filter narrows which events a Subscriber receives (spec §6): stream
// selection, one or more event types, and arbitrary top-level
// payload-field equality (e.g. nodeRef, tokenId).
type Filter struct {
	Stream     Stream            // zero value ("") matches both streams
	EventTypes map[Type]bool     // nil/empty matches every type
	Fields     map[string]string // payload field name -> required string value
}

// Match reports whether ev satisfies f.
func (f Filter) Match(ev Event) bool {
	if f.Stream != "" && f.Stream != ev.Stream {
		return false
	}
	if len(f.EventTypes) > 0 && !f.EventTypes[ev.Type] {
		return false
	}
	for field, want := range f.Fields {
		if !fieldMatches(ev, field, want) {
			return false
		}
	}
	return true
}

func fieldMatches(ev Event, field, want string) bool {
	switch field {
	case "nodeRef":
		return ev.NodeRef == want
	case "tokenId":
		return ev.TokenID == want
	case "runId":
		return ev.RunID == want
	default:
		v, ok := ev.Data[field]
		if !ok {
			return false
		}
		s, ok := v.(string)
		return ok && s == want
	}
}

// Subscriber is one live listener for a run's event stream. send is
// buffered; a slow consumer that fills the buffer gets disconnected
// rather than stalling the publisher (spec §8 back-pressure).
type Subscriber struct {
	runID  string
	filter Filter
	send   chan []byte
}

// Recv exposes a Subscriber's delivery channel to callers outside this
// package (an HTTP handler streaming events to a websocket, or a test
// asserting on delivery) without giving them write access to it.
func (s *Subscriber) Recv() <-chan []byte { return s.send }

// Subscribe registers a new Subscriber for runID with the given buffer
// size (spec §10 SUBSCRIBER_BUFFER_SIZE) and filter.
func (h *Hub) Subscribe(runID string, bufferSize int, filter Filter) *Subscriber {
	sub := &Subscriber{runID: runID, filter: filter, send: make(chan []byte, bufferSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[runID] == nil {
		h.subscribers[runID] = make(map[*Subscriber]bool)
	}
	h.subscribers[runID][sub] = true
	return sub
}

// Unsubscribe removes sub and closes its send channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sub.runID]
	if !ok || !set[sub] {
		return
	}
	delete(set, sub)
	close(sub.send)
	if len(set) == 0 {
		delete(h.subscribers, sub.runID)
	}
}

// Publish implements Sink: it marshals ev and delivers it to every
// subscriber of ev.RunID whose Filter matches, dropping (and
// disconnecting) any subscriber whose buffer is full.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[ev.RunID]))
	for sub := range h.subscribers[ev.RunID] {
		if sub.filter.Match(ev) {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, sub := range subs {
		select {
		case sub.send <- payload:
		default:
			h.Unsubscribe(sub)
		}
	}
}

// SubscriberCount reports how many live subscribers are watching runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[runID])
}
