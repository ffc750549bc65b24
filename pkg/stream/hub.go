// Package stream fans admission decisions out to live operator subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventReady    = "ready"
	EventDecision = "admission.decision"
	EventReload   = "policies.reloaded"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decision is the payload of an admission.decision event.
type Decision struct {
	TemplateID string `json:"templateId,omitempty"`
	Guard      string `json:"guard,omitempty"`
	Code       string `json:"code"`
	Status     int    `json:"status"`
	Preflight  bool   `json:"preflight,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub is a non-blocking broadcaster. Slow subscribers lose events rather than stall publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishDecision skips the JSON encode when nobody is listening.
func (h *Hub) PublishDecision(d Decision) {
	if h.Subscribers() == 0 {
		return
	}
	h.Publish(NewEvent(EventDecision, d))
}
