package stream

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Subscriber is one live connection's ordered event channel. A single
// reader drains ch; events arrive in publish order per topic.
type Subscriber struct {
	ID     string
	UserID string
	ch     chan Event

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

// Events returns the subscriber's ordered channel. It closes when the
// subscriber is dropped.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Topics snapshots the currently held subscriptions.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Hub owns the topic -> connections mapping. It is an explicit object
// injected into publishers and subscribers; lifetime is tied to the
// process via Close.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscriber]struct{}
	subs    map[string]*Subscriber
	sendBuf int
	closed  bool
}

func NewHub(sendBuf int) *Hub {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Hub{
		topics:  make(map[string]map[*Subscriber]struct{}),
		subs:    make(map[string]*Subscriber),
		sendBuf: sendBuf,
	}
}

// Register creates a subscriber for one connection. connectionID equals
// the subscriber lifetime; Drop ends it.
func (h *Hub) Register(userID string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		UserID: userID,
		ch:     make(chan Event, h.sendBuf),
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// Subscribe adds the subscriber to a topic. Late subscribers do not
// receive earlier events; durable history covers the gap.
func (h *Hub) Subscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.topics[topic] = set
	}
	set[sub] = struct{}{}

	sub.mu.Lock()
	sub.topics[topic] = struct{}{}
	sub.mu.Unlock()
}

// Unsubscribe removes the subscriber from a topic.
func (h *Hub) Unsubscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromTopic(sub, topic)
}

// Drop removes the subscriber from every topic and closes its channel.
func (h *Hub) Drop(sub *Subscriber) {
	topics := sub.Topics()
	h.mu.Lock()
	for _, topic := range topics {
		h.removeFromTopic(sub, topic)
	}
	delete(h.subs, sub.ID)
	h.mu.Unlock()
	sub.close()
}

// Publish fans the event out to every subscriber of the topic at publish
// time. At-most-once: a subscriber whose buffer is full is dropped
// rather than allowed to stall the others.
func (h *Hub) Publish(topic, eventType string, data any) {
	ev := Event{Type: eventType, Data: data}

	h.mu.RLock()
	set := h.topics[topic]
	stale := make([]*Subscriber, 0)
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			stale = append(stale, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		log.Printf("stream: dropping slow subscriber conn=%s topic=%s", sub.ID, topic)
		h.Drop(sub)
	}
}

// Close drops every subscriber and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.Drop(sub)
	}
}

// SubscriberCount reports live subscribers of a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Connections reports live registered connections across all topics.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) removeFromTopic(sub *Subscriber, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	sub.mu.Lock()
	delete(sub.topics, topic)
	sub.mu.Unlock()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
