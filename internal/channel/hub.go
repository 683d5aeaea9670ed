package channel

import (
	"strings"
	"sync"
)

// Hub is the in-process event channel: a publish/subscribe fan-out with
// topic and namespace subscriptions. Subscriptions are exclusively owned by
// whoever created them; releasing the returned unsubscribe func is synchronous, so
// after it returns no further event is delivered on the channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	topic string
	ch    chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every subscriber whose topic matches. Delivery is
// non-blocking; a full subscriber drops the event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if topicMatches(evt.Topic, sub.topic) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// topicMatches reports whether a subscription pattern covers a topic: an
// exact match, or a prefix ending on a segment boundary so "chats.bob"
// never matches "chats.bobby".
func topicMatches(topic, pattern string) bool {
	if topic == pattern {
		return true
	}
	if !strings.HasPrefix(topic, pattern) {
		return false
	}
	return strings.HasSuffix(pattern, ".") || topic[len(pattern)] == '.'
}

// Subscribe registers interest in a topic, or in a whole namespace when the
// topic ends with ".". bufSize controls the channel buffer. The returned
// func removes the subscription.
func (h *Hub) Subscribe(topic string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = &subscription{topic: topic, ch: ch}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}
