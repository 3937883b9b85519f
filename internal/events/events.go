// Package events is an in-process pub/sub broker scoped by topic: job
// snapshots are published under the job id and balance changes under the
// user id. Subscribers register and unregister explicitly.
package events

import (
	"sync"
)

// Hub fans values out to the subscribers of a topic. Slow subscribers miss
// values instead of blocking publishers.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[string]map[chan T]struct{}
	bufSize int
}

func NewHub[T any](bufSize int) *Hub[T] {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Hub[T]{
		subs:    make(map[string]map[chan T]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel of values published to topic and a function
// that unsubscribes and closes the channel. The function may be called more
// than once.
func (h *Hub[T]) Subscribe(topic string) (<-chan T, func()) {
	ch := make(chan T, h.bufSize)
	h.mu.Lock()
	set := h.subs[topic]
	if set == nil {
		set = make(map[chan T]struct{})
		h.subs[topic] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[topic]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, topic)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers v to every current subscriber of topic and reports how
// many received it.
func (h *Hub[T]) Publish(topic string, v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.subs[topic] {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers reports the number of subscribers of topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
