// Package eventbus is an in-memory topic bus. Topics are dot separated and
// subscriptions may use "*" as a single-segment wildcard ("tasks.*").
package eventbus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published message.
type Event struct {
	Topic string
	Data  any
}

type subscriber struct {
	id      string
	pattern string
	ch      chan Event

	mu     sync.Mutex
	closed bool
}

func (s *subscriber) send(event Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if timeout <= 0 {
		select {
		case s.ch <- event:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.ch <- event:
		return true
	case <-t.C:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// EventBus routes events to subscribers by topic pattern.
type EventBus struct {
	sync.RWMutex
	subscribers map[string]map[string]*subscriber // pattern -> id -> subscriber
	counter     uint64
}

func New() *EventBus {
	return &EventBus{
		subscribers: make(map[string]map[string]*subscriber),
	}
}

// Subscribe returns a buffered channel receiving events that match pattern and
// a function that removes the subscription and closes the channel.
func (bus *EventBus) Subscribe(pattern string, bufferSize int) (<-chan Event, func()) {
	id := fmt.Sprintf("sub-%d", atomic.AddUint64(&bus.counter, 1))
	sub := &subscriber{
		id:      id,
		pattern: pattern,
		ch:      make(chan Event, bufferSize),
	}

	bus.Lock()
	if _, ok := bus.subscribers[pattern]; !ok {
		bus.subscribers[pattern] = make(map[string]*subscriber)
	}
	bus.subscribers[pattern][id] = sub
	bus.Unlock()

	unsubscribe := func() {
		bus.Lock()
		defer bus.Unlock()
		if subMap, ok := bus.subscribers[pattern]; ok {
			if s, ok := subMap[id]; ok {
				s.close()
				delete(subMap, id)
				if len(subMap) == 0 {
					delete(bus.subscribers, pattern)
				}
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every matching subscriber, waiting at most
// timeout per subscriber. It returns how many subscribers received it.
func (bus *EventBus) Publish(topic string, data any, timeout time.Duration) int {
	event := Event{Topic: topic, Data: data}

	bus.RLock()
	defer bus.RUnlock()

	delivered := 0
	for pattern, subMap := range bus.subscribers {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, sub := range subMap {
			if sub.send(event, timeout) {
				delivered++
			}
		}
	}
	return delivered
}

// HasSubscribers reports whether any subscription matches topic.
func (bus *EventBus) HasSubscribers(topic string) bool {
	bus.RLock()
	defer bus.RUnlock()
	for pattern, subMap := range bus.subscribers {
		if len(subMap) > 0 && matchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

// Shutdown closes every subscription.
func (bus *EventBus) Shutdown() {
	bus.Lock()
	defer bus.Unlock()
	for _, subs := range bus.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	bus.subscribers = make(map[string]map[string]*subscriber)
}

func matchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == "*" || pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != topicParts[i] {
			return false
		}
	}
	return true
}
