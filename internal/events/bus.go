package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is used when a subscriber asks for no buffer.
const DefaultBufferSize = 256

// allTopics keys subscribers that receive every topic.
const allTopics = "*"

// EventBus fans out workflow changes, alerts and breaker state to channel
// subscribers. Publishing never blocks: a subscriber whose buffer is full
// misses the event and the miss is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic (or allTopics) -> subscribers
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

func (b *EventBus) subscribe(key string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[key] = append(b.subs[key], ch)
	return ch
}

// Subscribe returns a channel receiving events published to topic. A bus
// that is already closed returns a closed channel.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(allTopics, bufSize)
}

// Unsubscribe detaches and closes a channel returned by Subscribe or
// SubscribeAll. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for key, list := range b.subs {
		for i, ch := range list {
			if (<-chan Event)(ch) != sub {
				continue
			}
			close(ch)
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.subs, key)
			} else {
				b.subs[key] = list
			}
			return
		}
	}
}

// Publish delivers event to the subscribers of topic and to every
// SubscribeAll subscriber.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[topic], event)
	if topic != allTopics {
		b.deliver(b.subs[allTopics], event)
	}
}

func (b *EventBus) deliver(list []chan Event, event Event) {
	for _, ch := range list {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later calls are no-ops.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
