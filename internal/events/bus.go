package events

import "sync"

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking in-process pub/sub fan-out. Events are delivered
// asynchronously via buffered channels; if a subscriber's channel is full
// the event is dropped for that subscriber rather than blocking the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function. The subscriber runs in its own goroutine; panics
// are recovered so one bad subscriber cannot take down the bus.
func (b *Bus) Subscribe(eventType Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers ev to all subscribers of its type without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			// Channel full, drop for this subscriber
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
