package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventCommandEnqueued is published when a command enters a priority bucket.
	EventCommandEnqueued EventType = "command_enqueued"
	// EventCommandStarted is published when a command is dequeued for execution.
	EventCommandStarted EventType = "command_started"
	// EventCommandCompleted is published when a command completes.
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventCommandCancelled EventType = "command_cancelled"

	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"

	// EventDownstreamConnected and EventDownstreamDisconnected track the
	// transport connection to the Lua gadget.
	EventDownstreamConnected    EventType = "downstream_connected"
	EventDownstreamDisconnected EventType = "downstream_disconnected"
)

// CommandEvents lists the command lifecycle event types.
var CommandEvents = []EventType{
	EventCommandEnqueued,
	EventCommandStarted,
	EventCommandCompleted,
	EventCommandFailed,
	EventCommandCancelled,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types. fn runs on one goroutine
// per subscription, so events of one subscription arrive in publish order.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// subscriber panics must not stop delivery
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.remove(ch) {
				close(ch)
			}
		})
	}
}

// remove detaches ch from every event type. Caller holds b.mu.
func (b *Bus) remove(ch chan Event) bool {
	found := false
	for t, subs := range b.subscribers {
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
				found = true
				break
			}
		}
		if len(b.subscribers[t]) == 0 {
			delete(b.subscribers, t)
		}
	}
	return found
}

// Publish sends an event to all subscribers of the given type without
// blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, eventType)
	}
}
