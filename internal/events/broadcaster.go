package events

import (
	"sync"
	"time"
)

// Event is one fan-out notification. The durable record of a transition is
// the audit log; events exist for live consumers.
type Event struct {
	Timestamp string         `json:"ts"`
	Level     string         `json:"level"`
	Name      string         `json:"event"`
	Message   string         `json:"msg,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Subscriber represents a channel that receives events.
type Subscriber chan Event

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are dropped for it.
const subscriberBuffer = 64

// Broadcaster fans events out to subscribers and keeps the most recent ones.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	recent      []Event
	next        int
	full        bool
	closed      bool
	now         func() time.Time
}

// NewBroadcaster returns a broadcaster retaining the last historySize events.
func NewBroadcaster(historySize int) *Broadcaster {
	if historySize <= 0 {
		historySize = 256
	}
	return &Broadcaster{
		subscribers: make(map[Subscriber]struct{}),
		recent:      make([]Event, historySize),
		now:         time.Now,
	}
}

// Publish validates the event name, records the event and delivers it to
// every subscriber. Delivery never blocks: a subscriber whose buffer is full
// misses the event.
func (b *Broadcaster) Publish(level, name, msg string, fields map[string]any) (Event, error) {
	if err := Validate(name); err != nil {
		return Event{}, err
	}
	e := Event{
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e, nil
	}
	b.recent[b.next] = e
	b.next = (b.next + 1) % len(b.recent)
	if b.next == 0 {
		b.full = true
	}
	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
	return e, nil
}

// Subscribe adds a new subscriber and returns its channel.
func (b *Broadcaster) Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recent returns the last n events, oldest first. n <= 0 returns everything
// retained.
func (b *Broadcaster) Recent(n int) []Event {
	b.mu.RLock()
	var all []Event
	if b.full {
		all = append(all, b.recent[b.next:]...)
	}
	all = append(all, b.recent[:b.next]...)
	b.mu.RUnlock()

	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Close disconnects every subscriber. Later publishes are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
}
