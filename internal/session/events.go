package session

import (
	"sync"
	"time"
)

type EventType string

const (
	EventAuthChanged EventType = "auth.changed"
	EventCacheReset  EventType = "cache.reset"
	EventDocsChanged EventType = "documents.changed"
)

type Event struct {
	Type          EventType `json:"type"`
	Authenticated bool      `json:"authenticated"`
	Login         string    `json:"login,omitempty"`
	Files         []string  `json:"files,omitempty"`
	Timestamp     string    `json:"timestamp"`
}

// Bus fans events out to any number of subscribers. A subscriber whose buffer
// is full misses the event instead of blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) Publish(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
