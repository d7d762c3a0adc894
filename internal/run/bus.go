package run

import (
	"sync"
	"time"

	"github.com/loykin/chatvisor/internal/status"
)

// EventKind names what happened to a run.
type EventKind string

const (
	EventLaunched EventKind = "launched"
	EventStatus   EventKind = "status"
	EventExited   EventKind = "exited"
	EventCrashed  EventKind = "crashed"
)

// Event is a notification delivered to bus subscribers.
type Event struct {
	Kind    EventKind    `json:"kind"`
	RunID   string       `json:"runId"`
	PID     int          `json:"pid,omitempty"`
	Mode    Mode         `json:"mode,omitempty"`
	State   status.State `json:"state,omitempty"`
	Message string       `json:"message,omitempty"`
	At      time.Time    `json:"at"`
}

// Bus broadcasts run events. Publishing never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func NewBus() *Bus { return &Bus{subs: make(map[int]chan Event)} }

// Subscribe registers a listener with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
