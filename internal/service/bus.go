package service

import "sync"

// Resources and actions published on the bus.
const (
	ResourceView   = "view"
	ResourceLayers = "layers"
	ResourceStatus = "status"

	ActionSnapshot = "snapshot"
	ActionPan      = "pan"
	ActionEdit     = "edit"
	ActionChanged  = "changed"
)

// Event tells subscribers which part of the view model changed.
type Event struct {
	Resource string // "view", "layers", "status"
	Action   string // "snapshot", "pan", "edit", "changed"
	Index    int    // layer index for edits, -1 otherwise
	// Missed is set on the first event delivered after the subscriber fell
	// behind and lost events; the subscriber should re-render everything.
	Missed bool
}

// EventBus is a simple fan-out pub/sub for view model change events.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan Event]bool // value: events were dropped since the last delivery
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event]bool)}
}

// Publish sends an event to all subscribers (non-blocking).
func (b *EventBus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, missed := range b.subs {
		ev := e
		ev.Missed = missed
		select {
		case ch <- ev:
			b.subs[ch] = false
		default:
			b.subs[ch] = true
		}
	}
}

// Subscribe returns a buffered channel that receives events.
func (b *EventBus) Subscribe() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = false
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	_, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}
