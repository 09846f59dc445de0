package events

import (
	"sync"
)

// Dispatcher routes lifecycle events to in-process waiters registered for a
// (type, room) pair. It has no Redis dependency; the Bus subscription feeds
// Fire so the dispatcher stays independently testable.
type Dispatcher struct {
	mu      sync.RWMutex
	nextID  int
	waiters map[string]map[int]func(LifecycleEvent)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{waiters: make(map[string]map[int]func(LifecycleEvent))}
}

func waiterKey(t Type, roomID string) string {
	return string(t) + "|" + roomID
}

// Register adds a handler for events of the given type and room. The returned
// cancel function removes the handler; calling it more than once is harmless.
func (d *Dispatcher) Register(t Type, roomID string, fn func(LifecycleEvent)) (cancel func()) {
	key := waiterKey(t, roomID)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.waiters[key] == nil {
		d.waiters[key] = make(map[int]func(LifecycleEvent))
	}
	d.waiters[key][id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		if m, ok := d.waiters[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(d.waiters, key)
			}
		}
		d.mu.Unlock()
	}
}

// Fire delivers an event to every handler registered for its type and room.
// Events with no registered handler are dropped.
func (d *Dispatcher) Fire(ev LifecycleEvent) {
	key := waiterKey(ev.Type, ev.RoomID)
	d.mu.RLock()
	handlers := make([]func(LifecycleEvent), 0, len(d.waiters[key]))
	for _, fn := range d.waiters[key] {
		handlers = append(handlers, fn)
	}
	d.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
