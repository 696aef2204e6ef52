package realtime

import (
	"sync"

	"github.com/onboardiq/platform/internal/protocol"
)

// Lifecycle events emitted by a Transport in addition to one event per
// received message type.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
	EventError        = "error"
)

// Handler receives an emitted event. For message-derived events ev is the
// decoded envelope; lifecycle events carry only Type and Timestamp.
type Handler func(ev protocol.Event)

type registration struct {
	id uint64
	fn Handler
}

// emitter is a registry of handlers keyed by event name. Handlers run in the
// emitting goroutine, in registration order.
type emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]registration
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string][]registration)}
}

// on registers fn for event and returns a function that removes it.
func (e *emitter) on(event string, fn Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], registration{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			regs := e.handlers[event]
			for i, r := range regs {
				if r.id == id {
					e.handlers[event] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
			if len(e.handlers[event]) == 0 {
				delete(e.handlers, event)
			}
		})
	}
}

func (e *emitter) emit(event string, ev protocol.Event) {
	e.mu.RLock()
	regs := e.handlers[event]
	e.mu.RUnlock()

	// regs is never mutated in place; on() removal builds a new slice.
	for _, r := range regs {
		r.fn(ev)
	}
}

func (e *emitter) count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
