package realtime

import (
	"encoding/json"
	"sync"
)

// MaxOnboardingEvents is the number of onboarding events retained.
const MaxOnboardingEvents = 50

// EventLog keeps the most recent events in a fixed-size ring buffer. It is
// goroutine-safe.
type EventLog struct {
	mu    sync.RWMutex
	items []json.RawMessage
	pos   int
	count int
}

// NewEventLog creates an EventLog holding at most size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = MaxOnboardingEvents
	}
	return &EventLog{items: make([]json.RawMessage, size)}
}

// Add appends an event, overwriting the oldest one when full.
func (l *EventLog) Add(ev json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[l.pos] = ev
	l.pos = (l.pos + 1) % len(l.items)
	if l.count < len(l.items) {
		l.count++
	}
}

// Events returns the retained events oldest first.
func (l *EventLog) Events() []json.RawMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := len(l.items)
	result := make([]json.RawMessage, l.count)
	start := (l.pos - l.count + size) % size
	for i := 0; i < l.count; i++ {
		result[i] = l.items[(start+i)%size]
	}
	return result
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Clear drops every event.
func (l *EventLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		l.items[i] = nil
	}
	l.pos, l.count = 0, 0
}
