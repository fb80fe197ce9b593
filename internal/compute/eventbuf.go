package compute

import "sync"

// DefaultEventBufSize is the maximum number of events kept per environment.
// Oldest events are evicted when this limit is exceeded.
const DefaultEventBufSize = 500

// EventBuffer is an EventSink that keeps the most recent events per
// environment in bounded buffers. It is an in-memory observer only; nothing
// is persisted or replayed into the manager.
// It is safe for concurrent use.
type EventBuffer struct {
	mu      sync.RWMutex
	envs    map[string][]Event
	maxSize int
}

// NewEventBuffer creates a buffer with the given per-environment capacity.
func NewEventBuffer(maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufSize
	}
	return &EventBuffer{
		envs:    make(map[string][]Event),
		maxSize: maxSize,
	}
}

// Emit appends an event, evicting the oldest one for that environment if
// the buffer is full.
func (b *EventBuffer) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.envs[ev.EnvironmentID]
	if len(buf) >= b.maxSize {
		copy(buf, buf[1:])
		buf[len(buf)-1] = ev
	} else {
		buf = append(buf, ev)
	}
	b.envs[ev.EnvironmentID] = buf
}

// Events returns a copy of the environment's events, oldest first.
func (b *EventBuffer) Events(envID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.envs[envID]
	if len(buf) == 0 {
		return nil
	}
	out := make([]Event, len(buf))
	copy(out, buf)
	return out
}

// Clear drops all events for the environment.
func (b *EventBuffer) Clear(envID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.envs, envID)
}

// Len returns the number of buffered events for the environment.
func (b *EventBuffer) Len(envID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.envs[envID])
}
