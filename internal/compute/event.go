package compute

import "time"

// EventType identifies a lifecycle transition. The set is closed; consumers
// can switch on it exhaustively.
type EventType int

const (
	// EventEnvironmentCreated is emitted after a backend returns a new environment.
	EventEnvironmentCreated EventType = iota

	// EventEnvironmentStarted is emitted when a created environment is already running.
	EventEnvironmentStarted

	// EventEnvironmentStopped is emitted after an environment is destroyed.
	EventEnvironmentStopped

	// EventEnvironmentError is emitted when creating or destroying an environment fails.
	// Err contains the error message.
	EventEnvironmentError

	// EventTaskStarted is emitted before a task is handed to its backend.
	EventTaskStarted

	// EventTaskCompleted is emitted when a task finishes with status completed.
	EventTaskCompleted

	// EventTaskFailed is emitted when a task finishes with status failed or
	// the backend returns an error.
	EventTaskFailed

	// EventTaskCancelled is emitted when a task is cancelled.
	EventTaskCancelled
)

var eventTypeNames = [...]string{
	EventEnvironmentCreated: "environment_created",
	EventEnvironmentStarted: "environment_started",
	EventEnvironmentStopped: "environment_stopped",
	EventEnvironmentError:   "environment_error",
	EventTaskStarted:        "task_started",
	EventTaskCompleted:      "task_completed",
	EventTaskFailed:         "task_failed",
	EventTaskCancelled:      "task_cancelled",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return "unknown"
	}
	return eventTypeNames[t]
}

// Event is an immutable fact about a lifecycle transition.
type Event struct {
	Type          EventType
	Provider      string
	EnvironmentID string
	TaskID        string
	Time          time.Time
	Err           string
}

// EventSink receives events. Emit must not block for long; the manager calls
// it synchronously on the operation's goroutine.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// ChannelSink forwards events to a channel without blocking. Events are
// dropped when the channel is full.
type ChannelSink chan Event

func (c ChannelSink) Emit(ev Event) {
	select {
	case c <- ev:
	default:
	}
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}
