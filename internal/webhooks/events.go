package webhooks

import (
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
)

// EventKind identifies what happened to a queue item.
type EventKind string

// Event kinds.
const (
	EventProcessed EventKind = "processed"
	EventFailed    EventKind = "failed"
	EventCritical  EventKind = "critical"
)

// Event is emitted by the processor and the enqueuer for statistics and alerting.
type Event struct {
	Kind     EventKind
	ItemID   string
	Source   domain.Source
	Duration time.Duration
	Attempts int
	Error    string
	// Attempted is set when the event describes a finished handler
	// invocation, as opposed to a store-level failure.
	Attempted bool
	// Permanent is set when the handler opted out of retries.
	Permanent bool
	At        time.Time
}

// EventSink receives queue events. Implementations must not block for long:
// events are delivered synchronously from the processing loop.
type EventSink interface {
	HandleEvent(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleEvent calls f(event).
func (f EventSinkFunc) HandleEvent(event Event) {
	f(event)
}

// Fanout delivers each event to every sink in order.
type Fanout []EventSink

// HandleEvent implements EventSink.
func (f Fanout) HandleEvent(event Event) {
	for _, s := range f {
		if s != nil {
			s.HandleEvent(event)
		}
	}
}

type discardSink struct{}

func (discardSink) HandleEvent(Event) {}
