package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/webhook-garden/internal/webhooks"
)

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 10 * time.Second
)

// Alert is the message body published for a critical queue event.
type Alert struct {
	ItemID     string    `json:"item_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	Exhausted  bool      `json:"retries_exhausted"`
	Permanent  bool      `json:"permanent"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SinkConfig contains alert delivery settings.
type SinkConfig struct {
	BufferSize     int
	PublishTimeout time.Duration
}

// Sink is a webhooks.EventSink that forwards critical events to a Publisher.
// HandleEvent never blocks; events are dropped when the buffer is full.
type Sink struct {
	config    SinkConfig
	publisher Publisher
	events    chan webhooks.Event
	wg        sync.WaitGroup
	once      sync.Once
}

// NewSink creates an alert sink. Call Start before events are emitted.
func NewSink(config SinkConfig, publisher Publisher) *Sink {
	if config.BufferSize <= 0 {
		config.BufferSize = defaultBufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}

	return &Sink{
		config:    config,
		publisher: publisher,
		events:    make(chan webhooks.Event, config.BufferSize),
	}
}

// HandleEvent implements webhooks.EventSink.
func (s *Sink) HandleEvent(event webhooks.Event) {
	if event.Kind != webhooks.EventCritical {
		return
	}

	select {
	case s.events <- event:
	default:
		slog.Warn("alert buffer full, dropping critical event",
			"item_id", event.ItemID,
			"source", event.Source,
		)
	}
}

// Start launches the delivery goroutine. It exits after Stop drains the buffer.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range s.events {
			s.publish(ctx, event)
		}
	}()
}

// Stop closes the buffer and waits until queued alerts are published.
func (s *Sink) Stop() {
	s.once.Do(func() { close(s.events) })
	s.wg.Wait()
}

func (s *Sink) publish(ctx context.Context, event webhooks.Event) {
	alert := Alert{
		ItemID:     event.ItemID,
		Source:     string(event.Source),
		Attempts:   event.Attempts,
		Error:      event.Error,
		Exhausted:  event.Attempted && !event.Permanent,
		Permanent:  event.Permanent,
		OccurredAt: event.At.UTC(),
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to marshal alert", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PublishTimeout)
	defer cancel()

	id, err := s.publisher.Publish(ctx, payload, map[string]string{
		"kind":   string(event.Kind),
		"source": alert.Source,
	})
	if err != nil {
		recordAlert("error")
		slog.Error("failed to publish alert", "item_id", event.ItemID, "error", err)
		return
	}

	recordAlert("published")
	slog.Info("critical alert published", "item_id", event.ItemID, "message_id", id)
}
