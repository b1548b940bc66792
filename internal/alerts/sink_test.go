package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	payload    []byte
	attributes map[string]string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
	block    chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, published{payload: payload, attributes: attributes})
	return "msg-1", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func TestSink_PublishesOnlyCriticalEvents(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(SinkConfig{}, pub)
	sink.Start(context.Background())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.HandleEvent(webhooks.Event{Kind: webhooks.EventProcessed, ItemID: "a"})
	sink.HandleEvent(webhooks.Event{Kind: webhooks.EventFailed, ItemID: "b"})
	sink.HandleEvent(webhooks.Event{
		Kind:      webhooks.EventCritical,
		ItemID:    "c",
		Source:    domain.SourceStripe,
		Attempts:  5,
		Error:     "handler exploded",
		Attempted: true,
		At:        at,
	})
	sink.Stop()

	require.Equal(t, 1, pub.count())
	msg := pub.messages[0]
	assert.Equal(t, map[string]string{"kind": "critical", "source": "stripe"}, msg.attributes)

	var alert Alert
	require.NoError(t, json.Unmarshal(msg.payload, &alert))
	assert.Equal(t, Alert{
		ItemID:     "c",
		Source:     "stripe",
		Attempts:   5,
		Error:      "handler exploded",
		Exhausted:  true,
		OccurredAt: at,
	}, alert)
}

func TestSink_PermanentFailureAlert(t *testing.T) {
	tests := []struct {
		name          string
		event         webhooks.Event
		wantExhausted bool
		wantPermanent bool
	}{
		{
			name:          "retries exhausted",
			event:         webhooks.Event{Kind: webhooks.EventCritical, Attempts: 5, Attempted: true},
			wantExhausted: true,
		},
		{
			name:          "permanent on first attempt",
			event:         webhooks.Event{Kind: webhooks.EventCritical, Attempts: 1, Attempted: true, Permanent: true},
			wantPermanent: true,
		},
		{
			name:  "store failure",
			event: webhooks.Event{Kind: webhooks.EventCritical, Error: "insert failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			sink := NewSink(SinkConfig{}, pub)
			sink.Start(context.Background())
			sink.HandleEvent(tt.event)
			sink.Stop()

			require.Equal(t, 1, pub.count())
			var alert Alert
			require.NoError(t, json.Unmarshal(pub.messages[0].payload, &alert))
			assert.Equal(t, tt.wantExhausted, alert.Exhausted)
			assert.Equal(t, tt.wantPermanent, alert.Permanent)
		})
	}
}

func TestSink_DropsWhenBufferFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	sink := NewSink(SinkConfig{BufferSize: 1}, pub)

	// Not started: the first event fills the buffer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			sink.HandleEvent(webhooks.Event{Kind: webhooks.EventCritical})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleEvent blocked on a full buffer")
	}

	close(pub.block)
	sink.Start(context.Background())
	sink.Stop()
	assert.Equal(t, 1, pub.count())
}

func TestSink_PublishErrorDoesNotStopDelivery(t *testing.T) {
	pub := &fakePublisher{err: errors.New("unavailable")}
	sink := NewSink(SinkConfig{}, pub)
	sink.Start(context.Background())

	sink.HandleEvent(webhooks.Event{Kind: webhooks.EventCritical, ItemID: "x"})
	sink.HandleEvent(webhooks.Event{Kind: webhooks.EventCritical, ItemID: "y"})
	sink.Stop()
	sink.Stop()

	assert.Zero(t, pub.count())
}

func TestSink_PublishTimeout(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	sink := NewSink(SinkConfig{PublishTimeout: 20 * time.Millisecond}, pub)
	sink.Start(context.Background())

	sink.HandleEvent(webhooks.Event{Kind: webhooks.EventCritical})

	stopped := make(chan struct{})
	go func() {
		sink.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after publish timeout")
	}
	assert.Zero(t, pub.count())
}
