package webhooks_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/bissquit/webhook-garden/internal/webhooks/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared by the store, service and processor.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock     *fakeClock
	repo      *memory.Repository
	registry  *webhooks.Registry
	stats     *webhooks.Stats
	events    *eventLog
	service   *webhooks.Service
	processor *webhooks.Processor
}

type eventLog struct {
	mu     sync.Mutex
	events []webhooks.Event
}

func (l *eventLog) HandleEvent(e webhooks.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []webhooks.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]webhooks.EventKind, 0, len(l.events))
	for _, e := range l.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:    newFakeClock(),
		repo:     memory.NewRepository(),
		registry: webhooks.NewRegistry(),
		stats:    webhooks.NewStats(),
		events:   &eventLog{},
	}
	h.repo.SetClock(h.clock.Now)

	sink := webhooks.Fanout{h.stats, h.events}
	h.service = webhooks.NewService(h.repo, sink)
	h.service.SetClock(h.clock.Now)

	config := webhooks.DefaultProcessorConfig()
	config.HandlerTimeout = time.Second
	h.processor = webhooks.NewProcessor(config, h.repo, h.registry, sink)
	h.processor.SetClock(h.clock.Now)
	return h
}

func (h *harness) enqueue(t *testing.T, source string) *domain.WebhookQueueItem {
	t.Helper()
	item, err := h.service.Enqueue(context.Background(), source, json.RawMessage(`{"id":1}`), webhooks.EnqueueOptions{})
	require.NoError(t, err)
	return item
}

func (h *harness) get(t *testing.T, id string) *domain.WebhookQueueItem {
	t.Helper()
	item, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestProcessor_SuccessfulItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.registry.Register(domain.SourceStripe, webhooks.WebhookHandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		calls.Add(1)
		assert.JSONEq(t, `{"id":1}`, string(payload))
		return nil
	}))

	item := h.enqueue(t, "stripe")
	before := h.stats.Snapshot().SuccessCount

	processed, ran := h.processor.Tick(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, processed)
	assert.Equal(t, int32(1), calls.Load())

	stored := h.get(t, item.ID)
	assert.Equal(t, domain.QueueStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, h.clock.Now(), *stored.CompletedAt)
	require.NotNil(t, stored.ProcessingTimeMs)
	assert.Zero(t, stored.Attempts)

	assert.Equal(t, before+1, h.stats.Snapshot().SuccessCount)
	assert.Equal(t, []webhooks.EventKind{webhooks.EventProcessed}, h.events.kinds())
}

func TestProcessor_ExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(domain.SourceStripe, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("provider unavailable")
	}))

	item := h.enqueue(t, "stripe")
	delays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}

	for i, delay := range delays {
		processed, _ := h.processor.Tick(ctx)
		require.Equal(t, 1, processed, "cycle %d", i+1)

		stored := h.get(t, item.ID)
		assert.Equal(t, domain.QueueStatusPending, stored.Status)
		assert.Equal(t, i+1, stored.Attempts)
		assert.Equal(t, h.clock.Now().Add(delay), stored.ProcessAfter)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "provider unavailable", *stored.LastError)

		// Not eligible until the backoff elapses.
		processed, _ = h.processor.Tick(ctx)
		assert.Zero(t, processed)

		h.clock.Advance(delay)
	}

	processed, _ := h.processor.Tick(ctx)
	require.Equal(t, 1, processed)

	stored := h.get(t, item.ID)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Equal(t, 5, stored.Attempts)

	h.clock.Advance(24 * time.Hour)
	pending, err := h.service.PendingItems(ctx, 100, webhooks.PendingFilter{})
	require.NoError(t, err)
	assert.Empty(t, pending)

	processed, _ = h.processor.Tick(ctx)
	assert.Zero(t, processed)

	problematic, err := h.service.ProblematicItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, problematic, 1)
	assert.Equal(t, item.ID, problematic[0].ID)

	snapshot := h.stats.Snapshot()
	assert.Equal(t, int64(5), snapshot.FailureCount)
	assert.Equal(t, int64(1), snapshot.CriticalErrors)
	assert.Zero(t, snapshot.SuccessCount)

	kinds := h.events.kinds()
	require.Len(t, kinds, 5)
	assert.Equal(t, webhooks.EventCritical, kinds[4])
}

func TestProcessor_UnregisteredSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, h.enqueue(t, "acme").ID)
	}

	processed, _ := h.processor.Tick(ctx)
	require.Equal(t, 3, processed)

	for _, id := range ids {
		stored := h.get(t, id)
		assert.Equal(t, domain.QueueStatusPending, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		assert.Equal(t, h.clock.Now().Add(30*time.Second), stored.ProcessAfter)
		require.NotNil(t, stored.LastError)
		assert.Contains(t, *stored.LastError, "handler not found")
	}

	for cycle := 2; cycle <= 5; cycle++ {
		h.clock.Advance(time.Hour)
		processed, _ = h.processor.Tick(ctx)
		require.Equal(t, 3, processed, "cycle %d", cycle)
	}

	for _, id := range ids {
		stored := h.get(t, id)
		assert.Equal(t, domain.QueueStatusFailed, stored.Status)
		assert.Equal(t, 5, stored.Attempts)
	}

	h.clock.Advance(time.Hour)
	pending, err := h.service.PendingItems(ctx, 100, webhooks.PendingFilter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, int64(3), h.stats.Snapshot().CriticalErrors)
}

func TestProcessor_PermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)

	h.registry.Register(domain.SourceEmail, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
		return webhooks.Permanent(errors.New("malformed message"))
	}))

	item := h.enqueue(t, "email")
	h.processor.Tick(context.Background())

	stored := h.get(t, item.ID)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, []webhooks.EventKind{webhooks.EventCritical}, h.events.kinds())
	assert.True(t, h.events.events[0].Permanent)
}

func TestProcessor_HandlerPanicIsFailure(t *testing.T) {
	h := newHarness(t)

	h.registry.Register(domain.SourceSMS, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
		panic("nil map")
	}))

	item := h.enqueue(t, "sms")
	ok := h.processor.ProcessItem(context.Background(), item)
	assert.False(t, ok)

	stored := h.get(t, item.ID)
	assert.Equal(t, domain.QueueStatusPending, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "panicked: nil map")
}

func TestProcessor_HandlerTimeout(t *testing.T) {
	h := newHarness(t)

	config := webhooks.DefaultProcessorConfig()
	config.HandlerTimeout = 20 * time.Millisecond
	processor := webhooks.NewProcessor(config, h.repo, h.registry, h.events)
	processor.SetClock(h.clock.Now)

	h.registry.Register(domain.SourceTwilio, webhooks.WebhookHandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	item := h.enqueue(t, "twilio")
	processed, _ := processor.Tick(context.Background())
	require.Equal(t, 1, processed)

	stored := h.get(t, item.ID)
	assert.Equal(t, domain.QueueStatusPending, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "timed out")
}

func TestProcessor_BatchOrderAndSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var order []domain.Source
	record := webhooks.WebhookHandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		var body struct {
			Source domain.Source `json:"source"`
		}
		require.NoError(t, json.Unmarshal(payload, &body))
		order = append(order, body.Source)
		return nil
	})
	for _, src := range []domain.Source{domain.SourceEmail, domain.SourceStripe, domain.SourceWhatsApp, domain.SourceTelegram} {
		h.registry.Register(src, record)
	}

	for _, src := range []string{"email", "stripe", "whatsapp", "telegram"} {
		payload := json.RawMessage(`{"source":"` + src + `"}`)
		_, err := h.service.Enqueue(ctx, src, payload, webhooks.EnqueueOptions{})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	processed, _ := h.processor.Tick(ctx)
	require.Equal(t, 4, processed)
	assert.Equal(t, []domain.Source{
		domain.SourceWhatsApp,
		domain.SourceTelegram,
		domain.SourceStripe,
		domain.SourceEmail,
	}, order)
}

func TestProcessor_SkipsOverlappingTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.registry.Register(domain.SourceStripe, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
		close(entered)
		<-release
		return nil
	}))
	h.enqueue(t, "stripe")

	done := make(chan int)
	go func() {
		n, _ := h.processor.Tick(ctx)
		done <- n
	}()

	<-entered
	processed, ran := h.processor.Tick(ctx)
	assert.False(t, ran)
	assert.Zero(t, processed)

	close(release)
	assert.Equal(t, 1, <-done)
}

func TestProcessor_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	processed := make(chan struct{}, 1)
	h.registry.Register(domain.SourceStripe, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
		select {
		case processed <- struct{}{}:
		default:
		}
		return nil
	}))
	h.enqueue(t, "stripe")

	assert.False(t, h.processor.IsRunning())
	h.processor.Start(ctx, 10*time.Millisecond)
	h.processor.Start(ctx, 10*time.Millisecond)
	assert.True(t, h.processor.IsRunning())

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not pick up the item")
	}

	h.processor.Stop()
	assert.False(t, h.processor.IsRunning())
	h.processor.Stop()
}

// failingStore fails every write after a successful claim.
type failingStore struct {
	*memory.Repository
}

func (failingStore) MarkCompleted(context.Context, string, time.Time, int64) error {
	return errors.New("connection reset")
}

func TestProcessor_StoreFailureEmitsCritical(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(domain.SourceStripe, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
		return nil
	}))
	item := h.enqueue(t, "stripe")

	processor := webhooks.NewProcessor(webhooks.DefaultProcessorConfig(), failingStore{h.repo}, h.registry, webhooks.Fanout{h.stats, h.events})
	processor.SetClock(h.clock.Now)

	claimed, err := h.repo.ClaimPending(context.Background(), 1, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, item.ID, claimed[0].ID)

	assert.False(t, processor.ProcessItem(context.Background(), claimed[0]))
	assert.Equal(t, []webhooks.EventKind{webhooks.EventCritical}, h.events.kinds())

	snapshot := h.stats.Snapshot()
	assert.Equal(t, int64(1), snapshot.CriticalErrors)
	assert.Zero(t, snapshot.FailureCount)
	assert.Zero(t, snapshot.SuccessCount)
}
