package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/pkg/ctxlog"
)

// ProcessorConfig contains processor configuration.
type ProcessorConfig struct {
	Interval       time.Duration
	BatchSize      int
	HandlerTimeout time.Duration
	Retry          RetryPolicy
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Interval:       5 * time.Second,
		BatchSize:      10,
		HandlerTimeout: 30 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Processor pulls eligible items from the queue on a timer and runs them
// through the handler registry. At most one batch is in flight at a time and
// items within a batch run sequentially.
type Processor struct {
	config   ProcessorConfig
	repo     Repository
	registry *Registry
	sink     EventSink
	now      func() time.Time

	// busy guards against overlapping batches.
	busy atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a new queue processor. A nil sink discards events.
func NewProcessor(config ProcessorConfig, repo Repository, registry *Registry, sink EventSink) *Processor {
	if sink == nil {
		sink = discardSink{}
	}
	return &Processor{
		config:   config,
		repo:     repo,
		registry: registry,
		sink:     sink,
		now:      time.Now,
	}
}

// Start launches the polling loop. interval <= 0 uses the configured interval.
// Calling Start on a running processor is a no-op.
func (p *Processor) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	if interval <= 0 {
		interval = p.config.Interval
	}

	slog.Info("starting webhook processor",
		"interval", interval,
		"batch_size", p.config.BatchSize,
		"max_attempts", p.config.Retry.MaxAttempts,
	)

	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run(ctx, interval, p.stopCh)
}

// Stop cancels the timer and waits for an in-flight item to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("webhook processor stopped")
}

// IsRunning reports whether the polling loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) run(ctx context.Context, interval time.Duration, stopCh <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes one batch. It returns the number of items handled and false
// when skipped because a previous batch is still running.
func (p *Processor) Tick(ctx context.Context) (int, bool) {
	if !p.busy.CompareAndSwap(false, true) {
		slog.Debug("previous batch still running, skipping tick")
		return 0, false
	}
	defer p.busy.Store(false)

	items, err := p.repo.ClaimPending(ctx, p.config.BatchSize, p.now())
	if err != nil {
		slog.Error("failed to claim pending webhooks", "error", err)
		p.emitStoreFailure(nil, fmt.Errorf("claim pending: %w", err))
		return 0, true
	}

	if len(items) == 0 {
		return 0, true
	}

	slog.Debug("processing webhooks", "count", len(items))
	recordClaimed(len(items))

	for _, item := range items {
		p.ProcessItem(ctx, item)
	}
	return len(items), true
}

// ProcessItem runs a claimed item through its handler and records the
// outcome. It returns true on success.
func (p *Processor) ProcessItem(ctx context.Context, item *domain.WebhookQueueItem) bool {
	ctx = ctxlog.With(ctx, "item_id", item.ID, "source", item.Source)
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	err := p.invoke(ctx, item)
	duration := time.Since(start)

	if err != nil {
		p.handleFailure(ctx, item, err, duration)
		return false
	}

	completedAt := p.now()
	if markErr := p.repo.MarkCompleted(ctx, item.ID, completedAt, duration.Milliseconds()); markErr != nil {
		logger.Error("failed to mark as completed", "error", markErr)
		p.emitStoreFailure(item, markErr)
		return false
	}

	ms := duration.Milliseconds()
	item.Status = domain.QueueStatusCompleted
	item.CompletedAt = &completedAt
	item.ProcessingTimeMs = &ms

	p.sink.HandleEvent(Event{
		Kind:      EventProcessed,
		ItemID:    item.ID,
		Source:    item.Source,
		Duration:  duration,
		Attempts:  item.Attempts,
		Attempted: true,
		At:        completedAt,
	})

	logger.Debug("webhook processed", "duration", duration)
	return true
}

func (p *Processor) invoke(ctx context.Context, item *domain.WebhookQueueItem) (err error) {
	handler, ok := p.registry.Lookup(item.Source)
	if !ok {
		return fmt.Errorf("%w for source %q", ErrHandlerNotFound, item.Source)
	}

	if p.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook handler panicked: %v", r)
		}
	}()

	err = handler.HandleWebhook(ctx, item.Payload)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, p.config.HandlerTimeout, err)
	}
	return err
}

func (p *Processor) handleFailure(ctx context.Context, item *domain.WebhookQueueItem, err error, duration time.Duration) {
	delay := p.config.Retry.NextDelay(item.Attempts)
	update := FailureUpdate{
		Attempts:         item.Attempts + 1,
		LastError:        err.Error(),
		ProcessAfter:     p.now().Add(delay),
		ProcessingTimeMs: duration.Milliseconds(),
	}

	logger := ctxlog.FromContext(ctx)
	logger.Warn("webhook processing failed",
		"attempt", update.Attempts,
		"max_attempts", p.config.Retry.MaxAttempts,
		"error", err,
	)

	event := Event{
		ItemID:    item.ID,
		Source:    item.Source,
		Duration:  duration,
		Attempts:  update.Attempts,
		Error:     err.Error(),
		Attempted: true,
		At:        p.now(),
	}

	event.Permanent = isPermanent(err)
	if p.config.Retry.Exhausted(update.Attempts) || event.Permanent {
		if markErr := p.repo.MarkFailed(ctx, item.ID, update); markErr != nil {
			logger.Error("failed to mark as failed", "error", markErr)
			p.emitStoreFailure(item, markErr)
			return
		}
		applyFailure(item, domain.QueueStatusFailed, update)

		event.Kind = EventCritical
		p.sink.HandleEvent(event)

		logger.Error("webhook failed permanently", "attempts", update.Attempts)
		return
	}

	if markErr := p.repo.MarkRetry(ctx, item.ID, update); markErr != nil {
		logger.Error("failed to mark for retry", "error", markErr)
		p.emitStoreFailure(item, markErr)
		return
	}
	applyFailure(item, domain.QueueStatusPending, update)

	event.Kind = EventFailed
	p.sink.HandleEvent(event)

	logger.Info("webhook scheduled for retry", "next_attempt", update.ProcessAfter)
}

func (p *Processor) emitStoreFailure(item *domain.WebhookQueueItem, err error) {
	event := Event{
		Kind:  EventCritical,
		Error: err.Error(),
		At:    p.now(),
	}
	if item != nil {
		event.ItemID = item.ID
		event.Source = item.Source
		event.Attempts = item.Attempts
	}
	p.sink.HandleEvent(event)
}

func applyFailure(item *domain.WebhookQueueItem, status domain.QueueStatus, update FailureUpdate) {
	item.Status = status
	item.Attempts = update.Attempts
	item.LastError = &update.LastError
	item.ProcessAfter = update.ProcessAfter
	item.ProcessingTimeMs = &update.ProcessingTimeMs
}
