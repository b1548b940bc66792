package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/google/uuid"
)

// Query defaults.
const (
	defaultListLimit      = 50
	maxListLimit          = 1000
	rebalanceAge          = time.Hour
	failureRateMinSamples = 10
	defaultRetentionDays  = 7
)

// Column bounds of webhook_queue; both stores enforce them at enqueue.
const (
	maxSourceLen    = 64
	maxChannelIDLen = 255
	maxBatchIDLen   = 64
)

// EnqueueOptions holds optional enqueue parameters.
type EnqueueOptions struct {
	ChannelID    *string
	Priority     *int
	Tags         []string
	BatchID      *string
	ProcessAfter *time.Time
}

// Service provides the queue's enqueue, query and maintenance operations.
type Service struct {
	repo Repository
	sink EventSink
	now  func() time.Time
}

// NewService creates a new webhook queue service. A nil sink discards events.
func NewService(repo Repository, sink EventSink) *Service {
	if sink == nil {
		sink = discardSink{}
	}
	return &Service{
		repo: repo,
		sink: sink,
		now:  time.Now,
	}
}

// Enqueue records a new webhook occurrence. The source does not need a
// registered handler; unknown sources fail at processing time instead.
func (s *Service) Enqueue(ctx context.Context, source string, payload json.RawMessage, opts EnqueueOptions) (*domain.WebhookQueueItem, error) {
	src := domain.ParseSource(source)
	if src == "" {
		return nil, ErrSourceRequired
	}
	if utf8.RuneCountInString(string(src)) > maxSourceLen {
		return nil, fmt.Errorf("%w: source is limited to %d characters", ErrFieldTooLong, maxSourceLen)
	}
	if opts.ChannelID != nil && utf8.RuneCountInString(*opts.ChannelID) > maxChannelIDLen {
		return nil, fmt.Errorf("%w: channel_id is limited to %d characters", ErrFieldTooLong, maxChannelIDLen)
	}
	if opts.BatchID != nil && utf8.RuneCountInString(*opts.BatchID) > maxBatchIDLen {
		return nil, fmt.Errorf("%w: batch_id is limited to %d characters", ErrFieldTooLong, maxBatchIDLen)
	}
	if isNullPayload(payload) || !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	now := s.now()
	item := &domain.WebhookQueueItem{
		Source:       src,
		ChannelID:    opts.ChannelID,
		Payload:      payload,
		Status:       domain.QueueStatusPending,
		Priority:     src.DefaultPriority(),
		Tags:         opts.Tags,
		BatchID:      opts.BatchID,
		ProcessAfter: now,
	}
	if opts.Priority != nil {
		if *opts.Priority < 0 {
			return nil, ErrInvalidPriority
		}
		item.Priority = *opts.Priority
	}
	if opts.ProcessAfter != nil {
		item.ProcessAfter = *opts.ProcessAfter
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}

	if err := s.repo.Insert(ctx, item); err != nil {
		err = fmt.Errorf("enqueue webhook: %w", err)
		slog.Error("failed to enqueue webhook", "source", src, "error", err)
		s.sink.HandleEvent(Event{
			Kind:   EventCritical,
			Source: src,
			Error:  err.Error(),
			At:     now,
		})
		return nil, err
	}

	recordEnqueued(string(src))
	slog.Debug("webhook enqueued",
		"item_id", item.ID,
		"source", src,
		"priority", item.Priority,
	)
	return item, nil
}

// EnqueueBatch enqueues payloads under a shared batch ID, generating one
// when opts.BatchID is nil. It stops at the first store failure.
func (s *Service) EnqueueBatch(ctx context.Context, source string, payloads []json.RawMessage, opts EnqueueOptions) ([]*domain.WebhookQueueItem, error) {
	if opts.BatchID == nil {
		batchID := uuid.NewString()
		opts.BatchID = &batchID
	}

	items := make([]*domain.WebhookQueueItem, 0, len(payloads))
	for i, payload := range payloads {
		item, err := s.Enqueue(ctx, source, payload, opts)
		if err != nil {
			return items, fmt.Errorf("enqueue batch item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// GetItem returns a single queue item.
func (s *Service) GetItem(ctx context.Context, id string) (*domain.WebhookQueueItem, error) {
	return s.repo.GetByID(ctx, id)
}

// PendingItems returns eligible pending items in priority, then FIFO order.
func (s *Service) PendingItems(ctx context.Context, limit int, filter PendingFilter) ([]*domain.WebhookQueueItem, error) {
	filter.Limit = clampLimit(limit)
	filter.Now = s.now()
	return s.repo.ListPending(ctx, filter)
}

// CountPending counts pending items, optionally for a single source.
func (s *Service) CountPending(ctx context.Context, source string) (int, error) {
	return s.repo.CountPending(ctx, domain.ParseSource(source))
}

// PendingItemsByChannel returns eligible pending items for a channel.
func (s *Service) PendingItemsByChannel(ctx context.Context, channelID string, limit int) ([]*domain.WebhookQueueItem, error) {
	return s.repo.ListPendingByChannel(ctx, channelID, clampLimit(limit), s.now())
}

// ProblematicItems returns failed items, most attempts and most recently updated first.
func (s *Service) ProblematicItems(ctx context.Context, limit int) ([]*domain.WebhookQueueItem, error) {
	return s.repo.ListProblematic(ctx, clampLimit(limit))
}

// QueueCounts returns item counts by status.
func (s *Service) QueueCounts(ctx context.Context) (*QueueCounts, error) {
	return s.repo.CountByStatus(ctx)
}

// QueueStatsBySource returns the per-source status breakdown.
func (s *Service) QueueStatsBySource(ctx context.Context) ([]SourceStats, error) {
	return s.repo.StatsBySource(ctx)
}

// Rebalance ages pending items older than one hour by raising their
// priority one step, never past domain.MaxPriority.
func (s *Service) Rebalance(ctx context.Context) (int64, error) {
	touched, err := s.repo.DecrementStalePriority(ctx, s.now().Add(-rebalanceAge))
	if err != nil {
		return 0, fmt.Errorf("rebalance queue: %w", err)
	}

	recordMaintenance("rebalance", touched)
	if touched > 0 {
		slog.Info("queue rebalanced", "items", touched)
	}
	return touched, nil
}

// Cleanup deletes completed items older than maxAgeDays. Pending and failed
// items are never purged. maxAgeDays <= 0 uses the 7 day default.
func (s *Service) Cleanup(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = defaultRetentionDays
	}

	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	deleted, err := s.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}

	recordMaintenance("cleanup", deleted)
	if deleted > 0 {
		slog.Info("queue cleaned up", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// isNullPayload reports an absent payload: empty or JSON null.
func isNullPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
