// Package memory provides an in-process implementation of the webhook queue store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/google/uuid"
)

var _ webhooks.Repository = (*Repository)(nil)

type record struct {
	item domain.WebhookQueueItem
	seq  int64
}

// Repository implements webhooks.Repository in memory. All operations hold a
// single mutex, so ClaimPending is atomic within the process.
type Repository struct {
	mu    sync.Mutex
	items map[string]*record
	seq   int64
	now   func() time.Time
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		items: make(map[string]*record),
		now:   time.Now,
	}
}

// SetClock replaces the clock used for created_at and updated_at.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Insert stores a new item, assigning ID and timestamps.
func (r *Repository) Insert(_ context.Context, item *domain.WebhookQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.QueueStatusPending
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	r.seq++
	r.items[item.ID] = &record{item: clone(item), seq: r.seq}
	return nil
}

// GetByID retrieves an item by ID.
func (r *Repository) GetByID(_ context.Context, id string) (*domain.WebhookQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.items[id]
	if !ok {
		return nil, webhooks.ErrItemNotFound
	}
	item := clone(&rec.item)
	return &item, nil
}

// ClaimPending moves up to limit eligible items to processing.
func (r *Repository) ClaimPending(_ context.Context, limit int, now time.Time) ([]*domain.WebhookQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.selectLocked(func(i *domain.WebhookQueueItem) bool {
		return i.IsEligible(now)
	}, byPriority, limit)

	updatedAt := r.now()
	claimed := make([]*domain.WebhookQueueItem, 0, len(recs))
	for _, rec := range recs {
		rec.item.Status = domain.QueueStatusProcessing
		rec.item.UpdatedAt = updatedAt
		item := clone(&rec.item)
		claimed = append(claimed, &item)
	}
	return claimed, nil
}

// MarkCompleted marks an item as completed.
func (r *Repository) MarkCompleted(_ context.Context, id string, completedAt time.Time, processingTimeMs int64) error {
	return r.update(id, func(i *domain.WebhookQueueItem) {
		i.Status = domain.QueueStatusCompleted
		i.CompletedAt = &completedAt
		i.ProcessingTimeMs = &processingTimeMs
	})
}

// MarkRetry returns an item to pending with a pushed-back process_after.
func (r *Repository) MarkRetry(_ context.Context, id string, update webhooks.FailureUpdate) error {
	return r.update(id, func(i *domain.WebhookQueueItem) {
		applyFailure(i, domain.QueueStatusPending, update)
	})
}

// MarkFailed marks an item as terminally failed.
func (r *Repository) MarkFailed(_ context.Context, id string, update webhooks.FailureUpdate) error {
	return r.update(id, func(i *domain.WebhookQueueItem) {
		applyFailure(i, domain.QueueStatusFailed, update)
	})
}

// ListPending returns eligible pending items matching the filter.
func (r *Repository) ListPending(_ context.Context, filter webhooks.PendingFilter) ([]*domain.WebhookQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.selectLocked(func(i *domain.WebhookQueueItem) bool {
		if !i.IsEligible(filter.Now) {
			return false
		}
		if filter.Source != "" && i.Source != filter.Source {
			return false
		}
		if filter.BatchID != "" && (i.BatchID == nil || *i.BatchID != filter.BatchID) {
			return false
		}
		return i.HasTags(filter.Tags)
	}, byPriority, filter.Limit)
	return copies(recs), nil
}

// CountPending counts pending items, optionally for one source.
func (r *Repository) CountPending(_ context.Context, source domain.Source) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, rec := range r.items {
		if rec.item.Status == domain.QueueStatusPending && (source == "" || rec.item.Source == source) {
			count++
		}
	}
	return count, nil
}

// ListPendingByChannel returns eligible pending items for a channel.
func (r *Repository) ListPendingByChannel(_ context.Context, channelID string, limit int, now time.Time) ([]*domain.WebhookQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.selectLocked(func(i *domain.WebhookQueueItem) bool {
		return i.IsEligible(now) && i.ChannelID != nil && *i.ChannelID == channelID
	}, byPriority, limit)
	return copies(recs), nil
}

// ListProblematic returns failed items, most attempts first, then most recently updated.
func (r *Repository) ListProblematic(_ context.Context, limit int) ([]*domain.WebhookQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.selectLocked(func(i *domain.WebhookQueueItem) bool {
		return i.Status == domain.QueueStatusFailed
	}, func(a, b *record) bool {
		if a.item.Attempts != b.item.Attempts {
			return a.item.Attempts > b.item.Attempts
		}
		if !a.item.UpdatedAt.Equal(b.item.UpdatedAt) {
			return a.item.UpdatedAt.After(b.item.UpdatedAt)
		}
		return a.seq > b.seq
	}, limit)
	return copies(recs), nil
}

// DecrementStalePriority raises the priority of old pending items by one step.
func (r *Repository) DecrementStalePriority(_ context.Context, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var touched int64
	for _, rec := range r.items {
		i := &rec.item
		if i.Status == domain.QueueStatusPending && i.CreatedAt.Before(createdBefore) && i.Priority > domain.MaxPriority {
			i.Priority--
			i.UpdatedAt = now
			touched++
		}
	}
	return touched, nil
}

// DeleteCompletedBefore deletes completed items finished before cutoff.
func (r *Repository) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, rec := range r.items {
		i := &rec.item
		if i.Status == domain.QueueStatusCompleted && i.CompletedAt != nil && i.CompletedAt.Before(cutoff) {
			delete(r.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *Repository) update(id string, apply func(*domain.WebhookQueueItem)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.items[id]
	if !ok {
		return webhooks.ErrItemNotFound
	}
	apply(&rec.item)
	rec.item.UpdatedAt = r.now()
	return nil
}

// selectLocked filters, sorts and limits records. Callers hold r.mu.
func (r *Repository) selectLocked(match func(*domain.WebhookQueueItem) bool, less func(a, b *record) bool, limit int) []*record {
	recs := make([]*record, 0)
	for _, rec := range r.items {
		if match(&rec.item) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return less(recs[i], recs[j]) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

func byPriority(a, b *record) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority < b.item.Priority
	}
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.Before(b.item.CreatedAt)
	}
	return a.seq < b.seq
}

func applyFailure(i *domain.WebhookQueueItem, status domain.QueueStatus, update webhooks.FailureUpdate) {
	lastError := update.LastError
	ms := update.ProcessingTimeMs
	i.Status = status
	i.Attempts = update.Attempts
	i.LastError = &lastError
	i.ProcessAfter = update.ProcessAfter
	i.ProcessingTimeMs = &ms
}

func copies(recs []*record) []*domain.WebhookQueueItem {
	items := make([]*domain.WebhookQueueItem, 0, len(recs))
	for _, rec := range recs {
		item := clone(&rec.item)
		items = append(items, &item)
	}
	return items
}

// clone deep-copies an item so callers never share state with the store.
func clone(src *domain.WebhookQueueItem) domain.WebhookQueueItem {
	dst := *src
	dst.Payload = append([]byte(nil), src.Payload...)
	dst.Tags = append([]string{}, src.Tags...)
	dst.ChannelID = clonePtr(src.ChannelID)
	dst.LastError = clonePtr(src.LastError)
	dst.BatchID = clonePtr(src.BatchID)
	dst.ProcessingTimeMs = clonePtr(src.ProcessingTimeMs)
	dst.CompletedAt = clonePtr(src.CompletedAt)
	return dst
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
