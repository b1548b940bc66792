// Package postgres provides PostgreSQL implementation of the webhook queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ webhooks.Repository = (*Repository)(nil)

const itemColumns = `
	id, source, channel_id, payload, status, priority, attempts, last_error,
	tags, batch_id, process_after, processing_time_ms, created_at, updated_at, completed_at
`

// Repository implements webhooks.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert stores a new queue item.
func (r *Repository) Insert(ctx context.Context, item *domain.WebhookQueueItem) error {
	if item.Status == "" {
		item.Status = domain.QueueStatusPending
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}

	query := `
		INSERT INTO webhook_queue (source, channel_id, payload, status, priority, tags, batch_id, process_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, attempts, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		item.Source,
		item.ChannelID,
		item.Payload,
		item.Status,
		item.Priority,
		item.Tags,
		item.BatchID,
		item.ProcessAfter,
	).Scan(&item.ID, &item.Attempts, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// GetByID retrieves a queue item by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.WebhookQueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, webhooks.ErrItemNotFound
	}

	query := `SELECT ` + itemColumns + ` FROM webhook_queue WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, webhooks.ErrItemNotFound
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return item, nil
}

// ClaimPending atomically flips up to limit eligible items to processing.
// SKIP LOCKED lets concurrent processors claim disjoint rows.
func (r *Repository) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*domain.WebhookQueueItem, error) {
	query := `
		UPDATE webhook_queue q
		SET status = 'processing', updated_at = NOW()
		FROM (
			SELECT id FROM webhook_queue
			WHERE status = 'pending' AND process_after <= $2
			ORDER BY priority ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) claimed
		WHERE q.id = claimed.id
		RETURNING q.id, q.source, q.channel_id, q.payload, q.status, q.priority, q.attempts, q.last_error,
			q.tags, q.batch_id, q.process_after, q.processing_time_ms, q.created_at, q.updated_at, q.completed_at
	`
	items, err := r.queryItems(ctx, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// MarkCompleted marks an item as completed.
func (r *Repository) MarkCompleted(ctx context.Context, id string, completedAt time.Time, processingTimeMs int64) error {
	query := `
		UPDATE webhook_queue
		SET status = 'completed', completed_at = $2, processing_time_ms = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, "mark completed", query, id, completedAt, processingTimeMs)
}

// MarkRetry returns an item to pending with a new process_after.
func (r *Repository) MarkRetry(ctx context.Context, id string, update webhooks.FailureUpdate) error {
	return r.markFailure(ctx, "mark for retry", id, domain.QueueStatusPending, update)
}

// MarkFailed marks an item as terminally failed.
func (r *Repository) MarkFailed(ctx context.Context, id string, update webhooks.FailureUpdate) error {
	return r.markFailure(ctx, "mark as failed", id, domain.QueueStatusFailed, update)
}

func (r *Repository) markFailure(ctx context.Context, op, id string, status domain.QueueStatus, update webhooks.FailureUpdate) error {
	query := `
		UPDATE webhook_queue
		SET status = $2, attempts = $3, last_error = $4, process_after = $5,
		    processing_time_ms = $6, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, op, query,
		id,
		status,
		update.Attempts,
		update.LastError,
		update.ProcessAfter,
		update.ProcessingTimeMs,
	)
}

// ListPending returns eligible pending items matching the filter.
func (r *Repository) ListPending(ctx context.Context, filter webhooks.PendingFilter) ([]*domain.WebhookQueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM webhook_queue WHERE status = 'pending' AND process_after <= $1`
	args := []interface{}{filter.Now}
	argNum := 2

	if filter.Source != "" {
		query += fmt.Sprintf(" AND source = $%d", argNum)
		args = append(args, filter.Source)
		argNum++
	}

	if len(filter.Tags) > 0 {
		query += fmt.Sprintf(" AND tags @> $%d", argNum)
		args = append(args, filter.Tags)
		argNum++
	}

	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND batch_id = $%d", argNum)
		args = append(args, filter.BatchID)
		argNum++
	}

	query += " ORDER BY priority ASC, created_at ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	items, err := r.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return items, nil
}

// CountPending counts pending items, optionally for one source.
func (r *Repository) CountPending(ctx context.Context, source domain.Source) (int, error) {
	query := `SELECT COUNT(*) FROM webhook_queue WHERE status = 'pending' AND ($1::text = '' OR source = $1::text)`

	var count int
	if err := r.db.QueryRow(ctx, query, string(source)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// ListPendingByChannel returns eligible pending items for a channel.
func (r *Repository) ListPendingByChannel(ctx context.Context, channelID string, limit int, now time.Time) ([]*domain.WebhookQueueItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM webhook_queue
		WHERE status = 'pending' AND channel_id = $1 AND process_after <= $2
		ORDER BY priority ASC, created_at ASC
		LIMIT $3
	`
	items, err := r.queryItems(ctx, query, channelID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending by channel: %w", err)
	}
	return items, nil
}

// ListProblematic returns failed items, most attempts first, then most recently updated.
func (r *Repository) ListProblematic(ctx context.Context, limit int) ([]*domain.WebhookQueueItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM webhook_queue
		WHERE status = 'failed'
		ORDER BY attempts DESC, updated_at DESC
		LIMIT $1
	`
	items, err := r.queryItems(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list problematic: %w", err)
	}
	return items, nil
}

// DecrementStalePriority raises the priority of old pending items by one step.
func (r *Repository) DecrementStalePriority(ctx context.Context, createdBefore time.Time) (int64, error) {
	query := `
		UPDATE webhook_queue
		SET priority = priority - 1, updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1 AND priority > $2
	`
	result, err := r.db.Exec(ctx, query, createdBefore, domain.MaxPriority)
	if err != nil {
		return 0, fmt.Errorf("decrement stale priority: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteCompletedBefore deletes completed items finished before cutoff.
func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`DELETE FROM webhook_queue WHERE status = 'completed' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	return result.RowsAffected(), nil
}

// execOne runs an update keyed by the id in args[0].
func (r *Repository) execOne(ctx context.Context, op, query string, args ...any) error {
	if id, ok := args[0].(string); ok {
		if _, err := uuid.Parse(id); err != nil {
			return webhooks.ErrItemNotFound
		}
	}

	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return webhooks.ErrItemNotFound
	}
	return nil
}

func (r *Repository) queryItems(ctx context.Context, query string, args ...any) ([]*domain.WebhookQueueItem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*domain.WebhookQueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*domain.WebhookQueueItem, error) {
	var item domain.WebhookQueueItem
	err := row.Scan(
		&item.ID,
		&item.Source,
		&item.ChannelID,
		&item.Payload,
		&item.Status,
		&item.Priority,
		&item.Attempts,
		&item.LastError,
		&item.Tags,
		&item.BatchID,
		&item.ProcessAfter,
		&item.ProcessingTimeMs,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
