// Package webhooks provides durable ingestion and asynchronous processing of provider webhooks.
package webhooks

import (
	"context"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
)

// Repository defines the queue store.
type Repository interface {
	// Items
	Insert(ctx context.Context, item *domain.WebhookQueueItem) error
	GetByID(ctx context.Context, id string) (*domain.WebhookQueueItem, error)

	// ClaimPending atomically moves up to limit eligible items to processing
	// and returns them in priority, then FIFO order.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*domain.WebhookQueueItem, error)
	MarkCompleted(ctx context.Context, id string, completedAt time.Time, processingTimeMs int64) error
	MarkRetry(ctx context.Context, id string, update FailureUpdate) error
	MarkFailed(ctx context.Context, id string, update FailureUpdate) error

	// Queries
	ListPending(ctx context.Context, filter PendingFilter) ([]*domain.WebhookQueueItem, error)
	CountPending(ctx context.Context, source domain.Source) (int, error)
	ListPendingByChannel(ctx context.Context, channelID string, limit int, now time.Time) ([]*domain.WebhookQueueItem, error)
	ListProblematic(ctx context.Context, limit int) ([]*domain.WebhookQueueItem, error)

	// Aggregates
	CountByStatus(ctx context.Context) (*QueueCounts, error)
	StatsBySource(ctx context.Context) ([]SourceStats, error)
	VolumeByHour(ctx context.Context, since time.Time) ([]HourVolume, error)
	AvgProcessingTimeBySource(ctx context.Context, since time.Time) ([]SourceTiming, error)
	FailureRateBySource(ctx context.Context, since time.Time, minSamples int) ([]SourceFailureRate, error)
	Throughput(ctx context.Context, since time.Time, bucket Bucket) ([]ThroughputPoint, error)

	// Maintenance
	DecrementStalePriority(ctx context.Context, createdBefore time.Time) (int64, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FailureUpdate carries the fields written after a failed processing attempt.
type FailureUpdate struct {
	Attempts         int
	LastError        string
	ProcessAfter     time.Time
	ProcessingTimeMs int64
}

// PendingFilter holds filter options for listing eligible pending items.
type PendingFilter struct {
	Source  domain.Source
	Tags    []string
	BatchID string
	Limit   int
	Now     time.Time
}

// QueueCounts holds item counts by status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// SourceStats is the per-source status breakdown.
type SourceStats struct {
	Source              domain.Source `json:"source"`
	Pending             int           `json:"pending"`
	Processing          int           `json:"processing"`
	Completed           int           `json:"completed"`
	Failed              int           `json:"failed"`
	AvgProcessingTimeMs float64       `json:"avg_processing_time_ms"`
}

// HourVolume is the number of items created at a given hour of day (UTC).
type HourVolume struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// SourceTiming is the average processing time of a source.
type SourceTiming struct {
	Source              domain.Source `json:"source"`
	AvgProcessingTimeMs float64       `json:"avg_processing_time_ms"`
	Samples             int           `json:"samples"`
}

// SourceFailureRate is the share of terminal items that failed for a source.
type SourceFailureRate struct {
	Source      domain.Source `json:"source"`
	Total       int           `json:"total"`
	Failed      int           `json:"failed"`
	FailureRate float64       `json:"failure_rate"`
}

// Bucket is the granularity of throughput series.
type Bucket string

// Throughput buckets.
const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// Truncate returns the start of the bucket containing t (UTC).
func (b Bucket) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if b == BucketDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// ThroughputPoint is the number of items completed within one bucket.
type ThroughputPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Count       int       `json:"count"`
}
