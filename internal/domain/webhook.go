package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// QueueStatus represents the processing state of a webhook queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// IsValid checks if the queue status is valid.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing,
		QueueStatusCompleted, QueueStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further processing happens from this status.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// WebhookQueueItem is an inbound provider webhook persisted for asynchronous processing.
type WebhookQueueItem struct {
	ID               string          `json:"id"`
	Source           Source          `json:"source"`
	ChannelID        *string         `json:"channel_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Status           QueueStatus     `json:"status"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	Tags             []string        `json:"tags"`
	BatchID          *string         `json:"batch_id,omitempty"`
	ProcessAfter     time.Time       `json:"process_after"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// IsEligible reports whether the item can be picked up by the processor at now.
func (i *WebhookQueueItem) IsEligible(now time.Time) bool {
	return i.Status == QueueStatusPending && !i.ProcessAfter.After(now)
}

// HasTags reports whether the item carries every tag in tags.
func (i *WebhookQueueItem) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(i.Tags, t) {
			return false
		}
	}
	return true
}
