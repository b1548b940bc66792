package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSource_DefaultPriority(t *testing.T) {
	tests := []struct {
		source   Source
		expected int
	}{
		{SourceWhatsApp, 1},
		{SourceTelegram, 2},
		{SourceMeta, 2},
		{SourceStripe, 3},
		{SourceEmail, 4},
		{Source("carrier-pigeon"), DefaultPriority},
		{Source(""), DefaultPriority},
	}

	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.source.DefaultPriority())
		})
	}
}

func TestParseSource(t *testing.T) {
	assert.Equal(t, SourceWhatsApp, ParseSource("  WhatsApp "))
	assert.Equal(t, Source("custom-gateway"), ParseSource("Custom-Gateway"))
	assert.True(t, ParseSource("STRIPE").IsKnown())
	assert.False(t, ParseSource("unknown").IsKnown())
}

func TestWebhookQueueItem_IsEligible(t *testing.T) {
	now := time.Now()

	pending := &WebhookQueueItem{Status: QueueStatusPending, ProcessAfter: now.Add(-time.Second)}
	assert.True(t, pending.IsEligible(now))

	exactlyNow := &WebhookQueueItem{Status: QueueStatusPending, ProcessAfter: now}
	assert.True(t, exactlyNow.IsEligible(now))

	future := &WebhookQueueItem{Status: QueueStatusPending, ProcessAfter: now.Add(time.Minute)}
	assert.False(t, future.IsEligible(now))

	failed := &WebhookQueueItem{Status: QueueStatusFailed, ProcessAfter: now.Add(-time.Hour)}
	assert.False(t, failed.IsEligible(now))
}

func TestWebhookQueueItem_HasTags(t *testing.T) {
	item := &WebhookQueueItem{Tags: []string{"load-test", "eu"}}

	assert.True(t, item.HasTags(nil))
	assert.True(t, item.HasTags([]string{"eu"}))
	assert.True(t, item.HasTags([]string{"eu", "load-test"}))
	assert.False(t, item.HasTags([]string{"us"}))
}

func TestQueueStatus(t *testing.T) {
	assert.True(t, QueueStatusPending.IsValid())
	assert.False(t, QueueStatus("sent").IsValid())
	assert.True(t, QueueStatusCompleted.IsTerminal())
	assert.True(t, QueueStatusFailed.IsTerminal())
	assert.False(t, QueueStatusProcessing.IsTerminal())
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleOperator))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("root").HasPermission(RoleViewer))
}
