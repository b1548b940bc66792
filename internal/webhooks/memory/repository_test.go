package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(source domain.Source, priority int, at time.Time) *domain.WebhookQueueItem {
	return &domain.WebhookQueueItem{
		Source:       source,
		Payload:      json.RawMessage(`{}`),
		Priority:     priority,
		ProcessAfter: at,
	}
}

func TestRepository_InsertAssignsFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository()
	repo.SetClock(func() time.Time { return now })

	item := newItem(domain.SourceStripe, 3, now)
	require.NoError(t, repo.Insert(context.Background(), item))

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, domain.QueueStatusPending, item.Status)
	assert.Equal(t, []string{}, item.Tags)
	assert.Equal(t, now, item.CreatedAt)
	assert.Equal(t, now, item.UpdatedAt)
}

func TestRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	item := newItem(domain.SourceStripe, 3, time.Now().Add(-time.Second))
	item.Tags = []string{"a"}
	require.NoError(t, repo.Insert(ctx, item))

	item.Tags[0] = "mutated"
	item.Payload[0] = '['

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Tags)
	assert.JSONEq(t, `{}`, string(got.Payload))

	got.Priority = 99
	again, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Priority)
}

func TestRepository_ClaimPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository()
	repo.SetClock(func() time.Time { return now })

	low := newItem(domain.SourceEmail, 4, now)
	high := newItem(domain.SourceWhatsApp, 1, now)
	later := newItem(domain.SourceWhatsApp, 1, now.Add(time.Minute))
	for _, item := range []*domain.WebhookQueueItem{low, high, later} {
		require.NoError(t, repo.Insert(ctx, item))
	}

	claimed, err := repo.ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)
	for _, item := range claimed {
		assert.Equal(t, domain.QueueStatusProcessing, item.Status)
	}

	again, err := repo.ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRepository_ClaimPending_FIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository()
	repo.SetClock(func() time.Time { return now })

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		item := newItem(domain.SourceStripe, 3, now)
		require.NoError(t, repo.Insert(ctx, item))
		ids = append(ids, item.ID)
	}

	claimed, err := repo.ClaimPending(ctx, 3, now)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i, item := range claimed {
		assert.Equal(t, ids[i], item.ID)
	}
}

func TestRepository_ClaimPending_Concurrent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewRepository()

	for i := 0; i < 50; i++ {
		require.NoError(t, repo.Insert(ctx, newItem(domain.SourceStripe, 3, now.Add(-time.Second))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimPending(ctx, 3, now)
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, item := range claimed {
					seen[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestRepository_UpdatesUnknownID(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	err := repo.MarkCompleted(ctx, "missing", time.Now(), 10)
	assert.ErrorIs(t, err, webhooks.ErrItemNotFound)

	err = repo.MarkRetry(ctx, "missing", webhooks.FailureUpdate{})
	assert.ErrorIs(t, err, webhooks.ErrItemNotFound)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, webhooks.ErrItemNotFound)
}

func TestRepository_ListProblematicOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	repo := NewRepository()
	repo.SetClock(func() time.Time { return clock })

	fail := func(attempts int) string {
		item := newItem(domain.SourceStripe, 3, now)
		require.NoError(t, repo.Insert(ctx, item))
		require.NoError(t, repo.MarkFailed(ctx, item.ID, webhooks.FailureUpdate{Attempts: attempts, LastError: "boom"}))
		clock = clock.Add(time.Minute)
		return item.ID
	}

	fewer := fail(3)
	olderFive := fail(5)
	newerFive := fail(5)
	require.NoError(t, repo.Insert(ctx, newItem(domain.SourceStripe, 3, now)))

	items, err := repo.ListProblematic(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{newerFive, olderFive, fewer}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, "boom", *items[0].LastError)
}
