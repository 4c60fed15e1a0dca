package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/backend/internal/config"
	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage/memory"
)

func TestRetentionService_Purge(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	addRuns(t, store, "user-1", domain.SyncRunSuccess, 2, now.AddDate(0, 0, -10))
	addRuns(t, store, "user-1", domain.SyncRunFailed, 1, now.Add(-time.Hour))

	for i, createdAt := range []time.Time{now.AddDate(0, 0, -40), now.AddDate(0, 0, -2)} {
		require.NoError(t, store.UpsertInboundEvent(ctx, &domain.InboundEvent{
			MailboxID: "mb-1",
			UserID:    "user-1",
			MessageID: []string{"old", "fresh"}[i],
			Status:    domain.InboundEventAccepted,
			CreatedAt: createdAt,
		}))
	}

	svc := NewRetentionService(store, config.RetentionConfig{SyncRunDays: 7}, nil)
	svc.now = func() time.Time { return now }

	result, err := svc.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.SyncRunsDeleted)
	assert.EqualValues(t, 1, result.InboundEventsDeleted)
	assert.Equal(t, now.AddDate(0, 0, -7), result.SyncRunCutoff)
	assert.Equal(t, now.AddDate(0, 0, -DefaultRetentionDays), result.InboundEventCutoff)

	runs, err := store.ListSyncRuns(ctx, domain.SyncRunFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.SyncRunFailed, runs[0].Status)

	_, err = store.GetInboundEvent(ctx, "mb-1", "old")
	assert.Error(t, err)
	_, err = store.GetInboundEvent(ctx, "mb-1", "fresh")
	assert.NoError(t, err)

	t.Run("再次清理没有可删除的记录", func(t *testing.T) {
		result, err := svc.Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.SyncRunsDeleted)
		assert.Zero(t, result.InboundEventsDeleted)
	})
}

func TestClampRetentionDays(t *testing.T) {
	assert.Equal(t, DefaultRetentionDays, clampRetentionDays(0))
	assert.Equal(t, MaxRetentionDays, clampRetentionDays(100000))
	assert.Equal(t, 14, clampRetentionDays(14))
}
