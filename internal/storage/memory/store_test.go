package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
)

func seedMailbox(t *testing.T, store *Store, id, email string) *domain.Mailbox {
	t.Helper()
	mailbox := &domain.Mailbox{
		ID:           id,
		UserID:       "user-1",
		Email:        email,
		QuotaLimitMB: 10,
	}
	require.NoError(t, store.SaveMailbox(context.Background(), mailbox))
	return mailbox
}

func TestMemoryStore_MailboxOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	seedMailbox(t, store, "mb-2", "B@Mailzen.io")
	seedMailbox(t, store, "mb-1", "a@mailzen.io")
	suspended := seedMailbox(t, store, "mb-3", "c@mailzen.io")
	suspended.Status = domain.MailboxStatusSuspended
	require.NoError(t, store.SaveMailbox(ctx, suspended))

	got, err := store.GetMailboxByEmail(ctx, " b@mailzen.io ")
	require.NoError(t, err)
	assert.Equal(t, "mb-2", got.ID)
	assert.Equal(t, domain.SyncStatusIdle, got.InboundSyncStatus)

	active, err := store.ListActiveMailboxes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "mb-1", active[0].ID)

	limited, err := store.ListActiveMailboxes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = store.GetMailbox(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
}

func TestMemoryStore_UpdateSyncState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedMailbox(t, store, "mb-1", "a@mailzen.io")

	now := time.Now().UTC()
	errText := "upstream 503"
	require.NoError(t, store.UpdateSyncState(ctx, "mb-1", domain.SyncStateUpdate{
		Status:       domain.SyncStatusError,
		LastPolledAt: &now,
		LastError:    &errText,
		LastErrorAt:  &now,
	}))

	got, err := store.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusError, got.InboundSyncStatus)
	assert.Equal(t, "upstream 503", got.LastError())

	cursor := "c-2"
	require.NoError(t, store.UpdateSyncState(ctx, "mb-1", domain.SyncStateUpdate{
		Status:     domain.SyncStatusConnected,
		Cursor:     &cursor,
		SetCursor:  true,
		ClearError: true,
	}))

	got, err = store.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, "c-2", got.Cursor())
	assert.Empty(t, got.LastError())
	assert.Nil(t, got.InboundSyncLastErrorAt)
}

func TestMemoryStore_Lease(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedMailbox(t, store, "mb-1", "a@mailzen.io")
	now := time.Now().UTC()

	acquired, err := store.AcquireLease(ctx, "mb-1", "token-a", now, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.AcquireLease(ctx, "mb-1", "token-b", now.Add(time.Minute), now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, acquired, "未过期租约不能被抢占")

	// 非持有者释放无效
	require.NoError(t, store.ReleaseLease(ctx, "mb-1", "token-b"))
	got, _ := store.GetMailbox(ctx, "mb-1")
	assert.True(t, got.LeaseHeld(now))

	acquired, err = store.AcquireLease(ctx, "mb-1", "token-c", now.Add(5*time.Minute), now.Add(8*time.Minute))
	require.NoError(t, err)
	assert.True(t, acquired, "过期租约可被接管")

	require.NoError(t, store.ReleaseLease(ctx, "mb-1", "token-c"))
	got, _ = store.GetMailbox(ctx, "mb-1")
	assert.Nil(t, got.InboundSyncLeaseToken)
	assert.Nil(t, got.InboundSyncLeaseExpiresAt)
}

func TestMemoryStore_InboundEvents(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedMailbox(t, store, "mb-1", "a@mailzen.io")

	message := &domain.Message{MailboxID: "mb-1", UserID: "user-1", InboundMessageID: "m-1", SizeBytes: 42}
	event := &domain.InboundEvent{MailboxID: "mb-1", UserID: "user-1", MessageID: "m-1"}
	require.NoError(t, store.AcceptInboundMessage(ctx, message, event))

	mailbox, _ := store.GetMailbox(ctx, "mb-1")
	assert.Equal(t, int64(42), mailbox.UsedBytes)

	stored, err := store.GetInboundEvent(ctx, "mb-1", "m-1")
	require.NoError(t, err)
	require.NotNil(t, stored.EmailID)
	assert.Equal(t, message.ID, *stored.EmailID)
	assert.Equal(t, domain.InboundEventAccepted, stored.Status)

	byInbound, err := store.FindMessageByInboundID(ctx, "mb-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, message.ID, byInbound.ID)

	// 同键 upsert 只覆盖状态，不新增行
	reason := "quota exceeded"
	require.NoError(t, store.UpsertInboundEvent(ctx, &domain.InboundEvent{
		MailboxID: "mb-1", UserID: "user-1", MessageID: "m-1",
		Status: domain.InboundEventRejected, ErrorReason: &reason,
	}))
	rejected, err := store.GetInboundEvent(ctx, "mb-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InboundEventRejected, rejected.Status)
	require.NotNil(t, rejected.EmailID, "拒收不清除已关联的邮件")
	assert.Equal(t, message.ID, *rejected.EmailID)

	require.NoError(t, store.UpsertInboundEvent(ctx, &domain.InboundEvent{
		MailboxID: "mb-1", UserID: "user-1", MessageID: "m-2", Status: domain.InboundEventDeduplicated,
	}))

	stats, err := store.InboundEventStats(ctx, "user-1", "", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Deduplicated)
	assert.NotNil(t, stats.LastProcessedAt)

	owners, err := store.ListInboundOwnersSince(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, owners)

	removed, err := store.PurgeInboundEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestMemoryStore_SyncRuns(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Now().UTC()

	runs := []domain.SyncRun{
		{MailboxID: "mb-1", UserID: "user-1", TriggerSource: domain.TriggerScheduled, Status: domain.SyncRunSuccess, Fetched: 3, Accepted: 3, DurationMs: 100, CompletedAt: base.Add(-3 * time.Minute)},
		{MailboxID: "mb-1", UserID: "user-1", TriggerSource: domain.TriggerManual, Status: domain.SyncRunFailed, DurationMs: 300, CompletedAt: base.Add(-2 * time.Minute)},
		{MailboxID: "mb-1", UserID: "user-1", TriggerSource: domain.TriggerScheduled, Status: domain.SyncRunSkipped, CompletedAt: base.Add(-time.Minute)},
		{MailboxID: "mb-2", UserID: "user-2", TriggerSource: domain.TriggerScheduled, Status: domain.SyncRunPartial, CompletedAt: base.Add(-48 * time.Hour)},
	}
	for i := range runs {
		require.NoError(t, store.CreateSyncRun(ctx, &runs[i]))
	}

	listed, err := store.ListSyncRuns(ctx, domain.SyncRunFilter{UserID: "user-1", MailboxID: "mb-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, domain.SyncRunSkipped, listed[0].Status, "最新的排在前面")

	stats, err := store.SyncRunStats(ctx, "user-1", "mb-1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, 1, stats.SuccessRuns)
	assert.Equal(t, 1, stats.FailedRuns)
	assert.Equal(t, 1, stats.SkippedRuns)
	assert.Equal(t, 1, stats.ManualRuns)
	assert.Equal(t, 3, stats.Fetched)
	assert.InDelta(t, 133.33, stats.AvgDurationMs, 0.01)

	owners, err := store.ListSyncRunOwnersSince(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, owners)

	removed, err := store.PurgeSyncRuns(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryStore_AlertStateAndPreferences(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, err := store.GetAlertState(ctx, "user-1", domain.AlertDomainSyncIncident)
	assert.ErrorIs(t, err, storage.ErrAlertStateNotFound)

	now := time.Now().UTC()
	require.NoError(t, store.SaveAlertState(ctx, &domain.AlertState{
		UserID: "user-1", Domain: domain.AlertDomainSyncIncident, LastStatus: "WARNING", LastAlertedAt: &now,
	}))
	owners, err := store.ListAlertStateOwners(ctx, domain.AlertDomainSyncIncident, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, owners)

	owners, err = store.ListAlertStateOwners(ctx, domain.AlertDomainInboundSLA, 10)
	require.NoError(t, err)
	assert.Empty(t, owners)

	require.NoError(t, store.DeleteAlertState(ctx, "user-1", domain.AlertDomainSyncIncident))
	_, err = store.GetAlertState(ctx, "user-1", domain.AlertDomainSyncIncident)
	assert.ErrorIs(t, err, storage.ErrAlertStateNotFound)

	pref, err := store.GetNotificationPreference(ctx, "user-9")
	require.NoError(t, err)
	assert.True(t, pref.SyncIncidentAlertsEnabled)
	assert.Equal(t, 99.0, pref.InboundSLATargetSuccessPercent)

	pref.SyncIncidentAlertsEnabled = false
	require.NoError(t, store.SaveNotificationPreference(ctx, pref))
	pref, err = store.GetNotificationPreference(ctx, "user-9")
	require.NoError(t, err)
	assert.False(t, pref.AlertsEnabled(domain.AlertDomainSyncIncident))
}

func TestMemoryStore_Notifications(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	for _, title := range []string{"first", "second", "third"} {
		require.NoError(t, store.CreateNotification(ctx, &domain.Notification{UserID: "user-1", Type: domain.NotificationSyncFailed, Title: title}))
	}
	require.NoError(t, store.CreateNotification(ctx, &domain.Notification{UserID: "user-2", Title: "other"}))

	listed, err := store.ListNotifications(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "third", listed[0].Title)
	assert.NotEmpty(t, listed[0].ID)
}
