package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
	"mailzen/backend/internal/storage/memory"
	"mailzen/backend/internal/storage/postgres"
)

func TestClampLeaseTTL(t *testing.T) {
	assert.Equal(t, DefaultLeaseTTL, ClampLeaseTTL(0))
	assert.Equal(t, MinLeaseTTL, ClampLeaseTTL(time.Second))
	assert.Equal(t, MaxLeaseTTL, ClampLeaseTTL(48*time.Hour))
	assert.Equal(t, 90*time.Second, ClampLeaseTTL(90*time.Second))
}

func TestLeaseManager(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mailbox := &domain.Mailbox{UserID: "user-1", Email: "lease@example.com"}
	require.NoError(t, store.SaveMailbox(ctx, mailbox))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	leases := NewLeaseManager(store, time.Minute, nil)
	leases.now = func() time.Time { return now }

	t.Run("同一时刻只有一个持有者", func(t *testing.T) {
		acquired, token, err := leases.Acquire(ctx, mailbox.ID)
		require.NoError(t, err)
		require.True(t, acquired)
		require.NotEmpty(t, token)

		again, other, err := leases.Acquire(ctx, mailbox.ID)
		require.NoError(t, err)
		assert.False(t, again)
		assert.Empty(t, other)

		// 错误的 token 不会释放租约
		require.NoError(t, leases.Release(ctx, mailbox.ID, "not-mine"))
		again, _, err = leases.Acquire(ctx, mailbox.ID)
		require.NoError(t, err)
		assert.False(t, again)

		require.NoError(t, leases.Release(ctx, mailbox.ID, token))
		loaded, err := store.GetMailbox(ctx, mailbox.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded.InboundSyncLeaseToken)
		assert.Nil(t, loaded.InboundSyncLeaseExpiresAt)
	})

	t.Run("租约过期后可被接管", func(t *testing.T) {
		acquired, first, err := leases.Acquire(ctx, mailbox.ID)
		require.NoError(t, err)
		require.True(t, acquired)

		now = now.Add(61 * time.Second)
		acquired, second, err := leases.Acquire(ctx, mailbox.ID)
		require.NoError(t, err)
		require.True(t, acquired)
		assert.NotEqual(t, first, second)

		// 旧持有者释放不影响新租约
		require.NoError(t, leases.Release(ctx, mailbox.ID, first))
		loaded, err := store.GetMailbox(ctx, mailbox.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.InboundSyncLeaseToken)
		assert.Equal(t, second, *loaded.InboundSyncLeaseToken)
		require.NoError(t, leases.Release(ctx, mailbox.ID, second))
	})

	t.Run("非 ACTIVE 邮箱不能获取租约", func(t *testing.T) {
		suspended := &domain.Mailbox{UserID: "user-1", Email: "off@example.com", Status: domain.MailboxStatusSuspended}
		require.NoError(t, store.SaveMailbox(ctx, suspended))

		acquired, _, err := leases.Acquire(ctx, suspended.ID)
		require.NoError(t, err)
		assert.False(t, acquired)
	})

	t.Run("空 token 释放是空操作", func(t *testing.T) {
		assert.NoError(t, leases.Release(ctx, mailbox.ID, ""))
	})
}

func TestLeaseManager_ConcurrentAcquire(t *testing.T) {
	const contenders = 16

	stores := map[string]func(t *testing.T) storage.MailboxRepository{
		"memory": func(t *testing.T) storage.MailboxRepository {
			return memory.NewStore()
		},
		"sqlite": func(t *testing.T) storage.MailboxRepository {
			store, err := postgres.NewStoreWithDialector(sqlite.Open(":memory:"), postgres.Options{MaxOpenConns: 1})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)
			mailbox := &domain.Mailbox{ID: "mb-race", UserID: "user-1", Email: "race@example.com"}
			require.NoError(t, repo.SaveMailbox(ctx, mailbox))

			leases := NewLeaseManager(repo, time.Minute, nil)

			var (
				wg      sync.WaitGroup
				winners atomic.Int32
				tokens  = make(chan string, contenders)
				start   = make(chan struct{})
			)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					acquired, token, err := leases.Acquire(ctx, mailbox.ID)
					assert.NoError(t, err)
					if acquired {
						winners.Add(1)
						tokens <- token
					}
				}()
			}
			close(start)
			wg.Wait()
			close(tokens)

			require.Equal(t, int32(1), winners.Load(), "同一时刻只能有一个持有者")
			winner := <-tokens

			loaded, err := repo.GetMailbox(ctx, mailbox.ID)
			require.NoError(t, err)
			require.NotNil(t, loaded.InboundSyncLeaseToken)
			assert.Equal(t, winner, *loaded.InboundSyncLeaseToken)
		})
	}
}
