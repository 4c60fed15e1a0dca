package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache_DedupHint(t *testing.T) {
	cache := NewLocalCache(10, time.Hour)
	defer cache.Close()
	ctx := context.Background()

	_, ok := cache.GetEmailID(ctx, "mb-1", "m-1")
	assert.False(t, ok)

	cache.RememberEmailID(ctx, "mb-1", "m-1", "email-1")
	emailID, ok := cache.GetEmailID(ctx, "mb-1", "m-1")
	assert.True(t, ok)
	assert.Equal(t, "email-1", emailID)

	_, ok = cache.GetEmailID(ctx, "mb-2", "m-1")
	assert.False(t, ok, "不同邮箱的同名 message id 互不影响")
}

func TestLocalCache_Expiry(t *testing.T) {
	cache := NewLocalCache(10, time.Hour)
	defer cache.Close()

	cache.Set("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())

	cache.Set("a", "1", -time.Second)
	cache.Set("b", "2", 0)
	cache.purgeExpired(time.Now())
	assert.Equal(t, 1, cache.Len())
}

func TestLocalCache_MaxSize(t *testing.T) {
	cache := NewLocalCache(2, time.Hour)
	defer cache.Close()

	cache.Set("a", "1", 0)
	cache.Set("b", "2", 0)
	cache.Set("c", "3", 0)
	cache.Set("a", "updated", 0)

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("c")
	assert.False(t, ok)
	value, _ := cache.Get("a")
	assert.Equal(t, "updated", value)
}
