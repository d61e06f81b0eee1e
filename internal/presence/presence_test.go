package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_OnlineOfflineAndExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryWithNow(time.Minute, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "alice", true))
	online, err := m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	now = now.Add(2 * time.Minute)
	online, _ = m.IsOnline(ctx, "alice")
	assert.False(t, online)

	require.NoError(t, m.SetOnline(ctx, "bob", true))
	require.NoError(t, m.SetOnline(ctx, "bob", false))
	online, _ = m.IsOnline(ctx, "bob")
	assert.False(t, online)
}

func TestRedis_OnlineOffline(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	r := NewRedis(rdb, time.Minute)
	user := "test-" + uuid.NewString()

	require.NoError(t, r.SetOnline(ctx, user, true))
	online, err := r.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, r.SetOnline(ctx, user, false))
	online, err = r.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}
