// Package presence records which users announced themselves online.
// Entries expire after a TTL unless refreshed, so a client that vanishes
// without saying goodbye drops off on its own.
package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 2 * time.Minute

type Tracker interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	users map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return NewMemoryWithNow(ttl, time.Now)
}

func NewMemoryWithNow(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: now, users: make(map[string]time.Time)}
}

func (m *Memory) SetOnline(_ context.Context, userID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		m.users[userID] = m.now().Add(m.ttl)
		return nil
	}
	delete(m.users, userID)
	return nil
}

func (m *Memory) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.users, userID)
		return false, nil
	}
	return true, nil
}

const redisKeyPrefix = "presence:"

// Redis shares presence between server instances.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) SetOnline(ctx context.Context, userID string, online bool) error {
	key := redisKeyPrefix + userID
	if !online {
		return r.rdb.Del(ctx, key).Err()
	}
	return r.rdb.Set(ctx, key, strconv.FormatInt(time.Now().UnixMilli(), 10), r.ttl).Err()
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, redisKeyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
