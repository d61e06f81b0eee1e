package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// IntervalLimiter enforces a minimum gap between two attempts of the same key.
// Used to admit socket connections per remote address.
type IntervalLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	return NewIntervalLimiterWithNow(interval, time.Now)
}

func NewIntervalLimiterWithNow(interval time.Duration, now func() time.Time) *IntervalLimiter {
	return &IntervalLimiter{
		last:     make(map[string]time.Time),
		interval: interval,
		now:      now,
	}
}

// Allow records an attempt for key and reports whether it came at least one
// interval after the previous accepted attempt.
func (l *IntervalLimiter) Allow(key string) bool {
	if l.interval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if prev, ok := l.last[key]; ok && now.Sub(prev) < l.interval {
		return false
	}
	l.last[key] = now
	return true
}

// Prune drops keys idle for longer than olderThan and returns how many.
func (l *IntervalLimiter) Prune(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	n := 0
	for key, at := range l.last {
		if at.Before(cutoff) {
			delete(l.last, key)
			n++
		}
	}
	return n
}

func (l *IntervalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

// RunPrune prunes every period until stop is closed.
func (l *IntervalLimiter) RunPrune(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Prune(period)
		}
	}
}

// AdmitConnections rejects a connection attempt that arrives within the
// limiter's interval of the previous one from the same client address. The
// address is c.ClientIP(), so forwarding headers only count from trusted
// proxies.
func AdmitConnections(l *IntervalLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}
		c.Next()
	}
}
