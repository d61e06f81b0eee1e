package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTracker_SetAndClear(t *testing.T) {
	tr := New(time.Minute)

	assert.True(t, tr.Set("alice", "bob", true))
	assert.False(t, tr.Set("alice", "bob", true), "refresh is not a change")
	assert.True(t, tr.Set("carol", "bob", true))
	assert.Equal(t, []string{"alice", "carol"}, tr.Typing("bob"))
	assert.Empty(t, tr.Typing("alice"))

	assert.True(t, tr.Set("alice", "bob", false))
	assert.False(t, tr.Set("alice", "bob", false))
	assert.Equal(t, []string{"carol"}, tr.Typing("bob"))
}

func TestTracker_ExpiresLostStopSignal(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewWithNow(5*time.Second, clock.Now)

	tr.Set("alice", "bob", true)
	clock.Advance(3 * time.Second)
	tr.Set("carol", "bob", true)
	assert.Empty(t, tr.Expire())

	clock.Advance(3 * time.Second)
	assert.False(t, tr.IsTyping("alice", "bob"))
	assert.True(t, tr.IsTyping("carol", "bob"))
	assert.Equal(t, []Pair{{SenderID: "alice", ReceiverID: "bob"}}, tr.Expire())
	assert.Equal(t, []string{"carol"}, tr.Typing("bob"))
}

func TestTracker_ClearSender(t *testing.T) {
	tr := New(time.Minute)
	tr.Set("alice", "bob", true)
	tr.Set("alice", "carol", true)
	tr.Set("dave", "bob", true)

	cleared := tr.ClearSender("alice")
	assert.Len(t, cleared, 2)
	assert.Equal(t, []string{"dave"}, tr.Typing("bob"))
	assert.Empty(t, tr.Typing("carol"))
}

func TestTracker_StartReportsExpiry(t *testing.T) {
	tr := New(10 * time.Millisecond)
	tr.Set("alice", "bob", true)

	got := make(chan Pair, 1)
	tr.Start(context.Background(), 5*time.Millisecond, func(p Pair) { got <- p })
	defer tr.Stop()

	select {
	case p := <-got:
		assert.Equal(t, Pair{SenderID: "alice", ReceiverID: "bob"}, p)
	case <-time.After(time.Second):
		require.FailNow(t, "expiry not reported")
	}
}
