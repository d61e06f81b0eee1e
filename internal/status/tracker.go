// Package status records the last status the client has seen per message and
// which messages changed recently so the UI can animate them. The
// authoritative status lives with the message on the server.
package status

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"anichat-rt/internal/model"
)

const (
	DefaultWindow        = 2 * time.Second
	DefaultSweepInterval = time.Second
	// DefaultCapacity bounds how many messages keep their last status.
	DefaultCapacity = 10000
)

type Tracker struct {
	window time.Duration
	now    func() time.Time

	mu sync.Mutex
	// last survives sweeps; only the least recently touched messages fall
	// out once capacity is reached.
	last    *lru.Cache[string, model.MessageStatus]
	changed map[string]time.Time

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewTracker(window time.Duration) *Tracker {
	return NewTrackerWithNow(window, time.Now)
}

func NewTrackerWithNow(window time.Duration, now func() time.Time) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	last, _ := lru.New[string, model.MessageStatus](DefaultCapacity)
	return &Tracker{window: window, now: now, last: last, changed: make(map[string]time.Time)}
}

// Record notes that messageID reached s. Regressions are ignored and
// reported as false.
func (t *Tracker) Record(messageID string, s model.MessageStatus) bool {
	if messageID == "" || !s.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.last.Get(messageID); ok && !cur.Before(s) {
		return false
	}
	t.last.Add(messageID, s)
	t.changed[messageID] = t.now()
	return true
}

// Status returns the last status seen for messageID.
func (t *Tracker) Status(messageID string) (model.MessageStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.Peek(messageID)
}

// ChangedRecently reports whether messageID changed status within the window.
func (t *Tracker) ChangedRecently(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.changed[messageID]
	return ok && t.now().Sub(at) <= t.window
}

// Sweep forgets changes older than the window and returns how many went. The
// last seen status is kept.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	removed := 0
	for id, at := range t.changed {
		if now.Sub(at) > t.window {
			delete(t.changed, id)
			removed++
		}
	}
	return removed
}

// Pending is the number of changes still inside the window.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changed)
}

// Start runs the periodic sweep until ctx ends or Stop is called.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}(t.done)
}

func (t *Tracker) Stop() {
	t.lifecycleMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
