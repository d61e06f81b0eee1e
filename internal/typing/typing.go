// Package typing holds the server's view of who is typing to whom. A typing
// flag is cleared by an explicit stop signal, by the sender going offline, or
// by expiring after a TTL when the stop signal is lost.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"
)

const DefaultTTL = 6 * time.Second

// Pair identifies one sender typing to one receiver.
type Pair struct {
	SenderID   string
	ReceiverID string
}

type Tracker struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	state map[string]map[string]time.Time // receiver -> sender -> expiry

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(ttl time.Duration) *Tracker {
	return NewWithNow(ttl, time.Now)
}

func NewWithNow(ttl time.Duration, now func() time.Time) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{ttl: ttl, now: now, state: make(map[string]map[string]time.Time)}
}

// Set records a typing signal and reports whether the visible state changed.
// Repeated "typing" signals refresh the expiry without counting as a change.
func (t *Tracker) Set(senderID, receiverID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	senders := t.state[receiverID]
	_, was := senders[senderID]
	if isTyping {
		if senders == nil {
			senders = make(map[string]time.Time)
			t.state[receiverID] = senders
		}
		senders[senderID] = t.now().Add(t.ttl)
		return !was
	}
	if !was {
		return false
	}
	t.removeLocked(senderID, receiverID)
	return true
}

func (t *Tracker) removeLocked(senderID, receiverID string) {
	senders := t.state[receiverID]
	delete(senders, senderID)
	if len(senders) == 0 {
		delete(t.state, receiverID)
	}
}

// Typing returns the senders currently typing to receiverID.
func (t *Tracker) Typing(receiverID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for sender, exp := range t.state[receiverID] {
		if now.Before(exp) {
			out = append(out, sender)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) IsTyping(senderID, receiverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.state[receiverID][senderID]
	return ok && t.now().Before(exp)
}

// Expire removes stale flags and returns them.
func (t *Tracker) Expire() []Pair {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var expired []Pair
	for receiver, senders := range t.state {
		for sender, exp := range senders {
			if !now.Before(exp) {
				expired = append(expired, Pair{SenderID: sender, ReceiverID: receiver})
			}
		}
	}
	for _, p := range expired {
		t.removeLocked(p.SenderID, p.ReceiverID)
	}
	return expired
}

// ClearSender drops every flag set by senderID and returns the affected pairs.
func (t *Tracker) ClearSender(senderID string) []Pair {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cleared []Pair
	for receiver, senders := range t.state {
		if _, ok := senders[senderID]; ok {
			cleared = append(cleared, Pair{SenderID: senderID, ReceiverID: receiver})
		}
	}
	for _, p := range cleared {
		t.removeLocked(p.SenderID, p.ReceiverID)
	}
	return cleared
}

// Start expires flags every interval and passes them to onExpire.
func (t *Tracker) Start(ctx context.Context, interval time.Duration, onExpire func(Pair)) {
	if interval <= 0 {
		interval = time.Second
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
				for _, p := range t.Expire() {
					if onExpire != nil {
						onExpire(p)
					}
				}
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
