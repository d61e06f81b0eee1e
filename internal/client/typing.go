package client

import (
	"context"
	"net/http"
	"time"

	"anichat-rt/internal/realtime"
)

// SetTyping records the local typing state for receiverID. Signals are
// debounced: only the state that holds for TypingDebounce is sent, and only
// when it differs from the last one sent.
func (c *Client) SetTyping(receiverID string, isTyping bool) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	c.typingWant[receiverID] = isTyping
	if t, ok := c.typingTimers[receiverID]; ok {
		t.Reset(c.opts.TypingDebounce)
		return
	}
	c.typingTimers[receiverID] = time.AfterFunc(c.opts.TypingDebounce, func() { c.flushTyping(receiverID) })
}

func (c *Client) flushTyping(receiverID string) {
	c.typingMu.Lock()
	delete(c.typingTimers, receiverID)
	want := c.typingWant[receiverID]
	if sent, ok := c.typingSent[receiverID]; ok && sent == want {
		c.typingMu.Unlock()
		return
	}
	c.typingSent[receiverID] = want
	if !want {
		delete(c.typingWant, receiverID)
	}
	c.typingMu.Unlock()

	if sock := c.socket(); sock != nil {
		if err := sock.Emit(realtime.EventTyping, map[string]any{"receiverId": receiverID, "isTyping": want}); err == nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
	defer cancel()
	err := c.do(ctx, http.MethodPost, "/api/typing-indicator", map[string]any{
		"senderId":   c.opts.UserID,
		"receiverId": receiverID,
		"isTyping":   want,
	}, nil)
	if err != nil {
		c.log.WithError(err).WithField("receiver", receiverID).Debug("typing signal dropped")
	}
}
