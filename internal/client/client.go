// Package client is the device side of the messaging core: one long-lived
// socket to the message transport, a REST fallback for sends, typing and key
// exchange, and per-peer end-to-end encryption.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anichat-rt/internal/e2ee"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/model"
	"anichat-rt/internal/socketio"
	"anichat-rt/internal/status"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultTypingDebounce = 300 * time.Millisecond
	DefaultAckTimeout     = 5 * time.Second
)

// Inbound is a received message prepared for display.
type Inbound struct {
	Message   model.Message
	Text      string
	Encrypted bool
}

type Options struct {
	BaseURL string
	UserID  string
	Token   string
	// Keys enables end-to-end encryption. Without them every conversation
	// stays in plaintext.
	Keys *e2ee.KeyPair

	HTTPClient     *http.Client
	Logger         logrus.FieldLogger
	ReconnectDelay time.Duration
	TypingDebounce time.Duration
	AckTimeout     time.Duration
	StatusWindow   time.Duration

	OnMessage func(in Inbound)
	OnStatus  func(messageID string, s model.MessageStatus)
	OnTyping  func(senderID string, isTyping bool)
	// OnConnect is called after every successful (re)connect.
	OnConnect func()
}

type Client struct {
	opts     Options
	baseURL  string
	http     *http.Client
	log      logrus.FieldLogger
	statuses *status.Tracker

	mu    sync.Mutex
	sock  *socketio.Client
	convs map[string]*e2ee.Conversation

	typingMu     sync.Mutex
	typingTimers map[string]*time.Timer
	typingWant   map[string]bool
	typingSent   map[string]bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = DefaultTypingDebounce
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Client{
		opts:         opts,
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		http:         opts.HTTPClient,
		log:          opts.Logger.WithField("user", opts.UserID),
		statuses:     status.NewTracker(opts.StatusWindow),
		convs:        make(map[string]*e2ee.Conversation),
		typingTimers: make(map[string]*time.Timer),
		typingWant:   make(map[string]bool),
		typingSent:   make(map[string]bool),
	}
}

// Start keeps a socket connected until ctx is cancelled or Close is called.
// A dropped connection is retried after ReconnectDelay; a disconnect
// initiated by the server is final.
func (c *Client) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.statuses.Start(ctx, status.DefaultSweepInterval)
	go c.run(ctx, c.done)
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		sock, err := c.dial(ctx)
		if err == nil {
			c.setSocket(sock)
			c.log.Info("connected")
			if c.opts.OnConnect != nil {
				c.opts.OnConnect()
			}
			select {
			case <-sock.Done():
			case <-ctx.Done():
			}
			c.setSocket(nil)
			_ = sock.Close()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(sock.Err(), socketio.ErrServerDisconnect) {
				c.log.Warn("disconnected by server")
				return
			}
			c.log.WithError(sock.Err()).Warn("connection lost")
		} else {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("connect failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*socketio.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	return socketio.Dial(dialCtx, c.baseURL, "/", socketio.ClientOptions{
		Header:  header,
		Auth:    map[string]string{"token": c.opts.Token},
		Logger:  c.log,
		OnEvent: c.handleEvent,
	})
}

func (c *Client) setSocket(s *socketio.Client) {
	c.mu.Lock()
	c.sock = s
	c.mu.Unlock()
}

func (c *Client) socket() *socketio.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

// ErrNotConnected is returned by WaitConnected when the socket did not come
// up in time.
var ErrNotConnected = errors.New("not connected")

// Connected reports whether the socket transport is currently up.
func (c *Client) Connected() bool { return c.socket() != nil }

// WaitConnected blocks until the socket is up or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops reconnecting, drops the socket and cancels pending typing
// signals.
func (c *Client) Close() error {
	c.lifecycleMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycleMu.Unlock()

	c.typingMu.Lock()
	for id, t := range c.typingTimers {
		t.Stop()
		delete(c.typingTimers, id)
	}
	c.typingMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.statuses.Stop()
	return nil
}

// Status returns the last status seen for a message sent by this client.
func (c *Client) Status(messageID string) (model.MessageStatus, bool) {
	return c.statuses.Status(messageID)
}

// ChangedRecently reports whether a message's status moved within the
// status window, for UI highlighting.
func (c *Client) ChangedRecently(messageID string) bool {
	return c.statuses.ChangedRecently(messageID)
}
