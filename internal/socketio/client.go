package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/logging"
)

const Path = "/socket.io/"

var (
	ErrConnectRejected  = errors.New("namespace connect rejected")
	ErrServerDisconnect = errors.New("server disconnected namespace")
)

type ClientOptions struct {
	Header http.Header
	// Auth is sent as the CONNECT payload, e.g. {"token": "..."}.
	Auth   any
	Dialer *websocket.Dialer
	Logger logrus.FieldLogger
	// OnEvent receives every inbound event on the namespace, in order, from
	// the client's read goroutine.
	OnEvent func(ev Event)
}

// Client is a single-namespace Socket.IO client over the websocket transport.
type Client struct {
	ws        *websocket.Conn
	namespace string
	socketID  string
	log       logrus.FieldLogger
	onEvent   func(ev Event)

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// SocketURL turns an http(s) base URL into the Engine.IO websocket endpoint.
func SocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, base, namespace string, opts ClientOptions) (*Client, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	target, err := SocketURL(base)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, target, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c := &Client{
		ws:         ws,
		namespace:  namespace,
		log:        opts.Logger,
		onEvent:    opts.OnEvent,
		pendingAck: make(map[int]chan []json.RawMessage),
		done:       make(chan struct{}),
	}
	if c.log == nil {
		c.log = logging.Discard()
	}

	if err := c.handshake(ctx, opts.Auth); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, auth any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultHandshakeTimeout)
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	open, err := c.readText()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if open == "" || enginePacketType(open[0]) != engineOpen {
		return fmt.Errorf("unexpected open packet %q", open)
	}

	connect, err := buildConnectPacket(c.namespace, auth)
	if err != nil {
		return err
	}
	if err := c.write(connect); err != nil {
		return err
	}

	for {
		msg, err := c.readText()
		if err != nil {
			return fmt.Errorf("await connect: %w", err)
		}
		if msg == "" {
			continue
		}
		switch enginePacketType(msg[0]) {
		case enginePing:
			_ = c.write(string(enginePong))
			continue
		case engineMessage:
		default:
			continue
		}
		pkt, err := parsePacket(msg[1:])
		if err != nil || pkt.Namespace != c.namespace {
			continue
		}
		switch pkt.Type {
		case socketConnect:
			var body struct {
				SID string `json:"sid"`
			}
			_ = json.Unmarshal([]byte(pkt.Data), &body)
			c.socketID = body.SID
			return nil
		case socketConnectError:
			var body struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(pkt.Data), &body)
			return fmt.Errorf("%w: %s", ErrConnectRejected, body.Message)
		}
	}
}

func (c *Client) readText() (string, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) write(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Client) readLoop() {
	for {
		msg, err := c.readText()
		if err != nil {
			c.shutdown(err)
			return
		}
		if msg == "" {
			continue
		}
		switch enginePacketType(msg[0]) {
		case enginePing:
			_ = c.write(string(enginePong))
		case engineClose:
			c.shutdown(ErrClosed)
			return
		case engineMessage:
			if c.handlePacket(msg[1:]) {
				return
			}
		}
	}
}

func (c *Client) handlePacket(payload string) (stop bool) {
	pkt, err := parsePacket(payload)
	if err != nil || pkt.Namespace != c.namespace {
		return false
	}
	switch pkt.Type {
	case socketEvent:
		ev, err := decodeEvent(pkt)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed event")
			return false
		}
		if c.onEvent != nil {
			c.onEvent(Event{Name: ev.Event, Args: ev.Args, ackID: ev.ID})
		}
	case socketAck:
		args, err := decodeAckArgs(pkt)
		if err != nil {
			return false
		}
		c.resolveAck(*pkt.ID, args)
	case socketDisconnect:
		c.shutdown(ErrServerDisconnect)
		return true
	}
	return false
}

func (c *Client) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch != nil {
		ch <- args
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

// SocketID is the id the server assigned on namespace connect.
func (c *Client) SocketID() string { return c.socketID }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil while connected.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Emit(event string, args ...any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	packet, err := buildEventPacket(c.namespace, nil, event, args...)
	if err != nil {
		return err
	}
	return c.write(packet)
}

func (c *Client) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	drop := func() {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
	}

	packet, err := buildEventPacket(c.namespace, &id, event, args...)
	if err != nil {
		drop()
		return nil, err
	}
	if err := c.write(packet); err != nil {
		drop()
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		drop()
		return nil, ErrClosed
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// Ack answers a server event that asked for an acknowledgement.
func (c *Client) Ack(ev Event, args ...any) error {
	if ev.ackID == nil {
		return nil
	}
	packet, err := buildAckPacket(c.namespace, *ev.ackID, args...)
	if err != nil {
		return err
	}
	return c.write(packet)
}

func (c *Client) Close() error {
	_ = c.write(buildDisconnectPacket(c.namespace))
	c.shutdown(ErrClosed)
	return nil
}
