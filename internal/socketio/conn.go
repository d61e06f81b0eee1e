package socketio

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrAckTimeout = errors.New("ack timeout")
	ErrClosed     = errors.New("connection closed")
)

// conn is one Engine.IO transport. It may carry several namespace sockets.
type conn struct {
	ws  *websocket.Conn
	req *http.Request

	sid string

	sockMu  sync.Mutex
	sockets map[string]*Socket

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingInterval time.Duration
	pingTimeout  time.Duration

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn, req *http.Request, pingInterval, pingTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		req:          req,
		sid:          uuid.NewString(),
		sockets:      make(map[string]*Socket),
		pendingAck:   make(map[int]chan []json.RawMessage),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		nextPingAt:   time.Now().Add(pingInterval),
		done:         make(chan struct{}),
	}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	_ = c.ws.Close()
}

func (c *conn) attach(sock *Socket) {
	c.sockMu.Lock()
	c.sockets[sock.ns.name] = sock
	c.sockMu.Unlock()
}

func (c *conn) detach(namespace string) *Socket {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	sock := c.sockets[namespace]
	delete(c.sockets, namespace)
	return sock
}

func (c *conn) detachAll() []*Socket {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	out := make([]*Socket, 0, len(c.sockets))
	for name, sock := range c.sockets {
		out = append(out, sock)
		delete(c.sockets, name)
	}
	return out
}

func (c *conn) socket(namespace string) *Socket {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.sockets[namespace]
}

func (c *conn) hasSockets() bool {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return len(c.sockets) > 0
}

func (c *conn) writeText(msg string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	tick := c.pingInterval / 25
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > c.pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(c.pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) emitWithAck(namespace, event string, timeout time.Duration, args ...any) ([]json.RawMessage, error) {
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

	packet, err := buildEventPacket(namespace, &id, event, args...)
	if err != nil {
		drop()
		return nil, err
	}
	if err := c.writeText(packet); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		drop()
		return nil, ErrClosed
	case <-timer.C:
		drop()
		return nil, ErrAckTimeout
	}
}

func (c *conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}
