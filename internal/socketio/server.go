package socketio

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/logging"
)

const (
	DefaultPingInterval     = 25 * time.Second
	DefaultPingTimeout      = 20 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxPayload       = int64(1000000)

	writeTimeout time.Duration = 10 * time.Second
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves the user behind a namespace connect. auth is the raw
// JSON object sent with the CONNECT packet and may be empty.
type Authenticator func(r *http.Request, auth json.RawMessage) (userID string, err error)

type Options struct {
	Logger       logrus.FieldLogger
	Authenticate Authenticator

	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxPayload       int64
	CheckOrigin      func(r *http.Request) bool
}

type Server struct {
	log          logrus.FieldLogger
	authenticate Authenticator

	pingInterval     time.Duration
	pingTimeout      time.Duration
	handshakeTimeout time.Duration
	maxPayload       int64

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	conns      map[*conn]struct{}
	closed     bool
}

func NewServer(opts Options) *Server {
	s := &Server{
		log:              opts.Logger,
		authenticate:     opts.Authenticate,
		pingInterval:     opts.PingInterval,
		pingTimeout:      opts.PingTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		maxPayload:       opts.MaxPayload,
		namespaces:       make(map[string]*Namespace),
		conns:            make(map[*conn]struct{}),
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = DefaultPingTimeout
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	if s.maxPayload <= 0 {
		s.maxPayload = DefaultMaxPayload
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	s.Of(defaultNamespace)
	return s
}

// Of returns the namespace with the given name, creating it on first use.
func (s *Server) Of(name string) *Namespace {
	if name == "" {
		name = defaultNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[name]
	if !ok {
		ns = newNamespace(s, name)
		s.namespaces[name] = ns
	}
	return ns
}

func (s *Server) namespace(name string) *Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespaces[name]
}

// ConnCount is the number of open Engine.IO connections, including ones that
// have not joined a namespace yet.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(s.maxPayload)

	c := newConn(ws, r, s.pingInterval, s.pingTimeout)
	if !s.registerConn(c) {
		_ = ws.Close()
		return
	}
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": s.pingInterval.Milliseconds(),
		"pingTimeout":  s.pingTimeout.Milliseconds(),
		"maxPayload":   s.maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	if err := c.writeText(string(engineOpen) + string(openBytes)); err != nil {
		return
	}

	handshake := time.AfterFunc(s.handshakeTimeout, func() {
		if !c.hasSockets() {
			s.log.WithField("sid", c.sid).Debug("socket handshake timed out")
			c.close()
		}
	})
	defer handshake.Stop()

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) registerConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	for _, sock := range c.detachAll() {
		sock.ns.remove(sock, "transport close")
	}
	c.close()
}

// Close stops accepting connections and closes every open transport.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.writeText(string(engineClose))
		c.close()
	}
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case enginePing:
		_ = c.writeText(string(enginePong) + msg[1:])
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	pkt, err := parsePacket(payload)
	if err != nil {
		s.log.WithError(err).WithField("sid", c.sid).Debug("dropping malformed packet")
		return
	}

	switch pkt.Type {
	case socketConnect:
		s.handleConnect(c, pkt)
	case socketDisconnect:
		if sock := c.detach(pkt.Namespace); sock != nil {
			sock.ns.remove(sock, "client namespace disconnect")
		}
	case socketEvent:
		s.handleEvent(c, pkt)
	case socketAck:
		args, err := decodeAckArgs(pkt)
		if err != nil {
			return
		}
		c.resolveAck(*pkt.ID, args)
	}
}

func (s *Server) handleConnect(c *conn, pkt packet) {
	ns := s.namespace(pkt.Namespace)
	if ns == nil {
		_ = c.writeText(buildConnectErrorPacket(pkt.Namespace, "Invalid namespace"))
		return
	}
	if c.socket(ns.name) != nil {
		return
	}

	var authRaw json.RawMessage
	if pkt.Data != "" {
		if !json.Valid([]byte(pkt.Data)) {
			_ = c.writeText(buildConnectErrorPacket(ns.name, "Invalid auth"))
			return
		}
		authRaw = json.RawMessage(pkt.Data)
	}

	var userID string
	if s.authenticate != nil {
		id, err := s.authenticate(c.req, authRaw)
		if err != nil || id == "" {
			s.log.WithFields(logrus.Fields{
				"sid":       c.sid,
				"namespace": ns.name,
			}).WithError(err).Info("socket authentication failed")
			_ = c.writeText(buildConnectErrorPacket(ns.name, "Invalid authentication token"))
			return
		}
		userID = id
	}

	sock := newSocket(ns, c, userID)
	c.attach(sock)

	connect, err := buildConnectPacket(ns.name, map[string]string{"sid": sock.id})
	if err != nil || c.writeText(connect) != nil {
		c.detach(ns.name)
		return
	}
	ns.add(sock)
}

func (s *Server) handleEvent(c *conn, pkt packet) {
	sock := c.socket(pkt.Namespace)
	if sock == nil {
		return
	}

	ev, err := decodeEvent(pkt)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"sid":       c.sid,
			"namespace": pkt.Namespace,
		}).Debug("dropping malformed event")
		return
	}
	sock.ns.dispatch(sock, Event{Name: ev.Event, Args: ev.Args, ackID: ev.ID})
}
