package socketio

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrUnknownSocket = errors.New("unknown socket")

// Handler handles one inbound event on a socket. Handlers for a single
// connection run sequentially on its read goroutine.
type Handler func(s *Socket, ev Event)

type Namespace struct {
	server *Server
	name   string
	log    logrus.FieldLogger

	mu           sync.RWMutex
	handlers     map[string]Handler
	onConnect    []func(*Socket)
	onDisconnect []func(*Socket, string)
	sockets      map[string]*Socket
	rooms        map[string]map[*Socket]struct{}
}

func newNamespace(s *Server, name string) *Namespace {
	return &Namespace{
		server:   s,
		name:     name,
		log:      s.log.WithField("namespace", name),
		handlers: make(map[string]Handler),
		sockets:  make(map[string]*Socket),
		rooms:    make(map[string]map[*Socket]struct{}),
	}
}

func (n *Namespace) Name() string { return n.name }

// On registers the handler for event, replacing any previous one.
func (n *Namespace) On(event string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[event] = h
}

func (n *Namespace) OnConnect(fn func(*Socket)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnect = append(n.onConnect, fn)
}

// OnDisconnect hooks run after the socket has left every room.
func (n *Namespace) OnDisconnect(fn func(s *Socket, reason string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnect = append(n.onDisconnect, fn)
}

func (n *Namespace) add(sock *Socket) {
	n.mu.Lock()
	n.sockets[sock.id] = sock
	hooks := append([]func(*Socket){}, n.onConnect...)
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{
		"socket": sock.id,
		"user":   sock.userID,
	}).Debug("socket connected")
	for _, fn := range hooks {
		n.safely(sock, "connect", func() { fn(sock) })
	}
}

func (n *Namespace) remove(sock *Socket, reason string) {
	n.mu.Lock()
	if _, ok := n.sockets[sock.id]; !ok {
		n.mu.Unlock()
		return
	}
	delete(n.sockets, sock.id)
	for room := range sock.rooms {
		n.leaveLocked(sock, room)
	}
	hooks := append([]func(*Socket, string){}, n.onDisconnect...)
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{
		"socket": sock.id,
		"user":   sock.userID,
		"reason": reason,
	}).Debug("socket disconnected")
	for _, fn := range hooks {
		n.safely(sock, "disconnect", func() { fn(sock, reason) })
	}
}

func (n *Namespace) dispatch(sock *Socket, ev Event) {
	n.mu.RLock()
	h := n.handlers[ev.Name]
	n.mu.RUnlock()
	if h == nil {
		n.log.WithFields(logrus.Fields{
			"socket": sock.id,
			"event":  ev.Name,
		}).Debug("unhandled event")
		return
	}
	n.safely(sock, ev.Name, func() { h(sock, ev) })
}

func (n *Namespace) safely(sock *Socket, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithFields(logrus.Fields{
				"socket": sock.id,
				"event":  what,
				"panic":  fmt.Sprint(r),
			}).Error("socket handler panicked")
		}
	}()
	fn()
}

func (n *Namespace) join(sock *Socket, room string) {
	if room == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[sock.id]; !ok {
		return
	}
	set, ok := n.rooms[room]
	if !ok {
		set = make(map[*Socket]struct{})
		n.rooms[room] = set
	}
	set[sock] = struct{}{}
	sock.rooms[room] = struct{}{}
}

func (n *Namespace) leave(sock *Socket, room string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaveLocked(sock, room)
}

func (n *Namespace) leaveLocked(sock *Socket, room string) {
	delete(sock.rooms, room)
	set, ok := n.rooms[room]
	if !ok {
		return
	}
	delete(set, sock)
	if len(set) == 0 {
		delete(n.rooms, room)
	}
}

// Socket looks up a connected socket by id.
func (n *Namespace) Socket(id string) (*Socket, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sockets[id]
	return s, ok
}

// Sockets returns a snapshot of the connected sockets ordered by id.
func (n *Namespace) Sockets() []*Socket {
	n.mu.RLock()
	out := make([]*Socket, 0, len(n.sockets))
	for _, s := range n.sockets {
		out = append(out, s)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sockets)
}

func (n *Namespace) RoomSize(room string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.rooms[room])
}

func (n *Namespace) roomSockets(room string) []*Socket {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set := n.rooms[room]
	out := make([]*Socket, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// EmitTo sends event to every socket in room and returns how many sockets the
// packet was written to. A socket whose write fails is disconnected.
func (n *Namespace) EmitTo(room, event string, args ...any) int {
	if room == "" {
		return 0
	}
	return n.emitPacket(n.roomSockets(room), event, args...)
}

// EmitToSocket sends event to a single socket of the namespace.
func (n *Namespace) EmitToSocket(id, event string, args ...any) error {
	s, ok := n.Socket(id)
	if !ok {
		return ErrUnknownSocket
	}
	return s.Emit(event, args...)
}

// Emit sends event to every socket in the namespace.
func (n *Namespace) Emit(event string, args ...any) int {
	return n.emitPacket(n.Sockets(), event, args...)
}

func (n *Namespace) emitPacket(targets []*Socket, event string, args ...any) int {
	if len(targets) == 0 {
		return 0
	}
	packet, err := buildEventPacket(n.name, nil, event, args...)
	if err != nil {
		n.log.WithError(err).WithField("event", event).Error("encode event")
		return 0
	}
	sent := 0
	for _, s := range targets {
		if err := s.conn.writeText(packet); err != nil {
			s.conn.close()
			continue
		}
		sent++
	}
	return sent
}

// DisconnectAll sends a namespace DISCONNECT to every socket and removes them.
// The underlying transports stay open.
func (n *Namespace) DisconnectAll(reason string) int {
	socks := n.Sockets()
	for _, s := range socks {
		s.disconnect(reason)
	}
	return len(socks)
}
