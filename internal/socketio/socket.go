package socketio

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrMissingArg = errors.New("missing event argument")

// Event is an inbound EVENT packet.
type Event struct {
	Name  string
	Args  []json.RawMessage
	ackID *int
}

// Arg decodes argument i into v.
func (e Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return ErrMissingArg
	}
	return json.Unmarshal(e.Args[i], v)
}

// WantsAck reports whether the sender asked for an acknowledgement.
func (e Event) WantsAck() bool { return e.ackID != nil }

// Socket is one client attached to one namespace. Its identity is fixed at
// connect time; per-socket state belongs in maps keyed by ID.
type Socket struct {
	id     string
	ns     *Namespace
	conn   *conn
	userID string

	// guarded by ns.mu
	rooms map[string]struct{}
}

func newSocket(ns *Namespace, c *conn, userID string) *Socket {
	return &Socket{
		id:     uuid.NewString(),
		ns:     ns,
		conn:   c,
		userID: userID,
		rooms:  make(map[string]struct{}),
	}
}

func (s *Socket) ID() string        { return s.id }
func (s *Socket) UserID() string    { return s.userID }
func (s *Socket) Namespace() string { return s.ns.name }
func (s *Socket) Join(room string)  { s.ns.join(s, room) }
func (s *Socket) Leave(room string) { s.ns.leave(s, room) }

func (s *Socket) Emit(event string, args ...any) error {
	packet, err := buildEventPacket(s.ns.name, nil, event, args...)
	if err != nil {
		return err
	}
	if err := s.conn.writeText(packet); err != nil {
		s.conn.close()
		return err
	}
	return nil
}

// Ack answers ev's acknowledgement request. It is a no-op when none was asked.
func (s *Socket) Ack(ev Event, args ...any) error {
	if ev.ackID == nil {
		return nil
	}
	packet, err := buildAckPacket(s.ns.name, *ev.ackID, args...)
	if err != nil {
		return err
	}
	return s.conn.writeText(packet)
}

func (s *Socket) EmitWithAck(event string, timeout time.Duration, args ...any) ([]json.RawMessage, error) {
	return s.conn.emitWithAck(s.ns.name, event, timeout, args...)
}

// Disconnect detaches the socket from its namespace. Other namespaces on the
// same transport are unaffected.
func (s *Socket) Disconnect() { s.disconnect("server namespace disconnect") }

func (s *Socket) disconnect(reason string) {
	if s.conn.detach(s.ns.name) == nil {
		return
	}
	_ = s.conn.writeText(buildDisconnectPacket(s.ns.name))
	s.ns.remove(s, reason)
}

func (s *Socket) Connected() bool {
	_, ok := s.ns.Socket(s.id)
	return ok
}
