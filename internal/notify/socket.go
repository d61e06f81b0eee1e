package notify

import (
	"context"
	"time"

	"anichat-rt/internal/socketio"
)

// Attach wires the service into the notification namespace.
func (s *Service) Attach(ns *socketio.Namespace) {
	ns.OnConnect(func(sock *socketio.Socket) { s.HandleConnect(sock) })
	ns.OnDisconnect(func(sock *socketio.Socket, _ string) { s.HandleDisconnect(sock) })
	for event, h := range s.handlers() {
		ns.On(event, h)
	}
}

func (s *Service) handlers() map[string]socketio.Handler {
	return map[string]socketio.Handler{
		EventPing:     s.onPing,
		EventPresence: s.onPresence,
	}
}

func (s *Service) onPing(sock *socketio.Socket, ev socketio.Event) {
	_ = sock.Ack(ev, map[string]any{"ok": true, "time": s.now().UnixMilli()})
}

func (s *Service) onPresence(sock *socketio.Socket, ev socketio.Event) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := ev.Arg(0, &body); err != nil || body.Online == nil {
		s.log.WithField("socket", sock.ID()).Debug("invalid presence payload")
		return
	}
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.SetOnline(ctx, sock.UserID(), *body.Online); err != nil {
		s.log.WithError(err).WithField("user", sock.UserID()).Warn("update presence")
		return
	}
	_ = sock.Ack(ev, map[string]bool{"ok": true})
}
