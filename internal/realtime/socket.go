package realtime

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"anichat-rt/internal/model"
	"anichat-rt/internal/notify"
	"anichat-rt/internal/socketio"
	"anichat-rt/internal/store"
)

// Events lists every inbound event of the message transport.
var Events = []string{EventUserMessage, EventStatusUpdate, EventTyping}

// Attach wires the service into the default namespace.
func (s *Service) Attach(ns *socketio.Namespace) {
	ns.OnConnect(s.onConnect)
	ns.OnDisconnect(s.onDisconnect)
	for event, h := range s.handlers() {
		ns.On(event, h)
	}
}

func (s *Service) handlers() map[string]socketio.Handler {
	return map[string]socketio.Handler{
		EventUserMessage:  s.onUserMessage,
		EventStatusUpdate: s.onStatusUpdate,
		EventTyping:       s.onTyping,
	}
}

func (s *Service) onConnect(sock *socketio.Socket) {
	sock.Join(notify.Room(sock.UserID()))
	s.hub.Register(sock.UserID(), sock.ID())
}

func (s *Service) onDisconnect(sock *socketio.Socket, _ string) {
	sock.Leave(notify.Room(sock.UserID()))
	if !s.hub.Unregister(sock.UserID(), sock.ID()) {
		return
	}
	for _, p := range s.typing.ClearSender(sock.UserID()) {
		s.relayTyping(p.SenderID, p.ReceiverID, false)
	}
}

func (s *Service) eventLog(sock *socketio.Socket, event string) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"socket": sock.ID(),
		"user":   sock.UserID(),
		"event":  event,
	})
}

func (s *Service) onUserMessage(sock *socketio.Socket, ev socketio.Event) {
	var body struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
		ClientID   string `json:"clientId"`
	}
	if err := ev.Arg(0, &body); err != nil {
		s.eventLog(sock, ev.Name).WithError(err).Warn("malformed payload")
		s.replyError(sock, ev, "", "Invalid payload")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(sock.UserID()) {
		s.eventLog(sock, ev.Name).Info("send rate limited")
		s.replyError(sock, ev, body.ClientID, "Rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	msg, err := s.SendMessage(ctx, sock.UserID(), body.ReceiverID, body.Content, body.ClientID)
	if err != nil {
		s.eventLog(sock, ev.Name).WithError(err).Warn("send message failed")
		reason := "Failed to send message"
		if errors.Is(err, ErrInvalidMessage) {
			reason = err.Error()
		}
		s.replyError(sock, ev, body.ClientID, reason)
		return
	}
	_ = sock.Ack(ev, map[string]any{"ok": true, "message": msg})
}

func (s *Service) replyError(sock *socketio.Socket, ev socketio.Event, clientID, reason string) {
	if ev.WantsAck() {
		_ = sock.Ack(ev, map[string]any{"ok": false, "error": reason})
		return
	}
	_ = sock.Emit(EventMessageError, map[string]string{"clientId": clientID, "error": reason})
}

func (s *Service) onStatusUpdate(sock *socketio.Socket, ev socketio.Event) {
	var body struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	if err := ev.Arg(0, &body); err != nil || body.MessageID == "" {
		s.eventLog(sock, ev.Name).WithError(err).Warn("malformed payload")
		return
	}
	next, err := model.ParseMessageStatus(body.Status)
	if err != nil {
		s.eventLog(sock, ev.Name).WithError(err).Warn("malformed payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	msg, changed, err := s.UpdateStatus(ctx, sock.UserID(), body.MessageID, next)
	switch {
	case errors.Is(err, store.ErrForbidden), errors.Is(err, store.ErrNotFound):
		s.eventLog(sock, ev.Name).WithError(err).Info("status update refused")
		_ = sock.Ack(ev, map[string]any{"ok": false, "error": err.Error()})
		return
	case err != nil:
		s.eventLog(sock, ev.Name).WithError(err).Error("status update failed")
		_ = sock.Ack(ev, map[string]any{"ok": false, "error": "Failed to update status"})
		return
	}
	_ = sock.Ack(ev, map[string]any{"ok": true, "changed": changed, "status": msg.Status})
}

func (s *Service) onTyping(sock *socketio.Socket, ev socketio.Event) {
	var body struct {
		ReceiverID string `json:"receiverId"`
		IsTyping   bool   `json:"isTyping"`
	}
	if err := ev.Arg(0, &body); err != nil || body.ReceiverID == "" {
		s.eventLog(sock, ev.Name).WithError(err).Debug("malformed payload")
		return
	}
	n := s.SetTyping(sock.UserID(), body.ReceiverID, body.IsTyping)
	_ = sock.Ack(ev, map[string]any{"ok": true, "notifiedClients": n})
}
