// Package realtime carries user-to-user messages, delivery and read receipts,
// and typing signals. The same operations back the socket events of the
// default namespace and the REST fallback.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"anichat-rt/internal/hub"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/model"
	"anichat-rt/internal/notify"
	"anichat-rt/internal/typing"
)

const (
	EventUserMessage   = "user_message"
	EventStatusUpdate  = "message_status_update"
	EventTyping        = "typing_indicator"
	EventNewMessage    = "new_message"
	EventMessageSent   = "message_sent"
	EventMessageError  = "message_error"
	NotificationType   = "new_message"
	MaxContentLength   = 64 * 1024
	defaultOpTimeout   = 5 * time.Second
	typingExpiryPeriod = time.Second
)

var ErrInvalidMessage = errors.New("invalid message")

type MessageStore interface {
	AppendMessage(ctx context.Context, senderID, receiverID, content string, nowMillis int64) (model.Message, error)
	AdvanceMessageStatus(ctx context.Context, id, receiverID string, next model.MessageStatus, nowMillis int64) (model.Message, bool, error)
}

type Notifier interface {
	SendNotificationToUser(userID string, n model.Notification) bool
}

// Emitter delivers events to rooms of the default namespace.
type Emitter interface {
	EmitTo(room, event string, args ...any) int
}

// Limiter throttles sends per user.
type Limiter interface {
	Allow(key string) bool
}

type Options struct {
	Store    MessageStore
	Emitter  Emitter
	Notifier Notifier
	Typing   *typing.Tracker
	Hub      *hub.Hub
	// SendLimiter, when set, throttles user_message events per sender.
	SendLimiter Limiter
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

type Service struct {
	store    MessageStore
	emitter  Emitter
	notifier Notifier
	typing   *typing.Tracker
	hub      *hub.Hub
	limiter  Limiter
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		emitter:  opts.Emitter,
		notifier: opts.Notifier,
		typing:   opts.Typing,
		hub:      opts.Hub,
		limiter:  opts.SendLimiter,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if s.typing == nil {
		s.typing = typing.New(typing.DefaultTTL)
	}
	if s.hub == nil {
		s.hub = hub.New()
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.WithField("component", "realtime")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Hub() *hub.Hub { return s.hub }

// Start runs typing expiry; expired flags are relayed as "stopped typing".
func (s *Service) Start(ctx context.Context) {
	s.typing.Start(ctx, typingExpiryPeriod, func(p typing.Pair) {
		s.relayTyping(p.SenderID, p.ReceiverID, false)
	})
}

func (s *Service) Stop() { s.typing.Stop() }

// Online reports whether userID has a socket on the message transport.
func (s *Service) Online(userID string) bool { return s.hub.Online(userID) }

type messageSent struct {
	Message  model.Message `json:"message"`
	ClientID string        `json:"clientId,omitempty"`
}

type statusUpdate struct {
	MessageID string              `json:"messageId"`
	Status    model.MessageStatus `json:"status"`
	UpdatedAt int64               `json:"updatedAt"`
}

type typingSignal struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

func validateMessage(senderID, receiverID, content string) error {
	switch {
	case strings.TrimSpace(receiverID) == "":
		return fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
	case receiverID == senderID:
		return fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	case content == "":
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	case len(content) > MaxContentLength:
		return fmt.Errorf("%w: content too long", ErrInvalidMessage)
	case !utf8.ValidString(content):
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidMessage)
	}
	return nil
}

// SendMessage persists a message from senderID and pushes it to both
// parties. Content is opaque here; encrypted payloads pass through untouched.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, content, clientID string) (model.Message, error) {
	if err := validateMessage(senderID, receiverID, content); err != nil {
		return model.Message{}, err
	}

	msg, err := s.store.AppendMessage(ctx, senderID, receiverID, content, s.now().UnixMilli())
	if err != nil {
		return model.Message{}, fmt.Errorf("store message: %w", err)
	}

	s.emitter.EmitTo(notify.Room(receiverID), EventNewMessage, msg)
	s.emitter.EmitTo(notify.Room(senderID), EventMessageSent, messageSent{Message: msg, ClientID: clientID})

	if s.typing.Set(senderID, receiverID, false) {
		s.relayTyping(senderID, receiverID, false)
	}

	if s.notifier != nil {
		data, _ := json.Marshal(map[string]string{"messageId": msg.ID, "senderId": senderID})
		s.notifier.SendNotificationToUser(receiverID, model.Notification{
			ID:       "message:" + msg.ID,
			Type:     NotificationType,
			Priority: model.PriorityNormal,
			Title:    "New message",
			Data:     data,
		})
	}

	if s.hub.Online(receiverID) {
		updated, changed, err := s.store.AdvanceMessageStatus(ctx, msg.ID, receiverID, model.StatusDelivered, s.now().UnixMilli())
		if err != nil {
			s.log.WithError(err).WithField("message", msg.ID).Warn("mark delivered")
		} else if changed {
			msg = updated
			s.emitter.EmitTo(notify.Room(senderID), EventStatusUpdate, statusUpdate{
				MessageID: msg.ID,
				Status:    msg.Status,
				UpdatedAt: msg.UpdatedAt,
			})
		}
	}

	s.log.WithFields(logrus.Fields{
		"message":  msg.ID,
		"sender":   senderID,
		"receiver": receiverID,
		"status":   msg.Status,
	}).Debug("message sent")
	return msg, nil
}

// UpdateStatus advances a message on behalf of its receiver and tells the
// sender. Updates that would not move the status forward are ignored.
func (s *Service) UpdateStatus(ctx context.Context, userID, messageID string, next model.MessageStatus) (model.Message, bool, error) {
	msg, changed, err := s.store.AdvanceMessageStatus(ctx, messageID, userID, next, s.now().UnixMilli())
	if err != nil {
		return model.Message{}, false, err
	}
	if changed {
		s.emitter.EmitTo(notify.Room(msg.SenderID), EventStatusUpdate, statusUpdate{
			MessageID: msg.ID,
			Status:    msg.Status,
			UpdatedAt: msg.UpdatedAt,
		})
	}
	return msg, changed, nil
}

// SetTyping records the signal and relays it to the receiver's sockets only.
// It returns how many sockets were notified; zero for an offline receiver.
func (s *Service) SetTyping(senderID, receiverID string, isTyping bool) int {
	if senderID == "" || receiverID == "" || senderID == receiverID {
		return 0
	}
	s.typing.Set(senderID, receiverID, isTyping)
	return s.relayTyping(senderID, receiverID, isTyping)
}

func (s *Service) relayTyping(senderID, receiverID string, isTyping bool) int {
	if !s.hub.Online(receiverID) {
		return 0
	}
	return s.emitter.EmitTo(notify.Room(receiverID), EventTyping, typingSignal{SenderID: senderID, IsTyping: isTyping})
}

// Typing lists who is currently typing to receiverID.
func (s *Service) Typing(receiverID string) []string { return s.typing.Typing(receiverID) }
