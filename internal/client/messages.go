package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/e2ee"
	"anichat-rt/internal/model"
	"anichat-rt/internal/realtime"
	"anichat-rt/internal/socketio"
)

var (
	// ErrSendFailed means neither the socket nor the REST fallback accepted
	// the message. The message was not stored.
	ErrSendFailed = errors.New("send failed")
	ErrNoKeys     = errors.New("client has no key pair")
)

type Transport string

const (
	TransportSocket Transport = "socket"
	TransportREST   Transport = "rest"
)

type SendResult struct {
	Message   model.Message
	ClientID  string
	Encrypted bool
	Transport Transport
}

type sendPayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId"`
}

func (c *Client) conversation(peerID string) *e2ee.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[peerID]
	if !ok {
		conv = e2ee.NewConversation(c.opts.UserID, peerID, c)
		c.convs[peerID] = conv
	}
	return conv
}

// EncryptionState returns the local encryption state for peerID.
func (c *Client) EncryptionState(peerID string) e2ee.State {
	return c.conversation(peerID).State()
}

// EnableEncryption walks the conversation with peerID to EncryptionEnabled.
// It fails with e2ee.ErrRecipientNotSetUp while the peer has no public key;
// calling it again later resumes where it stopped.
func (c *Client) EnableEncryption(ctx context.Context, peerID string) error {
	if c.opts.Keys == nil {
		return ErrNoKeys
	}
	conv := c.conversation(peerID)
	if conv.State() == e2ee.NoKeys {
		if err := conv.AttachKeys(c.opts.Keys); err != nil && !errors.Is(err, e2ee.ErrInvalidTransition) {
			return err
		}
	}
	if conv.State() == e2ee.KeysGenerated {
		if err := conv.Offer(ctx); err != nil && !errors.Is(err, e2ee.ErrInvalidTransition) {
			return err
		}
	}
	return conv.Enable(ctx)
}

// SendMessage delivers text to receiverID, encrypted when the conversation
// has encryption enabled. The socket is tried first; REST is the fallback.
func (c *Client) SendMessage(ctx context.Context, receiverID, text string) (SendResult, error) {
	content, encrypted, err := c.conversation(receiverID).Seal(text)
	if err != nil {
		return SendResult{}, fmt.Errorf("seal: %w", err)
	}
	payload := sendPayload{ReceiverID: receiverID, Content: content, ClientID: uuid.NewString()}
	res := SendResult{ClientID: payload.ClientID, Encrypted: encrypted}
	log := c.log.WithFields(logrus.Fields{"receiver": receiverID, "clientId": payload.ClientID})
	if !encrypted {
		log.Debug("sending without encryption")
	}

	if sock := c.socket(); sock != nil {
		msg, err := c.sendOverSocket(ctx, sock, payload)
		if err == nil {
			res.Message, res.Transport = msg, TransportSocket
			c.statuses.Record(msg.ID, msg.Status)
			return res, nil
		}
		log.WithError(err).Warn("socket send failed, falling back to REST")
	}

	var out struct {
		Message model.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", payload, &out); err != nil {
		log.WithError(err).Error("REST send failed")
		return SendResult{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	res.Message, res.Transport = out.Message, TransportREST
	c.statuses.Record(out.Message.ID, out.Message.Status)
	return res, nil
}

func (c *Client) sendOverSocket(ctx context.Context, sock *socketio.Client, payload sendPayload) (model.Message, error) {
	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	args, err := sock.EmitWithAck(ackCtx, realtime.EventUserMessage, payload)
	if err != nil {
		return model.Message{}, err
	}
	var ack struct {
		OK      bool          `json:"ok"`
		Error   string        `json:"error"`
		Message model.Message `json:"message"`
	}
	if len(args) == 0 {
		return model.Message{}, errors.New("empty ack")
	}
	if err := json.Unmarshal(args[0], &ack); err != nil {
		return model.Message{}, fmt.Errorf("decode ack: %w", err)
	}
	if !ack.OK {
		return model.Message{}, fmt.Errorf("rejected: %s", ack.Error)
	}
	return ack.Message, nil
}

// MarkRead reports a displayed message as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	body := map[string]string{"messageId": messageID, "status": string(model.StatusRead)}
	if sock := c.socket(); sock != nil {
		if err := sock.Emit(realtime.EventStatusUpdate, body); err == nil {
			return nil
		}
	}
	return c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID)+"/status",
		map[string]string{"status": string(model.StatusRead)}, nil)
}

// History returns the most recent messages with peerID, decrypted for display.
func (c *Client) History(ctx context.Context, peerID string, limit int) ([]Inbound, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/messages/%s?limit=%d", url.PathEscape(peerID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	conv := c.conversation(peerID)
	msgs := make([]Inbound, 0, len(out.Messages))
	for _, m := range out.Messages {
		text, encrypted := conv.Open(m.Content)
		msgs = append(msgs, Inbound{Message: m, Text: text, Encrypted: encrypted})
	}
	return msgs, nil
}

func (c *Client) handleEvent(ev socketio.Event) {
	switch ev.Name {
	case realtime.EventNewMessage:
		var msg model.Message
		if err := ev.Arg(0, &msg); err != nil {
			c.log.WithError(err).Warn("malformed new_message")
			return
		}
		text, encrypted := c.conversation(msg.SenderID).Open(msg.Content)
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(Inbound{Message: msg, Text: text, Encrypted: encrypted})
		}
		// The read receipt must not block the read goroutine on a REST call.
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
			defer cancel()
			if err := c.MarkRead(ctx, id); err != nil {
				c.log.WithError(err).WithField("message", id).Warn("mark read")
			}
		}(msg.ID)

	case realtime.EventMessageSent:
		var sent struct {
			Message model.Message `json:"message"`
		}
		if err := ev.Arg(0, &sent); err == nil {
			c.recordStatus(sent.Message.ID, sent.Message.Status)
		}

	case realtime.EventStatusUpdate:
		var upd struct {
			MessageID string              `json:"messageId"`
			Status    model.MessageStatus `json:"status"`
		}
		if err := ev.Arg(0, &upd); err != nil {
			c.log.WithError(err).Warn("malformed message_status_update")
			return
		}
		c.recordStatus(upd.MessageID, upd.Status)

	case realtime.EventTyping:
		var sig struct {
			SenderID string `json:"senderId"`
			IsTyping bool   `json:"isTyping"`
		}
		if err := ev.Arg(0, &sig); err != nil {
			return
		}
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(sig.SenderID, sig.IsTyping)
		}

	case realtime.EventMessageError:
		c.log.WithField("payload", string(firstArg(ev))).Warn("message rejected by server")
	}
}

func (c *Client) recordStatus(id string, s model.MessageStatus) {
	if c.statuses.Record(id, s) && c.opts.OnStatus != nil {
		c.opts.OnStatus(id, s)
	}
}

func firstArg(ev socketio.Event) json.RawMessage {
	if len(ev.Args) == 0 {
		return nil
	}
	return ev.Args[0]
}
