package model

import (
	"encoding/json"
	"fmt"
)

// MessageStatus is the delivery state of a message. Statuses are ordered and
// only ever move forward: sent < delivered < read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// Before reports whether s precedes other in the status ordering.
func (s MessageStatus) Before(other MessageStatus) bool { return s.rank() < other.rank() }

// Advance returns the later of s and next. An invalid next leaves s unchanged.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if !next.Valid() || !s.Before(next) {
		return s, false
	}
	return next, true
}

func ParseMessageStatus(raw string) (MessageStatus, error) {
	s := MessageStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid message status %q", raw)
	}
	return s, nil
}

type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	Status     MessageStatus `json:"status"`
	CreatedAt  int64         `json:"createdAt"`
	UpdatedAt  int64         `json:"updatedAt"`
}

type PublicKey struct {
	UserID    string `json:"userId"`
	Key       string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
}

// ConversationKey is a conversation's symmetric key wrapped for one
// participant (OwnerID) of the pair OwnerID/PeerID.
type ConversationKey struct {
	OwnerID    string `json:"ownerId"`
	PeerID     string `json:"peerId"`
	WrappedKey string `json:"wrappedKey"`
	CreatedAt  int64  `json:"createdAt"`
}

type NotificationPriority string

const (
	PriorityNormal   NotificationPriority = "normal"
	PriorityAlert    NotificationPriority = "alert"
	PriorityCritical NotificationPriority = "critical"
)

// Immediate reports whether the priority bypasses batching.
func (p NotificationPriority) Immediate() bool {
	return p == PriorityAlert || p == PriorityCritical
}

type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"userId,omitempty"`
	Type      string               `json:"type"`
	Priority  NotificationPriority `json:"priority,omitempty"`
	Title     string               `json:"title,omitempty"`
	Body      string               `json:"body,omitempty"`
	Data      json.RawMessage      `json:"data,omitempty"`
	CreatedAt int64                `json:"createdAt"`
}
