package models

import (
	"errors"
	"fmt"
	"time"
)

// MessageStatus tracks delivery of a message to its receiver.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

var ErrStatusRegression = errors.New("message status cannot move backwards")

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

// Advance returns the status after applying next. Re-applying the current
// status is a no-op; anything lower is rejected.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, error) {
	if !next.Valid() {
		return s, fmt.Errorf("unknown message status %q", next)
	}
	if next == s {
		return s, nil
	}
	if !s.CanAdvanceTo(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, s, next)
	}
	return next, nil
}

// MessageKind classifies the message payload.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Message represents a chat message.
type Message struct {
	ID          int64          `json:"id"`
	ChatID      int64          `json:"chatId"`
	Seq         int64          `json:"seq"`
	Sender      ParticipantRef `json:"sender"`
	Receiver    ParticipantRef `json:"receiver"`
	Content     string         `json:"content"`
	Attachments []string       `json:"attachments"`
	Status      MessageStatus  `json:"status"`
	Kind        MessageKind    `json:"kind"`
	IsDeleted   bool           `json:"isDeleted"`
	Reactions   []Reaction     `json:"reactions,omitempty"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty"`
	SeenAt      *time.Time     `json:"seenAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Reaction is a single participant's reaction to a message.
type Reaction struct {
	MessageID int64          `json:"messageId"`
	User      ParticipantRef `json:"user"`
	Reaction  string         `json:"reaction"`
	CreatedAt time.Time      `json:"createdAt"`
}
