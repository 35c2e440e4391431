package models

import (
	"encoding/json"
	"strconv"
)

// Inbound gateway events.
const (
	EventJoin             = "join"
	EventJoinChat         = "joinChat"
	EventLeaveChat        = "leaveChat"
	EventTyping           = "typing"
	EventMessageDelivered = "messageDelivered"
	EventAddReaction      = "addReaction"
)

// Outbound gateway events.
const (
	EventReceiveMessage  = "receiveMessage"
	EventUserTyping      = "userTyping"
	EventMessageReaction = "messageReaction"
	EventUserOnline      = "userOnline"
	EventUserOffline     = "userOffline"
	EventMessagesSeen    = "messagesSeen"
	EventMessageDeleted  = "messageDeleted"
	EventError           = "error"
)

// Envelope is the frame exchanged over the realtime socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatRoom names the room of every socket that joined a chat.
func ChatRoom(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

// UserRoom names the room of every socket of one participant.
func UserRoom(p ParticipantRef) string {
	return "user:" + p.String()
}

type TypingPayload struct {
	ChatID   int64  `json:"chatId" validate:"required,gt=0"`
	UserID   string `json:"userId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

type UserTypingPayload struct {
	ChatID   int64  `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type DeliveredPayload struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
	ChatID    int64 `json:"chatId" validate:"required,gt=0"`
}

type MessageDeliveredPayload struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId,omitempty"`
}

type AddReactionPayload struct {
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	ChatID    int64  `json:"chatId" validate:"required,gt=0"`
	Reaction  string `json:"reaction" validate:"max=32"`
}

type MessageReactionPayload struct {
	MessageID int64  `json:"messageId"`
	Reaction  string `json:"reaction"`
	UserID    string `json:"userId"`
}

type MessagesSeenPayload struct {
	ChatID int64  `json:"chatId"`
	UserID string `json:"userId"`
}

type MessageDeletedPayload struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageCreatedEvent is published on the event bus for the notification subsystem.
type MessageCreatedEvent struct {
	MessageID       int64       `json:"message_id"`
	ChatID          int64       `json:"chat_id"`
	SenderID        string      `json:"sender_id"`
	ReceiverID      string      `json:"receiver_id"`
	Kind            MessageKind `json:"kind"`
	Preview         string      `json:"preview"`
	ReceiverOnline  bool        `json:"receiver_online"`
	OccurredAtUnixM int64       `json:"occurred_at_ms"`
}
