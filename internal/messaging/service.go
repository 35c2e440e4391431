package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"rental-chat/internal/models"
	"rental-chat/internal/observability"
	"rental-chat/internal/repositories"
)

const (
	MaxContentRunes  = 5000
	MaxReactionRunes = 32
	DefaultPageSize  = 50
	MaxPageSize      = 100

	RoutingMessageCreated = "chat.message.created"
	RoutingMessagesSeen   = "chat.messages.seen"

	previewRunes = 120
)

// Publisher emits realtime events to gateway rooms. A socket that is a member
// of several of the given rooms receives the event once.
type Publisher interface {
	Publish(event string, payload any, rooms ...string)
}

// EventBus carries domain events to other subsystems.
type EventBus interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

// OnlineChecker reports whether a participant has a live realtime connection.
type OnlineChecker interface {
	IsOnline(ctx context.Context, ref models.ParticipantRef) (bool, error)
}

type Option func(*Service)

func WithEventBus(bus EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithPresence(presence OnlineChecker) Option {
	return func(s *Service) { s.presence = presence }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements chat and message use cases on top of the stores.
type Service struct {
	chats     repositories.ChatRepository
	messages  repositories.MessageRepository
	directory repositories.DirectoryRepository
	realtime  Publisher
	bus       EventBus
	presence  OnlineChecker
	now       func() time.Time
}

// NewService wires a Service. A nil realtime publisher disables live emission.
func NewService(chats repositories.ChatRepository, messages repositories.MessageRepository, directory repositories.DirectoryRepository, realtime Publisher, opts ...Option) *Service {
	s := &Service{
		chats:     chats,
		messages:  messages,
		directory: directory,
		realtime:  realtime,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendInput describes a message submitted by a participant. Either ChatID or
// Receiver identifies the conversation.
type SendInput struct {
	Sender         models.ParticipantRef
	ChatID         int64
	Receiver       models.ParticipantRef
	Content        string
	AttachmentURL  string
	AttachmentMIME string
}

// MessagePage is one chronological page of chat history.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
}

// CreateOrGetChat returns the chat between initiator and target, creating it when missing.
func (s *Service) CreateOrGetChat(ctx context.Context, initiator, target models.ParticipantRef) (models.ChatView, error) {
	chat, err := s.createOrGet(ctx, initiator, target)
	if err != nil {
		return models.ChatView{}, err
	}
	views, err := s.buildViews(ctx, initiator, []models.Chat{chat})
	if err != nil {
		return models.ChatView{}, err
	}
	return views[0], nil
}

// ListChats returns the caller's active chats, most recently updated first.
func (s *Service) ListChats(ctx context.Context, user models.ParticipantRef) ([]models.ChatView, error) {
	chats, err := s.chats.ListChats(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return s.buildViews(ctx, user, chats)
}

// DeactivateChat hides the chat from listings until a new message arrives.
func (s *Service) DeactivateChat(ctx context.Context, chatID int64, user models.ParticipantRef) error {
	if _, err := s.chatFor(ctx, chatID, user); err != nil {
		return err
	}
	if err := s.chats.SetActive(ctx, chatID, false); err != nil {
		return fmt.Errorf("deactivate chat: %w", err)
	}
	return nil
}

// SendMessage persists a message and fans it out to the realtime gateway and event bus.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (models.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && in.AttachmentURL == "" {
		return models.Message{}, fmt.Errorf("%w: content or attachment is required", ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return models.Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, MaxContentRunes)
	}

	var chat models.Chat
	var err error
	if in.ChatID > 0 {
		chat, err = s.chatFor(ctx, in.ChatID, in.Sender)
		if err != nil {
			return models.Message{}, err
		}
		if !in.Receiver.IsZero() && !chat.HasParticipant(in.Receiver) {
			return models.Message{}, fmt.Errorf("%w: receiver is not part of chat %d", ErrValidation, in.ChatID)
		}
	} else {
		chat, err = s.createOrGet(ctx, in.Sender, in.Receiver)
		if err != nil {
			return models.Message{}, err
		}
	}
	receiver, _ := chat.Counterpart(in.Sender)

	msg, err := s.messages.AppendMessage(ctx, repositories.AppendMessageInput{
		ChatID:     chat.ID,
		Sender:     in.Sender,
		Receiver:   receiver,
		Content:    content,
		Attachment: in.AttachmentURL,
		Kind:       messageKind(in.AttachmentURL, in.AttachmentMIME),
		Clock:      s.now,
	})
	if err != nil {
		if errors.Is(err, repositories.ErrChatNotFound) {
			return models.Message{}, fmt.Errorf("%w: chat %d", ErrNotFound, chat.ID)
		}
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	observability.IncMessageSent(string(msg.Kind))

	s.emit(models.EventReceiveMessage, msg, models.ChatRoom(chat.ID), models.UserRoom(receiver))
	s.publishEvent(ctx, RoutingMessageCreated, "message_created", models.MessageCreatedEvent{
		MessageID:       msg.ID,
		ChatID:          msg.ChatID,
		SenderID:        msg.Sender.String(),
		ReceiverID:      msg.Receiver.String(),
		Kind:            msg.Kind,
		Preview:         preview(msg.Content),
		ReceiverOnline:  s.isOnline(ctx, receiver),
		OccurredAtUnixM: msg.CreatedAt.UnixMilli(),
	})
	return msg, nil
}

// GetChatMessages returns one page of non-deleted messages in chronological order.
// Pages are counted from the newest message; page 1 holds the latest messages.
func (s *Service) GetChatMessages(ctx context.Context, chatID int64, user models.ParticipantRef, page, limit int) (MessagePage, error) {
	if _, err := s.chatFor(ctx, chatID, user); err != nil {
		return MessagePage{}, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	// Offsets past math.MaxInt32 are beyond any chat history and would overflow.
	if page-1 > math.MaxInt32/limit {
		return MessagePage{Messages: []models.Message{}, Page: page, Limit: limit}, nil
	}

	msgs, err := s.messages.ListChatMessages(ctx, chatID, (page-1)*limit, limit)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	reactions, err := s.messages.ListReactions(ctx, ids)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list reactions: %w", err)
	}
	for i := range msgs {
		msgs[i].Reactions = reactions[msgs[i].ID]
	}
	return MessagePage{Messages: msgs, Page: page, Limit: limit}, nil
}

// MarkMessagesAsSeen marks every inbound message of the chat as seen by user and
// resets the user's unread counter. It returns the number of messages changed.
func (s *Service) MarkMessagesAsSeen(ctx context.Context, chatID int64, user models.ParticipantRef) (int64, error) {
	chat, err := s.chatFor(ctx, chatID, user)
	if err != nil {
		return 0, err
	}
	updated, err := s.messages.MarkSeen(ctx, chatID, user, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}

	observability.AddStatusTransitions(string(models.StatusSeen), updated)

	other, _ := chat.Counterpart(user)
	payload := models.MessagesSeenPayload{ChatID: chatID, UserID: user.String()}
	s.emit(models.EventMessagesSeen, payload, models.ChatRoom(chatID), models.UserRoom(other))
	if updated > 0 {
		s.publishEvent(ctx, RoutingMessagesSeen, "messages_seen", payload)
	}
	return updated, nil
}

// MarkDelivered records that the receiver's client got the message. Only the
// receiver can advance a message and only from sent.
func (s *Service) MarkDelivered(ctx context.Context, chatID, messageID int64, user models.ParticipantRef) (bool, error) {
	chat, err := s.chatFor(ctx, chatID, user)
	if err != nil {
		return false, err
	}
	changed, err := s.messages.MarkDelivered(ctx, chatID, messageID, user, s.now())
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	if changed {
		observability.AddStatusTransitions(string(models.StatusDelivered), 1)
		other, _ := chat.Counterpart(user)
		s.emit(models.EventMessageDelivered, models.MessageDeliveredPayload{MessageID: messageID, ChatID: chatID},
			models.ChatRoom(chatID), models.UserRoom(other))
	}
	return changed, nil
}

// AddReaction stores the user's reaction on a message. An empty reaction clears it.
func (s *Service) AddReaction(ctx context.Context, chatID, messageID int64, user models.ParticipantRef, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if utf8.RuneCountInString(reaction) > MaxReactionRunes {
		return fmt.Errorf("%w: reaction is too long", ErrValidation)
	}
	if _, err := s.chatFor(ctx, chatID, user); err != nil {
		return err
	}
	if _, err := s.messageIn(ctx, chatID, messageID); err != nil {
		return err
	}

	if err := s.messages.SetReaction(ctx, models.Reaction{
		MessageID: messageID,
		User:      user,
		Reaction:  reaction,
		CreatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}

	s.emit(models.EventMessageReaction, models.MessageReactionPayload{
		MessageID: messageID,
		Reaction:  reaction,
		UserID:    user.String(),
	}, models.ChatRoom(chatID))
	return nil
}

// DeleteMessage soft-deletes a message. Only its sender may delete it.
func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID int64, user models.ParticipantRef) error {
	if _, err := s.chatFor(ctx, chatID, user); err != nil {
		return err
	}
	msg, err := s.messageIn(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if msg.Sender != user {
		return fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
	}

	if err := s.messages.SoftDelete(ctx, chatID, messageID, user); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
		}
		return fmt.Errorf("delete message: %w", err)
	}

	s.emit(models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: messageID, ChatID: chatID},
		models.ChatRoom(chatID), models.UserRoom(msg.Receiver))
	return nil
}

// IsParticipant reports whether user belongs to the chat.
func (s *Service) IsParticipant(ctx context.Context, chatID int64, user models.ParticipantRef) (bool, error) {
	_, err := s.chatFor(ctx, chatID, user)
	if errors.Is(err, ErrForbidden) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Counterparts lists the participants sharing an active chat with user.
func (s *Service) Counterparts(ctx context.Context, user models.ParticipantRef) ([]models.ParticipantRef, error) {
	refs, err := s.chats.ListCounterparts(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list counterparts: %w", err)
	}
	return refs, nil
}

func (s *Service) createOrGet(ctx context.Context, initiator, target models.ParticipantRef) (models.Chat, error) {
	if err := initiator.Validate(); err != nil {
		return models.Chat{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := target.Validate(); err != nil {
		return models.Chat{}, fmt.Errorf("%w: receiver: %v", ErrValidation, err)
	}
	if initiator == target {
		return models.Chat{}, fmt.Errorf("%w: cannot chat with yourself", ErrValidation)
	}

	if _, err := s.directory.GetProfile(ctx, target); err != nil {
		if errors.Is(err, repositories.ErrParticipantNotFound) {
			return models.Chat{}, fmt.Errorf("%w: %s", ErrNotFound, target)
		}
		return models.Chat{}, fmt.Errorf("lookup receiver: %w", err)
	}

	chat, err := s.chats.CreateOrGetChat(ctx, initiator, target)
	if err != nil {
		return models.Chat{}, fmt.Errorf("create or get chat: %w", err)
	}
	return chat, nil
}

func (s *Service) chatFor(ctx context.Context, chatID int64, user models.ParticipantRef) (models.Chat, error) {
	if chatID <= 0 {
		return models.Chat{}, fmt.Errorf("%w: invalid chat id", ErrValidation)
	}
	chat, err := s.chats.GetChat(ctx, chatID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Chat{}, fmt.Errorf("%w: chat %d", ErrNotFound, chatID)
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("load chat: %w", err)
	}
	if !chat.HasParticipant(user) {
		return models.Chat{}, ErrForbidden
	}
	return chat, nil
}

func (s *Service) messageIn(ctx context.Context, chatID, messageID int64) (models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}
	if msg.ChatID != chatID || msg.IsDeleted {
		return models.Message{}, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	return msg, nil
}

func (s *Service) buildViews(ctx context.Context, viewer models.ParticipantRef, chats []models.Chat) ([]models.ChatView, error) {
	views := make([]models.ChatView, 0, len(chats))
	if len(chats) == 0 {
		return views, nil
	}

	var lastIDs []int64
	refSet := map[models.ParticipantRef]struct{}{}
	for _, chat := range chats {
		if chat.LastMessageID != nil {
			lastIDs = append(lastIDs, *chat.LastMessageID)
		}
		for _, p := range chat.Participants {
			refSet[p] = struct{}{}
		}
	}
	refs := make([]models.ParticipantRef, 0, len(refSet))
	for ref := range refSet {
		refs = append(refs, ref)
	}

	lastMessages, err := s.messages.GetMessagesByIDs(ctx, lastIDs)
	if err != nil {
		return nil, fmt.Errorf("load last messages: %w", err)
	}
	profiles, err := s.directory.BulkProfiles(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	profileOf := func(ref models.ParticipantRef) models.Profile {
		if p, ok := profiles[ref]; ok {
			return p
		}
		return models.Profile{ID: ref.ID, Kind: ref.Kind}
	}

	for _, chat := range chats {
		other, _ := chat.Counterpart(viewer)
		view := models.ChatView{
			ID:           chat.ID,
			Participants: []models.Profile{profileOf(chat.Participants[0]), profileOf(chat.Participants[1])},
			Counterpart:  profileOf(other),
			UnreadCount:  chat.UnreadFor(viewer),
			IsActive:     chat.IsActive,
			CreatedAt:    chat.CreatedAt,
			UpdatedAt:    chat.UpdatedAt,
		}
		if chat.LastMessageID != nil {
			if msg, ok := lastMessages[*chat.LastMessageID]; ok {
				view.LastMessage = &msg
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) emit(event string, payload any, rooms ...string) {
	if s.realtime == nil {
		log.Printf("realtime publish skipped: gateway not configured event=%s", event)
		return
	}
	s.realtime.Publish(event, payload, rooms...)
}

func (s *Service) publishEvent(ctx context.Context, routingKey, name string, payload any) {
	if s.bus == nil {
		return
	}
	envelope := observability.EventEnvelope{EventType: "chat", EventName: name, Payload: payload}
	if err := s.bus.PublishJSON(ctx, routingKey, envelope, observability.HeadersFromContext(ctx)); err != nil {
		observability.IncPublishError(routingKey)
		log.Printf("event publish failed routing_key=%s: %v", routingKey, err)
	}
}

func (s *Service) isOnline(ctx context.Context, ref models.ParticipantRef) bool {
	if s.presence == nil {
		return false
	}
	online, err := s.presence.IsOnline(ctx, ref)
	if err != nil {
		log.Printf("presence lookup failed user=%s: %v", ref, err)
		return false
	}
	return online
}

func messageKind(attachment, mime string) models.MessageKind {
	switch {
	case attachment == "":
		return models.KindText
	case strings.HasPrefix(mime, "image/"):
		return models.KindImage
	default:
		return models.KindFile
	}
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}
