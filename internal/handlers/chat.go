package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"rental-chat/internal/messaging"
	"rental-chat/internal/middleware"
	"rental-chat/internal/models"
	"rental-chat/internal/telemetry"
	"rental-chat/internal/uploads"
)

// ChatService is the messaging use case layer consumed by the HTTP API.
type ChatService interface {
	CreateOrGetChat(ctx context.Context, initiator, target models.ParticipantRef) (models.ChatView, error)
	ListChats(ctx context.Context, user models.ParticipantRef) ([]models.ChatView, error)
	DeactivateChat(ctx context.Context, chatID int64, user models.ParticipantRef) error
	SendMessage(ctx context.Context, in messaging.SendInput) (models.Message, error)
	GetChatMessages(ctx context.Context, chatID int64, user models.ParticipantRef, page, limit int) (messaging.MessagePage, error)
	MarkMessagesAsSeen(ctx context.Context, chatID int64, user models.ParticipantRef) (int64, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64, user models.ParticipantRef) error
}

// AttachmentStore persists uploaded files.
type AttachmentStore interface {
	Save(r io.ReadSeeker) (uploads.Stored, error)
	Remove(name string) error
}

// ChatHandler manages the chat REST endpoints.
type ChatHandler struct {
	service     ChatService
	attachments AttachmentStore
	audit       *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. attachments and audit may be nil.
func NewChatHandler(service ChatService, attachments AttachmentStore, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{service: service, attachments: attachments, audit: audit}
}

// Register mounts the chat routes on group.
func (h *ChatHandler) Register(group *gin.RouterGroup) {
	group.POST("/create-or-get", h.CreateOrGetChat)
	group.POST("/send", h.SendMessage)
	group.GET("", h.ListChats)
	group.GET("/:chatId/messages", h.GetChatMessages)
	group.PATCH("/:chatId/seen", h.MarkSeen)
	group.DELETE("/:chatId", h.DeactivateChat)
	group.DELETE("/:chatId/messages/:messageId", h.DeleteMessage)
}

type createChatRequest struct {
	ReceiverID   int64  `json:"receiverId" binding:"required,gt=0"`
	ReceiverType string `json:"receiverType" binding:"required,oneof=tenant landlord"`
}

// CreateOrGetChat returns the chat with the receiver, creating it when needed.
func (h *ChatHandler) CreateOrGetChat(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := models.ParticipantRef{ID: req.ReceiverID, Kind: models.ParticipantKind(req.ReceiverType)}
	chat, err := h.service.CreateOrGetChat(c.Request.Context(), user, target)
	if err != nil {
		writeError(c, err, "could not create chat")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// ListChats returns the chats visible to the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}
	chats, err := h.service.ListChats(c.Request.Context(), user)
	if err != nil {
		writeError(c, err, "failed to load chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

type sendRequest struct {
	ChatID       int64  `json:"chatId" form:"chatId"`
	ReceiverID   int64  `json:"receiverId" form:"receiverId"`
	ReceiverType string `json:"receiverType" form:"receiverType"`
	Content      string `json:"content" form:"content"`
}

// SendMessage stores a message, with an optional multipart attachment, and fans it out.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}

	var req sendRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChatID == 0 && req.ReceiverID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId or receiverId is required"})
		return
	}

	in := messaging.SendInput{Sender: user, ChatID: req.ChatID, Content: req.Content}
	if req.ReceiverID != 0 {
		in.Receiver = models.ParticipantRef{ID: req.ReceiverID, Kind: models.ParticipantKind(req.ReceiverType)}
	}

	var stored *uploads.Stored
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if fh, err := c.FormFile("attachment"); err == nil {
			if h.attachments == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "attachments are not enabled"})
				return
			}
			file, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable attachment"})
				return
			}
			saved, err := h.attachments.Save(file)
			file.Close()
			if err != nil {
				writeError(c, err, "failed to store attachment")
				return
			}
			stored = &saved
			in.AttachmentURL = saved.URL
			in.AttachmentMIME = saved.MIME
		} else if !errors.Is(err, http.ErrMissingFile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	msg, err := h.service.SendMessage(c.Request.Context(), in)
	if err != nil {
		if stored != nil {
			if rmErr := h.attachments.Remove(stored.Name); rmErr != nil {
				log.Printf("attachment cleanup failed name=%s: %v", stored.Name, rmErr)
			}
		}
		writeError(c, err, "failed to send message")
		return
	}

	h.emitAudit(c, "INFO", "Chat message sent", msg.ChatID)
	c.JSON(http.StatusCreated, msg)
}

// GetChatMessages returns one chronological page of the chat history.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "chatId")
	if !ok {
		return
	}
	page, ok := parseQueryInt(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := parseQueryInt(c, "limit", messaging.DefaultPageSize)
	if !ok {
		return
	}

	res, err := h.service.GetChatMessages(c.Request.Context(), chatID, user, page, limit)
	if err != nil {
		writeError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, res)
}

// MarkSeen marks every inbound message of the chat as seen.
func (h *ChatHandler) MarkSeen(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "chatId")
	if !ok {
		return
	}

	updated, err := h.service.MarkMessagesAsSeen(c.Request.Context(), chatID, user)
	if err != nil {
		writeError(c, err, "failed to mark messages as seen")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": chatID, "updated": updated})
}

// DeactivateChat hides the chat from listings.
func (h *ChatHandler) DeactivateChat(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "chatId")
	if !ok {
		return
	}

	if err := h.service.DeactivateChat(c.Request.Context(), chatID, user); err != nil {
		writeError(c, err, "could not delete chat")
		return
	}
	h.emitAudit(c, "INFO", "Chat deactivated", chatID)
	c.Status(http.StatusNoContent)
}

// DeleteMessage soft-deletes one of the caller's messages.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	user, ok := participant(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "chatId")
	if !ok {
		return
	}
	messageID, ok := parseIDParam(c, "messageId")
	if !ok {
		return
	}

	if err := h.service.DeleteMessage(c.Request.Context(), chatID, messageID, user); err != nil {
		writeError(c, err, "could not delete message")
		return
	}
	h.emitAudit(c, "INFO", "Chat message deleted", chatID)
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) emitAudit(c *gin.Context, level, text string, chatID int64) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), telemetry.AuditRecord{
		Level:     level,
		Text:      text,
		RequestID: requestIDFromContext(c),
		UserID:    userIDFromContext(c),
		ChatID:    chatID,
	})
}

func participant(c *gin.Context) (models.ParticipantRef, bool) {
	user, ok := middleware.ParticipantFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return models.ParticipantRef{}, false
	}
	return user, true
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func parseQueryInt(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, messaging.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, messaging.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, messaging.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, uploads.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	default:
		log.Printf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
