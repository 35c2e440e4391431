package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"rental-chat/internal/auth"
	"rental-chat/internal/messaging"
	"rental-chat/internal/models"
	"rental-chat/internal/observability"
)

const (
	defaultSendQueue     = 64
	defaultPingInterval  = 25 * time.Second
	defaultPongWait      = 60 * time.Second
	defaultWriteWait     = 10 * time.Second
	defaultMaxFrameBytes = 64 << 10
	eventTimeout         = 5 * time.Second

	wsKind       = "chat"
	wsRoutingKey = "ws_events.chats"
)

// Error codes sent in error events.
const (
	CodeBadRequest  = "bad_request"
	CodeNotJoined   = "not_joined"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
	CodeUnknown     = "unknown_event"
)

// ChatAccess is the part of the messaging service the gateway relies on.
type ChatAccess interface {
	IsParticipant(ctx context.Context, chatID int64, user models.ParticipantRef) (bool, error)
	Counterparts(ctx context.Context, user models.ParticipantRef) ([]models.ParticipantRef, error)
	MarkDelivered(ctx context.Context, chatID, messageID int64, user models.ParticipantRef) (bool, error)
	AddReaction(ctx context.Context, chatID, messageID int64, user models.ParticipantRef, reaction string) error
}

// TokenVerifier resolves the handshake token to a participant.
type TokenVerifier interface {
	Verify(token string) (models.ParticipantRef, error)
}

// Config tunes the gateway. Zero values fall back to defaults.
type Config struct {
	AuthCookie    string
	SendQueue     int
	RateEvents    int
	RateWindow    time.Duration
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	MaxFrameBytes int64
	CheckOrigin   func(r *http.Request) bool
}

// Gateway upgrades HTTP requests to websockets and routes socket events.
type Gateway struct {
	hub      *Hub
	chats    ChatAccess
	verifier TokenVerifier
	presence PresenceTracker
	validate *validator.Validate
	upgrader websocket.Upgrader
	cfg      Config
}

func NewGateway(hub *Hub, chats ChatAccess, verifier TokenVerifier, presence PresenceTracker, cfg Config) *Gateway {
	if cfg.AuthCookie == "" {
		cfg.AuthCookie = "token"
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	if presence == nil {
		presence = NewMemoryPresence()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Gateway{
		hub:      hub,
		chats:    chats,
		verifier: verifier,
		presence: presence,
		validate: validator.New(),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		cfg:      cfg,
	}
}

// Handle authenticates the handshake, upgrades the connection and starts the pumps.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("rental-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	user, err := g.verifier.Verify(auth.TokenFromRequest(c.Request, g.cfg.AuthCookie))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      user.String(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, user, info, g.cfg.SendQueue)
	g.hub.Register(client)

	observability.WSConnected()
	observability.IncWSEvent("ws_connect")
	base := context.WithoutCancel(ctx)
	g.publishWSEvent(base, info, "ws_connect", "")

	go client.writePump(g.cfg.PingInterval, g.cfg.WriteWait)
	go g.readLoop(base, client)
}

func (g *Gateway) readLoop(ctx context.Context, client *Client) {
	var closeReason string
	defer func() {
		g.disconnect(ctx, client, closeReason)
	}()

	conn := client.conn
	conn.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		if client.joined {
			refreshCtx, cancel := context.WithTimeout(ctx, eventTimeout)
			if err := g.presence.Refresh(refreshCtx, client.User); err != nil {
				log.Printf("presence refresh failed user=%s: %v", client.User, err)
			}
			cancel()
		}
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	limiter := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-client.done:
				default:
					observability.IncWSEvent("ws_error")
					g.publishWSEvent(ctx, client.Info, "ws_error", closeReason)
				}
			}
			return
		}

		if !limiter.Allow(time.Now()) {
			closeReason = "rate limited"
			observability.IncWSRateLimited()
			g.sendError(client, CodeRateLimited, "too many events")
			client.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			g.sendError(client, CodeBadRequest, "malformed frame")
			continue
		}
		observability.IncWSEvent(env.Event)

		evCtx, cancel := context.WithTimeout(ctx, eventTimeout)
		g.dispatch(evCtx, client, env)
		cancel()
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, env models.Envelope) {
	if env.Event != models.EventJoin && !client.joined {
		g.sendError(client, CodeNotJoined, "join first")
		return
	}

	switch env.Event {
	case models.EventJoin:
		g.onJoin(ctx, client, env.Data)
	case models.EventJoinChat:
		g.onJoinChat(ctx, client, env.Data)
	case models.EventLeaveChat:
		g.onLeaveChat(client, env.Data)
	case models.EventTyping:
		g.onTyping(client, env.Data)
	case models.EventMessageDelivered:
		g.onDelivered(ctx, client, env.Data)
	case models.EventAddReaction:
		g.onAddReaction(ctx, client, env.Data)
	default:
		g.sendError(client, CodeUnknown, "unknown event "+env.Event)
	}
}

func (g *Gateway) onJoin(ctx context.Context, client *Client, data json.RawMessage) {
	userID, err := parseUserID(data)
	if err != nil {
		g.sendError(client, CodeBadRequest, "userId is required")
		return
	}
	ref, err := models.ParseParticipantRef(userID)
	if err != nil {
		g.sendError(client, CodeBadRequest, err.Error())
		return
	}
	if ref != client.User {
		g.sendError(client, CodeForbidden, "userId does not match the authenticated user")
		return
	}
	if client.joined {
		return
	}

	client.joined = true
	g.hub.Join(models.UserRoom(ref), client)

	first, err := g.presence.Connect(ctx, ref)
	if err != nil {
		log.Printf("presence connect failed user=%s: %v", ref, err)
		return
	}
	if first {
		g.broadcastPresence(ctx, ref, models.EventUserOnline)
	}
}

func (g *Gateway) onJoinChat(ctx context.Context, client *Client, data json.RawMessage) {
	chatID, err := parseID(data, "chatId")
	if err != nil {
		g.sendError(client, CodeBadRequest, "chatId is required")
		return
	}
	ok, err := g.chats.IsParticipant(ctx, chatID, client.User)
	if err != nil {
		g.sendServiceError(client, err)
		return
	}
	if !ok {
		g.sendError(client, CodeForbidden, "not a chat participant")
		return
	}
	g.hub.Join(models.ChatRoom(chatID), client)
}

func (g *Gateway) onLeaveChat(client *Client, data json.RawMessage) {
	chatID, err := parseID(data, "chatId")
	if err != nil {
		g.sendError(client, CodeBadRequest, "chatId is required")
		return
	}
	g.hub.Leave(models.ChatRoom(chatID), client)
}

func (g *Gateway) onTyping(client *Client, data json.RawMessage) {
	var p models.TypingPayload
	if !g.decode(client, data, &p) {
		return
	}
	if p.UserID != client.User.String() {
		g.sendError(client, CodeForbidden, "userId does not match the authenticated user")
		return
	}
	room := models.ChatRoom(p.ChatID)
	if !g.hub.InRoom(room, client) {
		g.sendError(client, CodeForbidden, "join the chat first")
		return
	}
	g.hub.PublishExcept(client, models.EventUserTyping, models.UserTypingPayload{
		ChatID:   p.ChatID,
		UserID:   p.UserID,
		IsTyping: p.IsTyping,
	}, room)
}

func (g *Gateway) onDelivered(ctx context.Context, client *Client, data json.RawMessage) {
	var p models.DeliveredPayload
	if !g.decode(client, data, &p) {
		return
	}
	if _, err := g.chats.MarkDelivered(ctx, p.ChatID, p.MessageID, client.User); err != nil {
		g.sendServiceError(client, err)
	}
}

func (g *Gateway) onAddReaction(ctx context.Context, client *Client, data json.RawMessage) {
	var p models.AddReactionPayload
	if !g.decode(client, data, &p) {
		return
	}
	if err := g.chats.AddReaction(ctx, p.ChatID, p.MessageID, client.User, p.Reaction); err != nil {
		g.sendServiceError(client, err)
	}
}

func (g *Gateway) decode(client *Client, data json.RawMessage, dst any) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		g.sendError(client, CodeBadRequest, "malformed payload")
		return false
	}
	if err := g.validate.Struct(dst); err != nil {
		g.sendError(client, CodeBadRequest, err.Error())
		return false
	}
	return true
}

func (g *Gateway) disconnect(ctx context.Context, client *Client, reason string) {
	g.hub.Unregister(client)
	client.Close()

	if client.joined {
		last, err := g.presence.Disconnect(ctx, client.User)
		if err != nil {
			log.Printf("presence disconnect failed user=%s: %v", client.User, err)
		} else if last {
			g.broadcastPresence(ctx, client.User, models.EventUserOffline)
		}
	}

	observability.WSDisconnected()
	observability.IncWSEvent("ws_disconnect")
	g.publishWSEvent(ctx, client.Info, "ws_disconnect", reason)
}

// broadcastPresence tells every participant sharing an active chat with ref.
func (g *Gateway) broadcastPresence(ctx context.Context, ref models.ParticipantRef, event string) {
	counterparts, err := g.chats.Counterparts(ctx, ref)
	if err != nil {
		log.Printf("presence broadcast skipped user=%s: %v", ref, err)
		return
	}
	if len(counterparts) == 0 {
		return
	}
	rooms := make([]string, 0, len(counterparts))
	for _, other := range counterparts {
		rooms = append(rooms, models.UserRoom(other))
	}
	g.hub.Publish(event, ref.String(), rooms...)
}

func (g *Gateway) sendError(client *Client, code, message string) {
	client.sendEvent(models.EventError, models.ErrorPayload{Code: code, Message: message})
}

func (g *Gateway) sendServiceError(client *Client, err error) {
	switch {
	case errors.Is(err, messaging.ErrValidation):
		g.sendError(client, CodeBadRequest, err.Error())
	case errors.Is(err, messaging.ErrForbidden):
		g.sendError(client, CodeForbidden, "not a chat participant")
	case errors.Is(err, messaging.ErrNotFound):
		g.sendError(client, CodeNotFound, err.Error())
	default:
		log.Printf("websocket event failed user=%s: %v", client.User, err)
		g.sendError(client, CodeInternal, "internal error")
	}
}

func (g *Gateway) publishWSEvent(ctx context.Context, info ConnInfo, name, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       name,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": info.identity(),
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
