package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-chat/internal/auth"
	"rental-chat/internal/messaging"
	"rental-chat/internal/models"
	"rental-chat/internal/repositories"
)

var (
	tenantRef   = models.ParticipantRef{ID: 1, Kind: models.KindTenant}
	landlordRef = models.ParticipantRef{ID: 2, Kind: models.KindLandlord}
	outsiderRef = models.ParticipantRef{ID: 3, Kind: models.KindTenant}
)

type gatewayEnv struct {
	server   *httptest.Server
	hub      *Hub
	svc      *messaging.Service
	verifier *auth.Verifier
	presence *MemoryPresence
}

func newGatewayEnv(t *testing.T, cfg Config) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repositories.NewMemoryStore()
	store.AutoProfiles = true
	hub := NewHub()
	presence := NewMemoryPresence()
	svc := messaging.NewService(store, store, store, hub, messaging.WithPresence(presence))
	verifier := auth.NewVerifier("test-secret")
	gateway := NewGateway(hub, svc, verifier, presence, cfg)

	r := gin.New()
	r.GET("/ws", gateway.Handle)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &gatewayEnv{server: server, hub: hub, svc: svc, verifier: verifier, presence: presence}
}

func (e *gatewayEnv) dial(t *testing.T, ref models.ParticipantRef) *websocket.Conn {
	t.Helper()
	token, err := e.verifier.Issue(ref, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Envelope{Event: event, Data: data}))
}

// expectEvent reads frames until one with the wanted event arrives.
func expectEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env.Data
		}
	}
}

func expectNoEvent(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		assert.NotEqual(t, event, env.Event)
	}
}

func (e *gatewayEnv) join(t *testing.T, conn *websocket.Conn, ref models.ParticipantRef) {
	t.Helper()
	emit(t, conn, models.EventJoin, ref.String())
	require.Eventually(t, func() bool {
		return e.hub.RoomSize(models.UserRoom(ref)) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func (e *gatewayEnv) joinChat(t *testing.T, conn *websocket.Conn, chatID int64, want int) {
	t.Helper()
	emit(t, conn, models.EventJoinChat, chatID)
	require.Eventually(t, func() bool {
		return e.hub.RoomSize(models.ChatRoom(chatID)) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func errorCode(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &p))
	return p.Code
}

func TestHandshakeRequiresToken(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestJoinRejectsForeignUserID(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	conn := env.dial(t, tenantRef)

	emit(t, conn, models.EventJoin, landlordRef.String())
	assert.Equal(t, CodeForbidden, errorCode(t, expectEvent(t, conn, models.EventError)))
	assert.Zero(t, env.hub.RoomSize(models.UserRoom(landlordRef)))
}

func TestEventsRequireJoin(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	conn := env.dial(t, tenantRef)

	emit(t, conn, models.EventJoinChat, 1)
	assert.Equal(t, CodeNotJoined, errorCode(t, expectEvent(t, conn, models.EventError)))
}

func TestJoinChatRequiresParticipation(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	chat, err := env.svc.CreateOrGetChat(context.Background(), tenantRef, landlordRef)
	require.NoError(t, err)

	conn := env.dial(t, outsiderRef)
	env.join(t, conn, outsiderRef)
	emit(t, conn, models.EventJoinChat, chat.ID)
	assert.Equal(t, CodeForbidden, errorCode(t, expectEvent(t, conn, models.EventError)))

	emit(t, conn, models.EventJoinChat, 999)
	assert.Equal(t, CodeNotFound, errorCode(t, expectEvent(t, conn, models.EventError)))
}

func TestTypingRelayedToChatRoomOnly(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	chat, err := env.svc.CreateOrGetChat(context.Background(), tenantRef, landlordRef)
	require.NoError(t, err)

	tenant := env.dial(t, tenantRef)
	landlord := env.dial(t, landlordRef)
	outsider := env.dial(t, outsiderRef)
	env.join(t, tenant, tenantRef)
	env.join(t, landlord, landlordRef)
	env.join(t, outsider, outsiderRef)
	env.joinChat(t, tenant, chat.ID, 1)
	env.joinChat(t, landlord, chat.ID, 2)

	emit(t, tenant, models.EventTyping, models.TypingPayload{ChatID: chat.ID, UserID: tenantRef.String(), IsTyping: true})

	var got models.UserTypingPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, landlord, models.EventUserTyping), &got))
	assert.Equal(t, tenantRef.String(), got.UserID)
	assert.True(t, got.IsTyping)

	expectNoEvent(t, tenant, models.EventUserTyping)
	expectNoEvent(t, outsider, models.EventUserTyping)
}

func TestTypingOutsideChatRoomRejected(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	conn := env.dial(t, tenantRef)
	env.join(t, conn, tenantRef)

	emit(t, conn, models.EventTyping, models.TypingPayload{ChatID: 5, UserID: tenantRef.String(), IsTyping: true})
	assert.Equal(t, CodeForbidden, errorCode(t, expectEvent(t, conn, models.EventError)))

	emit(t, conn, models.EventTyping, map[string]any{"userId": tenantRef.String()})
	assert.Equal(t, CodeBadRequest, errorCode(t, expectEvent(t, conn, models.EventError)))
}

func TestPresenceScopedToCounterparts(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	_, err := env.svc.CreateOrGetChat(context.Background(), tenantRef, landlordRef)
	require.NoError(t, err)

	landlord := env.dial(t, landlordRef)
	outsider := env.dial(t, outsiderRef)
	env.join(t, landlord, landlordRef)
	env.join(t, outsider, outsiderRef)

	tenant := env.dial(t, tenantRef)
	env.join(t, tenant, tenantRef)

	var online string
	require.NoError(t, json.Unmarshal(expectEvent(t, landlord, models.EventUserOnline), &online))
	assert.Equal(t, tenantRef.String(), online)
	expectNoEvent(t, outsider, models.EventUserOnline)

	ok, err := env.presence.IsOnline(context.Background(), tenantRef)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tenant.Close())
	var offline string
	require.NoError(t, json.Unmarshal(expectEvent(t, landlord, models.EventUserOffline), &offline))
	assert.Equal(t, tenantRef.String(), offline)

	require.Eventually(t, func() bool {
		ok, _ := env.presence.IsOnline(context.Background(), tenantRef)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecondSocketDoesNotRebroadcastOnline(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	_, err := env.svc.CreateOrGetChat(context.Background(), tenantRef, landlordRef)
	require.NoError(t, err)

	landlord := env.dial(t, landlordRef)
	env.join(t, landlord, landlordRef)

	first := env.dial(t, tenantRef)
	env.join(t, first, tenantRef)
	expectEvent(t, landlord, models.EventUserOnline)

	second := env.dial(t, tenantRef)
	emit(t, second, models.EventJoin, tenantRef.String())
	require.Eventually(t, func() bool {
		return env.hub.RoomSize(models.UserRoom(tenantRef)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	expectNoEvent(t, landlord, models.EventUserOnline)

	require.NoError(t, second.Close())
	expectNoEvent(t, landlord, models.EventUserOffline)
}

func TestReceiveMessageReachesUserRoom(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	landlord := env.dial(t, landlordRef)
	env.join(t, landlord, landlordRef)

	msg, err := env.svc.SendMessage(context.Background(), messaging.SendInput{
		Sender: tenantRef, Receiver: landlordRef, Content: "Is parking included?",
	})
	require.NoError(t, err)

	var got models.Message
	require.NoError(t, json.Unmarshal(expectEvent(t, landlord, models.EventReceiveMessage), &got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "Is parking included?", got.Content)
}

func TestDeliveredAndReactionRelayed(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	msg, err := env.svc.SendMessage(context.Background(), messaging.SendInput{
		Sender: tenantRef, Receiver: landlordRef, Content: "hi",
	})
	require.NoError(t, err)

	tenant := env.dial(t, tenantRef)
	landlord := env.dial(t, landlordRef)
	env.join(t, tenant, tenantRef)
	env.join(t, landlord, landlordRef)
	env.joinChat(t, tenant, msg.ChatID, 1)
	env.joinChat(t, landlord, msg.ChatID, 2)

	emit(t, landlord, models.EventMessageDelivered, models.DeliveredPayload{MessageID: msg.ID, ChatID: msg.ChatID})
	var delivered models.MessageDeliveredPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, tenant, models.EventMessageDelivered), &delivered))
	assert.Equal(t, msg.ID, delivered.MessageID)

	emit(t, landlord, models.EventAddReaction, models.AddReactionPayload{MessageID: msg.ID, ChatID: msg.ChatID, Reaction: "👍"})
	var reaction models.MessageReactionPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, tenant, models.EventMessageReaction), &reaction))
	assert.Equal(t, "👍", reaction.Reaction)
	assert.Equal(t, landlordRef.String(), reaction.UserID)
}

func TestRateLimitClosesConnection(t *testing.T) {
	env := newGatewayEnv(t, Config{RateEvents: 3, RateWindow: time.Minute})
	conn := env.dial(t, tenantRef)

	for i := 0; i < 4; i++ {
		emit(t, conn, models.EventLeaveChat, 1)
	}
	codes := []string{}
	for len(codes) < 4 {
		codes = append(codes, errorCode(t, expectEvent(t, conn, models.EventError)))
	}
	assert.Equal(t, []string{CodeNotJoined, CodeNotJoined, CodeNotJoined, CodeRateLimited}, codes)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			break
		}
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	env := newGatewayEnv(t, Config{})
	conn := env.dial(t, tenantRef)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, CodeBadRequest, errorCode(t, expectEvent(t, conn, models.EventError)))

	env.join(t, conn, tenantRef)
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	env := newGatewayEnv(t, Config{MaxFrameBytes: 1024})
	conn := env.dial(t, tenantRef)
	env.join(t, conn, tenantRef)

	big := strings.Repeat("x", 4096)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"typing","data":"`+big+`"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		online, err := env.presence.IsOnline(context.Background(), tenantRef)
		return err == nil && !online && env.hub.RoomSize(models.UserRoom(tenantRef)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
