package ws

import (
	"context"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-chat/internal/auth"
	"rental-chat/internal/messaging"
	"rental-chat/internal/models"
	"rental-chat/internal/repositories"
)

type refreshCounter struct {
	*MemoryPresence
	refreshes atomic.Int64
}

func (p *refreshCounter) Refresh(ctx context.Context, ref models.ParticipantRef) error {
	p.refreshes.Add(1)
	return p.MemoryPresence.Refresh(ctx, ref)
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := repositories.NewMemoryStore()
	store.AutoProfiles = true
	hub := NewHub()
	presence := &refreshCounter{MemoryPresence: NewMemoryPresence()}
	svc := messaging.NewService(store, store, store, hub, messaging.WithPresence(presence))
	verifier := auth.NewVerifier("test-secret")
	gateway := NewGateway(hub, svc, verifier, presence, Config{PingInterval: 30 * time.Millisecond})

	r := gin.New()
	r.GET("/ws", gateway.Handle)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	env := &gatewayEnv{server: server, hub: hub, svc: svc, verifier: verifier, presence: presence.MemoryPresence}

	conn := env.dial(t, tenantRef)
	// Reading lets the client answer pings.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, presence.refreshes.Load(), "sockets that never joined are not tracked")

	env.join(t, conn, tenantRef)
	require.Eventually(t, func() bool {
		return presence.refreshes.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	online, err := presence.IsOnline(context.Background(), tenantRef)
	require.NoError(t, err)
	assert.True(t, online)
}

func TestRedisPresenceRefreshOutlivesExpiry(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	p, err := NewRedisPresence(url)
	require.NoError(t, err)
	p.prefix = "chat:presence:test:" + t.Name() + ":"
	t.Cleanup(func() { p.Close() })
	ctx := context.Background()
	require.NoError(t, p.Ping(ctx))

	first, err := p.Connect(ctx, tenantRef)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := p.Connect(ctx, tenantRef)
	require.NoError(t, err)
	assert.False(t, second)

	ttl, err := p.client.TTL(ctx, p.key(tenantRef)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// Simulate the key lapsing while one socket stays open.
	require.NoError(t, p.client.Del(ctx, p.key(tenantRef)).Err())
	require.NoError(t, p.Refresh(ctx, tenantRef))
	online, err := p.IsOnline(ctx, tenantRef)
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, p.Refresh(ctx, tenantRef))
	n, err := p.client.Get(ctx, p.key(tenantRef)).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "refresh must not bump a live count")

	last, err := p.Disconnect(ctx, tenantRef)
	require.NoError(t, err)
	assert.True(t, last)
	online, err = p.IsOnline(ctx, tenantRef)
	require.NoError(t, err)
	assert.False(t, online)
}
