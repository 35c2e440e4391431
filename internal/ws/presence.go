package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"rental-chat/internal/models"
)

// PresenceTracker counts live sockets per participant.
type PresenceTracker interface {
	// Connect records a socket and reports whether it is the participant's first.
	Connect(ctx context.Context, ref models.ParticipantRef) (bool, error)
	// Disconnect drops a socket and reports whether it was the participant's last.
	Disconnect(ctx context.Context, ref models.ParticipantRef) (bool, error)
	// Refresh is called on every heartbeat of a live socket.
	Refresh(ctx context.Context, ref models.ParticipantRef) error
	IsOnline(ctx context.Context, ref models.ParticipantRef) (bool, error)
}

// MemoryPresence keeps socket counts in process memory.
type MemoryPresence struct {
	mu     sync.Mutex
	counts map[models.ParticipantRef]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{counts: make(map[models.ParticipantRef]int)}
}

func (p *MemoryPresence) Connect(ctx context.Context, ref models.ParticipantRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[ref]++
	return p.counts[ref] == 1, nil
}

func (p *MemoryPresence) Disconnect(ctx context.Context, ref models.ParticipantRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[ref]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(p.counts, ref)
		return true, nil
	}
	p.counts[ref] = n - 1
	return false, nil
}

func (p *MemoryPresence) Refresh(ctx context.Context, ref models.ParticipantRef) error {
	return nil
}

func (p *MemoryPresence) IsOnline(ctx context.Context, ref models.ParticipantRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[ref] > 0, nil
}

const presenceKeyTTL = 10 * time.Minute

// RedisPresence keeps socket counts in Redis so the notification side can
// read them. Keys expire unless a live socket refreshes them, so a crashed
// process cannot pin a user online forever.
type RedisPresence struct {
	client *redis.Client
	prefix string
}

// NewRedisPresence accepts a redis:// URL or a bare host:port address.
func NewRedisPresence(redisURL string) (*RedisPresence, error) {
	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	return &RedisPresence{client: redis.NewClient(opts), prefix: "chat:presence:"}, nil
}

func (p *RedisPresence) key(ref models.ParticipantRef) string {
	return p.prefix + ref.String()
}

// Ping checks connectivity.
func (p *RedisPresence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPresence) Connect(ctx context.Context, ref models.ParticipantRef) (bool, error) {
	var incr *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, p.key(ref))
		pipe.Expire(ctx, p.key(ref), presenceKeyTTL)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() == 1, nil
}

func (p *RedisPresence) Disconnect(ctx context.Context, ref models.ParticipantRef) (bool, error) {
	n, err := p.client.Decr(ctx, p.key(ref)).Result()
	if err != nil {
		return false, err
	}
	if n <= 0 {
		if err := p.client.Del(ctx, p.key(ref)).Err(); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// Refresh extends the key's TTL. A key that already expired is recreated with a
// count of one since the calling socket is still open.
func (p *RedisPresence) Refresh(ctx context.Context, ref models.ParticipantRef) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, p.key(ref), 1, presenceKeyTTL)
		pipe.Expire(ctx, p.key(ref), presenceKeyTTL)
		return nil
	})
	return err
}

func (p *RedisPresence) IsOnline(ctx context.Context, ref models.ParticipantRef) (bool, error) {
	n, err := p.client.Get(ctx, p.key(ref)).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}
