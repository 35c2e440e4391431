package repositories

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-chat/internal/db"
	"rental-chat/internal/models"
)

// openTestDB connects to TEST_DB_DSN and empties the chat tables. Tests using
// it are skipped when the variable is unset.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	database, err := db.Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS tenants (id BIGINT PRIMARY KEY, name TEXT NOT NULL, avatar_url TEXT)`,
		`CREATE TABLE IF NOT EXISTS landlords (id BIGINT PRIMARY KEY, name TEXT NOT NULL, avatar_url TEXT)`,
		`TRUNCATE message_reactions, messages, chat_participants, chats, tenants, landlords RESTART IDENTITY CASCADE`,
		`INSERT INTO tenants (id, name) VALUES (7, 'Tina')`,
		`INSERT INTO landlords (id, name, avatar_url) VALUES (3, 'Lars', '/a.png')`,
	} {
		_, err := database.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return database
}

func TestPostgresCreateOrGetChatConverges(t *testing.T) {
	database := openTestDB(t)
	chats := NewChatRepo(database)
	ctx := context.Background()

	ids := make([]int64, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := tenant, landlord
			if i%2 == 1 {
				from, to = landlord, tenant
			}
			chat, err := chats.CreateOrGetChat(ctx, from, to)
			assert.NoError(t, err)
			ids[i] = chat.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var count int
	require.NoError(t, database.Get(&count, `SELECT COUNT(*) FROM chats`))
	assert.Equal(t, 1, count)
	require.NoError(t, database.Get(&count, `SELECT COUNT(*) FROM chat_participants`))
	assert.Equal(t, 2, count)

	_, err := chats.CreateOrGetChat(ctx, tenant, tenant)
	assert.ErrorIs(t, err, ErrSelfChat)
}

func TestPostgresAppendAllocatesSeqAndUnread(t *testing.T) {
	database := openTestDB(t)
	chats, messages := NewChatRepo(database), NewMessageRepo(database)
	ctx := context.Background()
	chat, err := chats.CreateOrGetChat(ctx, tenant, landlord)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := messages.AppendMessage(ctx, AppendMessageInput{
				ChatID: chat.ID, Sender: tenant, Receiver: landlord, Content: "hi", Kind: models.KindText,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := messages.ListChatMessages(ctx, chat.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		assert.Equal(t, int64(20-i), m.Seq)
		if i > 0 {
			assert.False(t, msgs[i-1].CreatedAt.Before(m.CreatedAt), "seq %d stamped before seq %d", msgs[i-1].Seq, m.Seq)
		}
	}

	got, err := chats.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.UnreadFor(landlord))
	assert.Equal(t, 0, got.UnreadFor(tenant))
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, msgs[0].ID, *got.LastMessageID)

	_, err = messages.AppendMessage(ctx, AppendMessageInput{ChatID: 999, Sender: tenant, Receiver: landlord})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestPostgresStatusTransitionsRecomputeUnread(t *testing.T) {
	database := openTestDB(t)
	chats, messages := NewChatRepo(database), NewMessageRepo(database)
	ctx := context.Background()
	chat, err := chats.CreateOrGetChat(ctx, tenant, landlord)
	require.NoError(t, err)

	first, err := messages.AppendMessage(ctx, AppendMessageInput{ChatID: chat.ID, Sender: tenant, Receiver: landlord, Content: "one", Kind: models.KindText})
	require.NoError(t, err)
	second, err := messages.AppendMessage(ctx, AppendMessageInput{ChatID: chat.ID, Sender: tenant, Receiver: landlord, Content: "two", Kind: models.KindText})
	require.NoError(t, err)

	changed, err := messages.MarkDelivered(ctx, chat.ID, first.ID, tenant, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = messages.MarkDelivered(ctx, chat.ID, first.ID, landlord, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, messages.SoftDelete(ctx, chat.ID, second.ID, tenant))
	got, err := chats.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadFor(landlord))
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, first.ID, *got.LastMessageID)
	assert.ErrorIs(t, messages.SoftDelete(ctx, chat.ID, second.ID, tenant), ErrMessageNotFound)

	updated, err := messages.MarkSeen(ctx, chat.ID, landlord, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)
	got, err = chats.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadFor(landlord))

	seen, err := messages.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSeen, seen.Status)
	assert.NotNil(t, seen.DeliveredAt)
	assert.NotNil(t, seen.SeenAt)
}

func TestPostgresReactionsAndDirectory(t *testing.T) {
	database := openTestDB(t)
	chats, messages, directory := NewChatRepo(database), NewMessageRepo(database), NewDirectoryRepo(database)
	ctx := context.Background()
	chat, err := chats.CreateOrGetChat(ctx, tenant, landlord)
	require.NoError(t, err)
	msg, err := messages.AppendMessage(ctx, AppendMessageInput{ChatID: chat.ID, Sender: tenant, Receiver: landlord, Content: "hi", Kind: models.KindText})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, messages.SetReaction(ctx, models.Reaction{MessageID: msg.ID, User: landlord, Reaction: "👍", CreatedAt: now}))
	require.NoError(t, messages.SetReaction(ctx, models.Reaction{MessageID: msg.ID, User: landlord, Reaction: "❤️", CreatedAt: now}))
	reactions, err := messages.ListReactions(ctx, []int64{msg.ID})
	require.NoError(t, err)
	require.Len(t, reactions[msg.ID], 1)
	assert.Equal(t, "❤️", reactions[msg.ID][0].Reaction)

	require.NoError(t, messages.SetReaction(ctx, models.Reaction{MessageID: msg.ID, User: landlord}))
	reactions, err = messages.ListReactions(ctx, []int64{msg.ID})
	require.NoError(t, err)
	assert.Empty(t, reactions[msg.ID])

	p, err := directory.GetProfile(ctx, landlord)
	require.NoError(t, err)
	assert.Equal(t, "Lars", p.Name)
	assert.Equal(t, "/a.png", p.AvatarURL)
	_, err = directory.GetProfile(ctx, models.ParticipantRef{ID: 99, Kind: models.KindTenant})
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	profiles, err := directory.BulkProfiles(ctx, []models.ParticipantRef{tenant, landlord, {ID: 99, Kind: models.KindLandlord}})
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
	assert.Equal(t, "Tina", profiles[tenant].Name)

	counterparts, err := chats.ListCounterparts(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, []models.ParticipantRef{landlord}, counterparts)

	require.NoError(t, chats.SetActive(ctx, chat.ID, false))
	listed, err := chats.ListChats(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.ErrorIs(t, chats.SetActive(ctx, 999, false), ErrChatNotFound)
}
