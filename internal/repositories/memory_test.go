package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-chat/internal/models"
)

var (
	tenant   = models.ParticipantRef{ID: 7, Kind: models.KindTenant}
	landlord = models.ParticipantRef{ID: 3, Kind: models.KindLandlord}
)

func appendText(t *testing.T, store *MemoryStore, chatID int64, from, to models.ParticipantRef, content string) models.Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), AppendMessageInput{
		ChatID: chatID, Sender: from, Receiver: to, Content: content, Kind: models.KindText,
	})
	require.NoError(t, err)
	return msg
}

func TestMemoryCreateOrGetChatIsSymmetric(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.CreateOrGetChat(ctx, tenant, landlord)
	require.NoError(t, err)
	second, err := store.CreateOrGetChat(ctx, landlord, tenant)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, tenant, second.Participants[0])
	assert.Equal(t, 0, second.UnreadFor(tenant))
}

func TestMemoryCreateOrGetChatRejectsSelf(t *testing.T) {
	_, err := NewMemoryStore().CreateOrGetChat(context.Background(), tenant, tenant)
	assert.ErrorIs(t, err, ErrSelfChat)
}

func TestMemoryConcurrentCreateConverges(t *testing.T) {
	store := NewMemoryStore()
	ids := make(chan int64, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := tenant, landlord
			if i%2 == 0 {
				a, b = b, a
			}
			chat, err := store.CreateOrGetChat(context.Background(), a, b)
			if err == nil {
				ids <- chat.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
}

func TestMemoryAppendAllocatesSeqAndUnread(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, err := store.CreateOrGetChat(ctx, tenant, landlord)
	require.NoError(t, err)

	m1 := appendText(t, store, chat.ID, tenant, landlord, "hi")
	m2 := appendText(t, store, chat.ID, tenant, landlord, "are you there")

	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, models.StatusSent, m2.Status)

	got, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, m2.ID, *got.LastMessageID)
	assert.Equal(t, 2, got.UnreadFor(landlord))
	assert.Equal(t, 0, got.UnreadFor(tenant))
}

func TestMemoryAppendUnknownChat(t *testing.T) {
	_, err := NewMemoryStore().AppendMessage(context.Background(), AppendMessageInput{ChatID: 99})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestMemoryConcurrentAppendKeepsSeqAndTimeInStep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, _ := store.CreateOrGetChat(ctx, tenant, landlord)

	var clockMu sync.Mutex
	tick := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, AppendMessageInput{
				ChatID: chat.ID, Sender: tenant, Receiver: landlord, Content: "hi", Kind: models.KindText, Clock: clock,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := store.ListChatMessages(ctx, chat.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i-1].Seq, msgs[i].Seq)
		assert.True(t, msgs[i-1].CreatedAt.After(msgs[i].CreatedAt), "seq %d stamped before seq %d", msgs[i-1].Seq, msgs[i].Seq)
	}
}

func TestMemoryMarkSeenRecomputesUnread(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, _ := store.CreateOrGetChat(ctx, tenant, landlord)
	appendText(t, store, chat.ID, tenant, landlord, "one")
	appendText(t, store, chat.ID, tenant, landlord, "two")
	appendText(t, store, chat.ID, landlord, tenant, "reply")

	updated, err := store.MarkSeen(ctx, chat.ID, landlord, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	got, _ := store.GetChat(ctx, chat.ID)
	assert.Equal(t, 0, got.UnreadFor(landlord))
	assert.Equal(t, 1, got.UnreadFor(tenant))

	again, err := store.MarkSeen(ctx, chat.ID, landlord, time.Now())
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestMemoryMarkDeliveredOnlyByReceiver(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, _ := store.CreateOrGetChat(ctx, tenant, landlord)
	msg := appendText(t, store, chat.ID, tenant, landlord, "hi")

	changed, err := store.MarkDelivered(ctx, chat.ID, msg.ID, tenant, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = store.MarkDelivered(ctx, chat.ID, msg.ID, landlord, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = store.MarkSeen(ctx, chat.ID, landlord, time.Now())
	require.NoError(t, err)
	changed, err = store.MarkDelivered(ctx, chat.ID, msg.ID, landlord, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := store.GetMessage(ctx, msg.ID)
	assert.Equal(t, models.StatusSeen, got.Status)
}

func TestMemoryListChatMessagesPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, _ := store.CreateOrGetChat(ctx, tenant, landlord)
	for i := 0; i < 5; i++ {
		appendText(t, store, chat.ID, tenant, landlord, "m")
	}

	page, err := store.ListChatMessages(ctx, chat.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	page, err = store.ListChatMessages(ctx, chat.ID, 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Seq)
}

func TestMemorySoftDeleteRepairsChat(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, _ := store.CreateOrGetChat(ctx, tenant, landlord)
	m1 := appendText(t, store, chat.ID, tenant, landlord, "first")
	m2 := appendText(t, store, chat.ID, tenant, landlord, "second")

	assert.ErrorIs(t, store.SoftDelete(ctx, chat.ID, m2.ID, landlord), ErrMessageNotFound)
	require.NoError(t, store.SoftDelete(ctx, chat.ID, m2.ID, tenant))

	got, _ := store.GetChat(ctx, chat.ID)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, m1.ID, *got.LastMessageID)
	assert.Equal(t, 1, got.UnreadFor(landlord))

	page, _ := store.ListChatMessages(ctx, chat.ID, 0, 10)
	require.Len(t, page, 1)
	assert.Equal(t, m1.ID, page[0].ID)
}

func TestMemoryDeactivateAndReactivate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, _ := store.CreateOrGetChat(ctx, tenant, landlord)
	require.NoError(t, store.SetActive(ctx, chat.ID, false))

	list, err := store.ListChats(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, list)
	counterparts, _ := store.ListCounterparts(ctx, tenant)
	assert.Empty(t, counterparts)

	appendText(t, store, chat.ID, landlord, tenant, "back")
	list, _ = store.ListChats(ctx, tenant)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, store.SetActive(ctx, 404, false), ErrChatNotFound)
}

func TestMemoryReactionsUpsertAndRemove(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetReaction(ctx, models.Reaction{MessageID: 1, User: tenant, Reaction: "👍"}))
	require.NoError(t, store.SetReaction(ctx, models.Reaction{MessageID: 1, User: tenant, Reaction: "❤️"}))
	got, err := store.ListReactions(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, got[1], 1)
	assert.Equal(t, "❤️", got[1][0].Reaction)

	require.NoError(t, store.SetReaction(ctx, models.Reaction{MessageID: 1, User: tenant}))
	got, _ = store.ListReactions(ctx, []int64{1})
	assert.Empty(t, got[1])
}

func TestMemoryProfiles(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.AddProfile(models.Profile{ID: 7, Kind: models.KindTenant, Name: "Ann"})

	p, err := store.GetProfile(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)

	_, err = store.GetProfile(ctx, landlord)
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	store.AutoProfiles = true
	bulk, err := store.BulkProfiles(ctx, []models.ParticipantRef{tenant, landlord})
	require.NoError(t, err)
	assert.Len(t, bulk, 2)
	assert.Equal(t, "landlord 3", bulk[landlord].Name)
}
