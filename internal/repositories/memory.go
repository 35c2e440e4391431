package repositories

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"rental-chat/internal/models"
)

// MemoryStore keeps chats, messages and profiles in process memory.
// It backs STORE=memory for local development and the service tests, and
// follows the same rules as the Postgres repositories: unique pair key,
// per-chat seq, atomic unread increment and derived unread reset.
type MemoryStore struct {
	// AutoProfiles makes unknown participants resolve to a generated profile.
	AutoProfiles bool

	mu        sync.Mutex
	nextChat  int64
	nextMsg   int64
	chats     map[int64]*memChat
	byPair    map[string]int64
	messages  map[int64]*models.Message
	reactions map[int64]map[models.ParticipantRef]models.Reaction
	profiles  map[models.ParticipantRef]models.Profile
}

var (
	_ ChatRepository      = (*MemoryStore)(nil)
	_ MessageRepository   = (*MemoryStore)(nil)
	_ DirectoryRepository = (*MemoryStore)(nil)
	_ ChatRepository      = (*ChatRepo)(nil)
	_ MessageRepository   = (*MessageRepo)(nil)
	_ DirectoryRepository = (*DirectoryRepo)(nil)
)

type memChat struct {
	chat    models.Chat
	nextSeq int64
	msgIDs  []int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:     map[int64]*memChat{},
		byPair:    map[string]int64{},
		messages:  map[int64]*models.Message{},
		reactions: map[int64]map[models.ParticipantRef]models.Reaction{},
		profiles:  map[models.ParticipantRef]models.Profile{},
	}
}

// AddProfile registers a participant in the directory.
func (s *MemoryStore) AddProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Ref()] = p
}

func (s *MemoryStore) CreateOrGetChat(ctx context.Context, initiator, target models.ParticipantRef) (models.Chat, error) {
	if initiator == target {
		return models.Chat{}, ErrSelfChat
	}
	if err := ctx.Err(); err != nil {
		return models.Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PairKey(initiator, target)
	if id, ok := s.byPair[key]; ok {
		c := s.chats[id]
		c.chat.IsActive = true
		return copyChat(c.chat), nil
	}

	s.nextChat++
	now := time.Now().UTC()
	c := &memChat{
		chat: models.Chat{
			ID:           s.nextChat,
			Participants: [2]models.ParticipantRef{initiator, target},
			Unread:       map[string]int{initiator.String(): 0, target.String(): 0},
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		nextSeq: 1,
	}
	s.chats[c.chat.ID] = c
	s.byPair[key] = c.chat.ID
	return copyChat(c.chat), nil
}

func (s *MemoryStore) GetChat(ctx context.Context, chatID int64) (models.Chat, error) {
	if err := ctx.Err(); err != nil {
		return models.Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	return copyChat(c.chat), nil
}

func (s *MemoryStore) ListChats(ctx context.Context, user models.ParticipantRef) ([]models.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := []models.Chat{}
	for _, c := range s.chats {
		if c.chat.IsActive && c.chat.HasParticipant(user) {
			chats = append(chats, copyChat(c.chat))
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID > chats[j].ID
	})
	return chats, nil
}

func (s *MemoryStore) ListCounterparts(ctx context.Context, user models.ParticipantRef) ([]models.ParticipantRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[models.ParticipantRef]struct{}{}
	var refs []models.ParticipantRef
	for _, c := range s.chats {
		if !c.chat.IsActive {
			continue
		}
		other, ok := c.chat.Counterpart(user)
		if !ok {
			continue
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		refs = append(refs, other)
	}
	return refs, nil
}

func (s *MemoryStore) SetActive(ctx context.Context, chatID int64, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	c.chat.IsActive = active
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[in.ChatID]
	if !ok {
		return models.Message{}, ErrChatNotFound
	}
	now := in.now()

	s.nextMsg++
	msg := &models.Message{
		ID:          s.nextMsg,
		ChatID:      in.ChatID,
		Seq:         c.nextSeq,
		Sender:      in.Sender,
		Receiver:    in.Receiver,
		Content:     in.Content,
		Attachments: []string{},
		Status:      models.StatusSent,
		Kind:        in.Kind,
		CreatedAt:   now,
	}
	if in.Attachment != "" {
		msg.Attachments = []string{in.Attachment}
	}
	c.nextSeq++
	c.msgIDs = append(c.msgIDs, msg.ID)
	s.messages[msg.ID] = msg

	id := msg.ID
	c.chat.LastMessageID = &id
	c.chat.UpdatedAt = now
	c.chat.IsActive = true
	if _, ok := c.chat.Unread[in.Receiver.String()]; ok {
		c.chat.Unread[in.Receiver.String()]++
	}
	return copyMessage(msg), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return copyMessage(msg), nil
}

func (s *MemoryStore) GetMessagesByIDs(ctx context.Context, ids []int64) (map[int64]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]models.Message, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out[id] = copyMessage(msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListChatMessages(ctx context.Context, chatID int64, offset, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return []models.Message{}, nil
	}

	out := []models.Message{}
	skipped := 0
	for i := len(c.msgIDs) - 1; i >= 0 && len(out) < limit; i-- {
		msg := s.messages[c.msgIDs[i]]
		if msg.IsDeleted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

func (s *MemoryStore) MarkSeen(ctx context.Context, chatID int64, reader models.ParticipantRef, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return 0, ErrChatNotFound
	}

	var updated int64
	for _, id := range c.msgIDs {
		msg := s.messages[id]
		if msg.Receiver != reader || msg.IsDeleted || msg.Status == models.StatusSeen {
			continue
		}
		msg.Status = models.StatusSeen
		seenAt := at
		msg.SeenAt = &seenAt
		if msg.DeliveredAt == nil {
			deliveredAt := at
			msg.DeliveredAt = &deliveredAt
		}
		updated++
	}
	s.recomputeUnreadLocked(c, reader)
	return updated, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, chatID, messageID int64, receiver models.ParticipantRef, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.ChatID != chatID || msg.Receiver != receiver || msg.IsDeleted || msg.Status != models.StatusSent {
		return false, nil
	}
	msg.Status = models.StatusDelivered
	deliveredAt := at
	msg.DeliveredAt = &deliveredAt
	return true, nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, chatID, messageID int64, sender models.ParticipantRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.ChatID != chatID || msg.Sender != sender || msg.IsDeleted {
		return ErrMessageNotFound
	}
	msg.IsDeleted = true

	c := s.chats[chatID]
	if c.chat.LastMessageID != nil && *c.chat.LastMessageID == messageID {
		c.chat.LastMessageID = nil
		for i := len(c.msgIDs) - 1; i >= 0; i-- {
			if m := s.messages[c.msgIDs[i]]; !m.IsDeleted {
				id := m.ID
				c.chat.LastMessageID = &id
				break
			}
		}
	}
	s.recomputeUnreadLocked(c, msg.Receiver)
	return nil
}

func (s *MemoryStore) SetReaction(ctx context.Context, reaction models.Reaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if reaction.Reaction == "" {
		delete(s.reactions[reaction.MessageID], reaction.User)
		return nil
	}
	if s.reactions[reaction.MessageID] == nil {
		s.reactions[reaction.MessageID] = map[models.ParticipantRef]models.Reaction{}
	}
	s.reactions[reaction.MessageID][reaction.User] = reaction
	return nil
}

func (s *MemoryStore) ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[int64][]models.Reaction{}
	for _, id := range messageIDs {
		for _, re := range s.reactions[id] {
			out[id] = append(out[id], re)
		}
		sort.Slice(out[id], func(i, j int) bool {
			return out[id][i].CreatedAt.Before(out[id][j].CreatedAt)
		})
	}
	return out, nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, ref models.ParticipantRef) (models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return models.Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lookupProfileLocked(ref)
	if !ok {
		return models.Profile{}, ErrParticipantNotFound
	}
	return p, nil
}

func (s *MemoryStore) BulkProfiles(ctx context.Context, refs []models.ParticipantRef) (map[models.ParticipantRef]models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.ParticipantRef]models.Profile, len(refs))
	for _, ref := range refs {
		if p, ok := s.lookupProfileLocked(ref); ok {
			out[ref] = p
		}
	}
	return out, nil
}

func (s *MemoryStore) lookupProfileLocked(ref models.ParticipantRef) (models.Profile, bool) {
	if p, ok := s.profiles[ref]; ok {
		return p, true
	}
	if s.AutoProfiles && ref.Validate() == nil {
		return models.Profile{ID: ref.ID, Kind: ref.Kind, Name: string(ref.Kind) + " " + strconv.FormatInt(ref.ID, 10)}, true
	}
	return models.Profile{}, false
}

func (s *MemoryStore) recomputeUnreadLocked(c *memChat, p models.ParticipantRef) {
	if _, ok := c.chat.Unread[p.String()]; !ok {
		return
	}
	count := 0
	for _, id := range c.msgIDs {
		msg := s.messages[id]
		if msg.Receiver == p && !msg.IsDeleted && msg.Status != models.StatusSeen {
			count++
		}
	}
	c.chat.Unread[p.String()] = count
}

func copyChat(c models.Chat) models.Chat {
	unread := make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	c.Unread = unread
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		c.LastMessageID = &id
	}
	return c
}

func copyMessage(m *models.Message) models.Message {
	out := *m
	out.Attachments = append([]string{}, m.Attachments...)
	out.Reactions = nil
	return out
}
