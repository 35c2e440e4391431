package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"rental-chat/internal/models"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrSelfChat     = errors.New("cannot create chat with self")
)

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateOrGetChat(ctx context.Context, initiator, target models.ParticipantRef) (models.Chat, error)
	GetChat(ctx context.Context, chatID int64) (models.Chat, error)
	ListChats(ctx context.Context, user models.ParticipantRef) ([]models.Chat, error)
	ListCounterparts(ctx context.Context, user models.ParticipantRef) ([]models.ParticipantRef, error)
	SetActive(ctx context.Context, chatID int64, active bool) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

type chatRow struct {
	ID            int64         `db:"id"`
	User1ID       int64         `db:"user1_id"`
	User1Kind     string        `db:"user1_kind"`
	User2ID       int64         `db:"user2_id"`
	User2Kind     string        `db:"user2_kind"`
	LastMessageID sql.NullInt64 `db:"last_message_id"`
	IsActive      bool          `db:"is_active"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r chatRow) toModel() models.Chat {
	chat := models.Chat{
		ID: r.ID,
		Participants: [2]models.ParticipantRef{
			{ID: r.User1ID, Kind: models.ParticipantKind(r.User1Kind)},
			{ID: r.User2ID, Kind: models.ParticipantKind(r.User2Kind)},
		},
		Unread:    map[string]int{},
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastMessageID.Valid {
		id := r.LastMessageID.Int64
		chat.LastMessageID = &id
	}
	return chat
}

type unreadRow struct {
	ChatID          int64  `db:"chat_id"`
	ParticipantID   int64  `db:"participant_id"`
	ParticipantKind string `db:"participant_kind"`
	UnreadCount     int    `db:"unread_count"`
}

const chatColumns = `id, user1_id, user1_kind, user2_id, user2_kind, last_message_id, is_active, created_at, updated_at`

// CreateOrGetChat returns the chat of the unordered pair, creating it on first use.
// Concurrent callers converge on the same row through the unique pair key.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, initiator, target models.ParticipantRef) (models.Chat, error) {
	if initiator == target {
		return models.Chat{}, ErrSelfChat
	}
	key := models.PairKey(initiator, target)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO chats (user1_id, user1_kind, user2_id, user2_kind, pair_key)
        VALUES ($1, $2, $3, $4, $5) ON CONFLICT (pair_key) DO NOTHING`,
		initiator.ID, initiator.Kind, target.ID, target.Kind, key); err != nil {
		return models.Chat{}, fmt.Errorf("insert chat: %w", err)
	}

	var row chatRow
	if err := tx.GetContext(ctx, &row, `SELECT `+chatColumns+` FROM chats WHERE pair_key=$1 FOR UPDATE`, key); err != nil {
		return models.Chat{}, fmt.Errorf("load chat: %w", err)
	}

	for _, p := range []models.ParticipantRef{initiator, target} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_participants (chat_id, participant_id, participant_kind)
            VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, row.ID, p.ID, p.Kind); err != nil {
			return models.Chat{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if !row.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET is_active = TRUE WHERE id=$1`, row.ID); err != nil {
			return models.Chat{}, err
		}
		row.IsActive = true
	}

	if err := tx.Commit(); err != nil {
		return models.Chat{}, err
	}

	chat := row.toModel()
	if err := r.loadUnread(ctx, map[int64]*models.Chat{chat.ID: &chat}); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int64) (models.Chat, error) {
	var row chatRow
	err := r.db.GetContext(ctx, &row, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	chat := row.toModel()
	if err := r.loadUnread(ctx, map[int64]*models.Chat{chat.ID: &chat}); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// ListChats returns the active chats of the user, most recently updated first.
func (r *ChatRepo) ListChats(ctx context.Context, user models.ParticipantRef) ([]models.Chat, error) {
	query := `SELECT c.id, c.user1_id, c.user1_kind, c.user2_id, c.user2_kind, c.last_message_id, c.is_active, c.created_at, c.updated_at
        FROM chats c
        JOIN chat_participants cp ON cp.chat_id = c.id
        WHERE cp.participant_kind=$1 AND cp.participant_id=$2 AND c.is_active = TRUE
        ORDER BY c.updated_at DESC, c.id DESC`
	var rows []chatRow
	if err := r.db.SelectContext(ctx, &rows, query, user.Kind, user.ID); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, len(rows))
	byID := make(map[int64]*models.Chat, len(rows))
	for i, row := range rows {
		chats[i] = row.toModel()
		byID[row.ID] = &chats[i]
	}
	if err := r.loadUnread(ctx, byID); err != nil {
		return nil, err
	}
	return chats, nil
}

// ListCounterparts returns every participant sharing an active chat with the user.
func (r *ChatRepo) ListCounterparts(ctx context.Context, user models.ParticipantRef) ([]models.ParticipantRef, error) {
	query := `SELECT DISTINCT other.participant_id, other.participant_kind
        FROM chat_participants me
        JOIN chats c ON c.id = me.chat_id AND c.is_active = TRUE
        JOIN chat_participants other ON other.chat_id = me.chat_id
            AND NOT (other.participant_kind = me.participant_kind AND other.participant_id = me.participant_id)
        WHERE me.participant_kind=$1 AND me.participant_id=$2`
	rows, err := r.db.QueryxContext(ctx, query, user.Kind, user.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []models.ParticipantRef
	for rows.Next() {
		var (
			id   int64
			kind string
		)
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, err
		}
		refs = append(refs, models.ParticipantRef{ID: id, Kind: models.ParticipantKind(kind)})
	}
	return refs, rows.Err()
}

// SetActive flips the active flag. Chats are never hard-deleted.
func (r *ChatRepo) SetActive(ctx context.Context, chatID int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chats SET is_active=$2 WHERE id=$1`, chatID, active)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (r *ChatRepo) loadUnread(ctx context.Context, chats map[int64]*models.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(chats))
	for id := range chats {
		ids = append(ids, id)
	}
	query, args, err := sqlx.In(`SELECT chat_id, participant_id, participant_kind, unread_count
        FROM chat_participants WHERE chat_id IN (?)`, ids)
	if err != nil {
		return err
	}
	var rows []unreadRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return err
	}
	for _, row := range rows {
		ref := models.ParticipantRef{ID: row.ParticipantID, Kind: models.ParticipantKind(row.ParticipantKind)}
		chats[row.ChatID].Unread[ref.String()] = row.UnreadCount
	}
	return nil
}
