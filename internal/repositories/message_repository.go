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

var ErrMessageNotFound = errors.New("message not found")

// AppendMessageInput describes a message to persist in an existing chat.
type AppendMessageInput struct {
	ChatID     int64
	Sender     models.ParticipantRef
	Receiver   models.ParticipantRef
	Content    string
	Attachment string
	Kind       models.MessageKind
	// Clock stamps created_at. It is read while the chat is locked so that
	// created_at never runs backwards against seq. Nil means time.Now.
	Clock func() time.Time
}

func (in AppendMessageInput) now() time.Time {
	if in.Clock == nil {
		return time.Now().UTC()
	}
	return in.Clock()
}

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	GetMessagesByIDs(ctx context.Context, ids []int64) (map[int64]models.Message, error)
	ListChatMessages(ctx context.Context, chatID int64, offset, limit int) ([]models.Message, error)
	MarkSeen(ctx context.Context, chatID int64, reader models.ParticipantRef, at time.Time) (int64, error)
	MarkDelivered(ctx context.Context, chatID, messageID int64, receiver models.ParticipantRef, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, chatID, messageID int64, sender models.ParticipantRef) error
	SetReaction(ctx context.Context, reaction models.Reaction) error
	ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.Reaction, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID           int64          `db:"id"`
	ChatID       int64          `db:"chat_id"`
	Seq          int64          `db:"seq"`
	SenderID     int64          `db:"sender_id"`
	SenderKind   string         `db:"sender_kind"`
	ReceiverID   int64          `db:"receiver_id"`
	ReceiverKind string         `db:"receiver_kind"`
	Content      string         `db:"content"`
	Attachment   sql.NullString `db:"attachment"`
	Status       string         `db:"status"`
	Kind         string         `db:"kind"`
	IsDeleted    bool           `db:"is_deleted"`
	DeliveredAt  sql.NullTime   `db:"delivered_at"`
	SeenAt       sql.NullTime   `db:"seen_at"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r messageRow) toModel() models.Message {
	msg := models.Message{
		ID:          r.ID,
		ChatID:      r.ChatID,
		Seq:         r.Seq,
		Sender:      models.ParticipantRef{ID: r.SenderID, Kind: models.ParticipantKind(r.SenderKind)},
		Receiver:    models.ParticipantRef{ID: r.ReceiverID, Kind: models.ParticipantKind(r.ReceiverKind)},
		Content:     r.Content,
		Attachments: []string{},
		Status:      models.MessageStatus(r.Status),
		Kind:        models.MessageKind(r.Kind),
		IsDeleted:   r.IsDeleted,
		CreatedAt:   r.CreatedAt,
	}
	if r.Attachment.Valid && r.Attachment.String != "" {
		msg.Attachments = []string{r.Attachment.String}
	}
	if r.DeliveredAt.Valid {
		t := r.DeliveredAt.Time
		msg.DeliveredAt = &t
	}
	if r.SeenAt.Valid {
		t := r.SeenAt.Time
		msg.SeenAt = &t
	}
	return msg
}

const messageColumns = `id, chat_id, seq, sender_id, sender_kind, receiver_id, receiver_kind, content, attachment, status, kind, is_deleted, delivered_at, seen_at, created_at`

// AppendMessage stores a message, allocating the next per-chat sequence number,
// moving the chat's last message pointer and bumping the receiver's unread counter
// in one transaction. The chat row lock serializes concurrent senders.
func (r *MessageRepo) AppendMessage(ctx context.Context, in AppendMessageInput) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowxContext(ctx, `UPDATE chats SET next_seq = next_seq + 1 WHERE id=$1 RETURNING next_seq - 1`, in.ChatID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrChatNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("allocate seq: %w", err)
	}
	now := in.now()

	attachment := sql.NullString{String: in.Attachment, Valid: in.Attachment != ""}
	var row messageRow
	if err := tx.QueryRowxContext(ctx, `INSERT INTO messages
        (chat_id, seq, sender_id, sender_kind, receiver_id, receiver_kind, content, attachment, status, kind, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING `+messageColumns,
		in.ChatID, seq, in.Sender.ID, in.Sender.Kind, in.Receiver.ID, in.Receiver.Kind,
		in.Content, attachment, models.StatusSent, in.Kind, now).StructScan(&row); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_message_id=$2, updated_at=$3, is_active=TRUE WHERE id=$1`,
		in.ChatID, row.ID, now); err != nil {
		return models.Message{}, fmt.Errorf("update chat: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chat_participants SET unread_count = unread_count + 1
        WHERE chat_id=$1 AND participant_kind=$2 AND participant_id=$3`,
		in.ChatID, in.Receiver.Kind, in.Receiver.ID); err != nil {
		return models.Message{}, fmt.Errorf("increment unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// GetMessagesByIDs loads messages keyed by id; missing ids are absent from the map.
func (r *MessageRepo) GetMessagesByIDs(ctx context.Context, ids []int64) (map[int64]models.Message, error) {
	out := make(map[int64]models.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+messageColumns+` FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row.toModel()
	}
	return out, nil
}

// ListChatMessages returns non-deleted messages newest first.
func (r *MessageRepo) ListChatMessages(ctx context.Context, chatID int64, offset, limit int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE chat_id=$1 AND is_deleted = FALSE
        ORDER BY seq DESC
        LIMIT $2 OFFSET $3`, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs, nil
}

// MarkSeen moves every inbound unseen message of the reader to seen and
// recomputes the reader's unread counter from message statuses.
func (r *MessageRepo) MarkSeen(ctx context.Context, chatID int64, reader models.ParticipantRef, at time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE messages
        SET status=$4, seen_at=$5, delivered_at=COALESCE(delivered_at, $5)
        WHERE chat_id=$1 AND receiver_kind=$2 AND receiver_id=$3 AND status <> $4 AND is_deleted = FALSE`,
		chatID, reader.Kind, reader.ID, models.StatusSeen, at)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := recomputeUnread(ctx, tx, chatID, reader); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

// MarkDelivered advances a single message from sent to delivered when the
// caller is its receiver. It reports whether the row changed.
func (r *MessageRepo) MarkDelivered(ctx context.Context, chatID, messageID int64, receiver models.ParticipantRef, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status=$5, delivered_at=$6
        WHERE id=$1 AND chat_id=$2 AND receiver_kind=$3 AND receiver_id=$4 AND status=$7 AND is_deleted = FALSE`,
		messageID, chatID, receiver.Kind, receiver.ID, models.StatusDelivered, at, models.StatusSent)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SoftDelete hides a message sent by sender and repairs the chat pointers.
func (r *MessageRepo) SoftDelete(ctx context.Context, chatID, messageID int64, sender models.ParticipantRef) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var receiverID int64
	var receiverKind string
	err = tx.QueryRowxContext(ctx, `UPDATE messages SET is_deleted = TRUE
        WHERE id=$1 AND chat_id=$2 AND sender_kind=$3 AND sender_id=$4 AND is_deleted = FALSE
        RETURNING receiver_id, receiver_kind`, messageID, chatID, sender.Kind, sender.ID).Scan(&receiverID, &receiverKind)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_message_id = (
            SELECT id FROM messages WHERE chat_id=$1 AND is_deleted = FALSE ORDER BY seq DESC LIMIT 1)
        WHERE id=$1 AND last_message_id=$2`, chatID, messageID); err != nil {
		return err
	}

	receiver := models.ParticipantRef{ID: receiverID, Kind: models.ParticipantKind(receiverKind)}
	if err := recomputeUnread(ctx, tx, chatID, receiver); err != nil {
		return err
	}
	return tx.Commit()
}

// SetReaction stores the participant's reaction; an empty reaction removes it.
func (r *MessageRepo) SetReaction(ctx context.Context, reaction models.Reaction) error {
	if reaction.Reaction == "" {
		_, err := r.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_kind=$2 AND user_id=$3`,
			reaction.MessageID, reaction.User.Kind, reaction.User.ID)
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, user_kind, reaction, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (message_id, user_kind, user_id) DO UPDATE SET reaction = EXCLUDED.reaction, created_at = EXCLUDED.created_at`,
		reaction.MessageID, reaction.User.ID, reaction.User.Kind, reaction.Reaction, reaction.CreatedAt)
	return err
}

// ListReactions loads reactions grouped by message id.
func (r *MessageRepo) ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.Reaction, error) {
	out := map[int64][]models.Reaction{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT message_id, user_id, user_kind, reaction, created_at
        FROM message_reactions WHERE message_id IN (?) ORDER BY created_at ASC`, messageIDs)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			re   models.Reaction
			kind string
		)
		if err := rows.Scan(&re.MessageID, &re.User.ID, &kind, &re.Reaction, &re.CreatedAt); err != nil {
			return nil, err
		}
		re.User.Kind = models.ParticipantKind(kind)
		out[re.MessageID] = append(out[re.MessageID], re)
	}
	return out, rows.Err()
}

func recomputeUnread(ctx context.Context, tx *sqlx.Tx, chatID int64, p models.ParticipantRef) error {
	_, err := tx.ExecContext(ctx, `UPDATE chat_participants SET unread_count = (
            SELECT COUNT(*) FROM messages
            WHERE chat_id=$1 AND receiver_kind=$2 AND receiver_id=$3 AND status <> $4 AND is_deleted = FALSE)
        WHERE chat_id=$1 AND participant_kind=$2 AND participant_id=$3`,
		chatID, p.Kind, p.ID, models.StatusSeen)
	if err != nil {
		return fmt.Errorf("recompute unread: %w", err)
	}
	return nil
}
