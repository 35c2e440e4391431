package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the database and applies the bootstrap schema.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// The tenants and landlords tables belong to the identity store and are only read here.
func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chats (
            id BIGSERIAL PRIMARY KEY,
            user1_id BIGINT NOT NULL,
            user1_kind TEXT NOT NULL,
            user2_id BIGINT NOT NULL,
            user2_kind TEXT NOT NULL,
            pair_key TEXT NOT NULL UNIQUE,
            last_message_id BIGINT,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            next_seq BIGINT NOT NULL DEFAULT 1,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
            chat_id BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            participant_id BIGINT NOT NULL,
            participant_kind TEXT NOT NULL,
            unread_count INT NOT NULL DEFAULT 0,
            PRIMARY KEY(chat_id, participant_kind, participant_id)
        );`,
		`CREATE INDEX IF NOT EXISTS chat_participants_member_idx
            ON chat_participants (participant_kind, participant_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            chat_id BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            seq BIGINT NOT NULL,
            sender_id BIGINT NOT NULL,
            sender_kind TEXT NOT NULL,
            receiver_id BIGINT NOT NULL,
            receiver_kind TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            attachment TEXT,
            status TEXT NOT NULL DEFAULT 'sent',
            kind TEXT NOT NULL DEFAULT 'text',
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            delivered_at TIMESTAMPTZ,
            seen_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(chat_id, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS messages_receiver_status_idx
            ON messages (chat_id, receiver_kind, receiver_id, status);`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            user_kind TEXT NOT NULL,
            reaction TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(message_id, user_kind, user_id)
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
