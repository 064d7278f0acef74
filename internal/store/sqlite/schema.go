package sqlite

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix nanoseconds so ordering survives the round trip exactly.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id                  TEXT PRIMARY KEY,
	direct_key          TEXT NOT NULL UNIQUE,
	last_message        TEXT NOT NULL DEFAULT '',
	last_message_at     INTEGER NOT NULL,
	last_message_sender TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	position        INTEGER NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	avatar_url      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (conversation_id, user_id),
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id   TEXT NOT NULL,
	sender_id         TEXT NOT NULL,
	sender_name       TEXT NOT NULL DEFAULT '',
	sender_avatar_url TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL,
	client_msg_id     TEXT,
	read              BOOLEAN NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);
CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_message_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_messages_order ON messages(conversation_id, created_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id ON messages(conversation_id, sender_id, client_msg_id);
`

// Migrate applies the schema. It is safe to run on every start.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
