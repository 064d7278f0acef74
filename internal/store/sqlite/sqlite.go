package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema or seed data.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; this also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// ==== UserStore implementation ====

// UpsertUser inserts the user, or refreshes last_seen_at if it already exists.
// Profile fields of an existing user are left untouched.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *store.User) (*store.User, error) {
	query := `
		INSERT INTO users (id, name, email, avatar_url, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at
		RETURNING id, name, email, avatar_url, created_at, last_seen_at
	`
	var (
		user              store.User
		created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, query,
		u.ID, u.Name, u.Email, u.AvatarURL, toNanos(u.CreatedAt), toNanos(u.LastSeenAt),
	).Scan(&user.ID, &user.Name, &user.Email, &user.AvatarURL, &created, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	user.CreatedAt = fromNanos(created)
	user.LastSeenAt = fromNanos(lastSeen)
	return &user, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	query := `
		SELECT id, name, email, avatar_url, created_at, last_seen_at
		FROM users
		WHERE id = ?
	`
	var (
		user              store.User
		created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Name, &user.Email, &user.AvatarURL, &created, &lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, store.ErrUserNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.CreatedAt = fromNanos(created)
	user.LastSeenAt = fromNanos(lastSeen)
	return &user, nil
}

// ListUsers lists every user except excludeID.
func (s *SQLiteStore) ListUsers(ctx context.Context, excludeID string) ([]*store.User, error) {
	query := `
		SELECT id, name, email, avatar_url, created_at, last_seen_at
		FROM users
		WHERE id <> ?
		ORDER BY name COLLATE NOCASE ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, excludeID)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]*store.User, 0)
	for rows.Next() {
		var (
			user              store.User
			created, lastSeen int64
		)
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.AvatarURL, &created, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.CreatedAt = fromNanos(created)
		user.LastSeenAt = fromNanos(lastSeen)
		users = append(users, &user)
	}

	return users, rows.Err()
}

// ==== ConversationStore implementation ====

// CreateConversation inserts a conversation and its participant snapshots in one transaction.
// The unique direct_key makes this a compare-and-create: a concurrent winner yields ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *store.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op
	}()

	query := `
		INSERT INTO conversations (id, direct_key, last_message, last_message_at, last_message_sender, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(direct_key) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		c.ID, c.DirectKey, c.LastMessage, toNanos(c.LastMessageAt), c.LastMessageSender, toNanos(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("direct key %s: %w", c.DirectKey, store.ErrDuplicateConversation)
	}

	participantQuery := `
		INSERT INTO conversation_participants (conversation_id, user_id, position, name, email, avatar_url)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for i, userID := range c.Participants {
		p := c.Details[userID]
		if _, err := tx.ExecContext(ctx, participantQuery, c.ID, userID, i, p.Name, p.Email, p.AvatarURL); err != nil {
			return fmt.Errorf("insert participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const conversationColumns = `id, direct_key, last_message, last_message_at, last_message_sender, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		c                 store.Conversation
		lastAt, createdAt int64
	)
	if err := row.Scan(&c.ID, &c.DirectKey, &c.LastMessage, &lastAt, &c.LastMessageSender, &createdAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = fromNanos(lastAt)
	c.CreatedAt = fromNanos(createdAt)
	c.Details = make(map[string]store.Participant, 2)
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	return s.getConversation(ctx, query, id)
}

// GetConversationByDirectKey retrieves a conversation by its direct key.
func (s *SQLiteStore) GetConversationByDirectKey(ctx context.Context, directKey string) (*store.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE direct_key = ?`
	return s.getConversation(ctx, query, directKey)
}

func (s *SQLiteStore) getConversation(ctx context.Context, query, arg string) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", arg, store.ErrConversationNotFound)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if err := s.loadParticipants(ctx, []*store.Conversation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations lists a user's conversations ordered by last activity, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	query := `
		SELECT c.id, c.direct_key, c.last_message, c.last_message_at, c.last_message_sender, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC, c.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	convs := make([]*store.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	// Release the only connection before loading participants.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	if err := s.loadParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, convs []*store.Conversation) error {
	query := `
		SELECT user_id, name, email, avatar_url
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position ASC
	`
	for _, c := range convs {
		rows, err := s.db.QueryContext(ctx, query, c.ID)
		if err != nil {
			return fmt.Errorf("query participants: %w", err)
		}
		for rows.Next() {
			var p store.Participant
			if err := rows.Scan(&p.UserID, &p.Name, &p.Email, &p.AvatarURL); err != nil {
				rows.Close()
				return fmt.Errorf("scan participant: %w", err)
			}
			c.Participants = append(c.Participants, p.UserID)
			c.Details[p.UserID] = p
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate participants: %w", err)
		}
		rows.Close()
	}
	return nil
}

// TouchConversation updates the last message preview unless a newer one is already stored.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id, preview string, at time.Time, senderID string) (bool, error) {
	query := `
		UPDATE conversations
		SET last_message = ?, last_message_at = ?, last_message_sender = ?
		WHERE id = ? AND last_message_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query, preview, toNanos(at), senderID, id, toNanos(at))
	if err != nil {
		return false, fmt.Errorf("touch conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ==== MessageStore implementation ====

// InsertMessage persists a message in a single statement and sets its ID.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *store.Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, sender_name, sender_avatar_url, body, client_msg_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	var clientID sql.NullString
	if msg.ClientMsgID != "" {
		clientID = sql.NullString{String: msg.ClientMsgID, Valid: true}
	}
	result, err := s.db.ExecContext(ctx, query,
		msg.ConversationID, msg.SenderID, msg.SenderName, msg.SenderAvatarURL,
		msg.Body, clientID, msg.Read, toNanos(msg.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("client message %s: %w", msg.ClientMsgID, store.ErrDuplicateMessage)
		}
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	msg.ID = id
	return nil
}

const messageColumns = `id, conversation_id, sender_id, sender_name, sender_avatar_url, body, client_msg_id, read, created_at`

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		msg      store.Message
		clientID sql.NullString
		created  int64
	)
	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.SenderAvatarURL,
		&msg.Body, &clientID, &msg.Read, &created,
	); err != nil {
		return nil, err
	}
	msg.ClientMsgID = clientID.String
	msg.CreatedAt = fromNanos(created)
	return &msg, nil
}

// GetMessageByClientID retrieves a message by the sender's client message id.
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (*store.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND client_msg_id = ?
	`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID, senderID, clientMsgID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrMessageNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// LastMessageTime returns the newest message timestamp in the conversation, or zero time.
func (s *SQLiteStore) LastMessageTime(ctx context.Context, conversationID string) (time.Time, error) {
	query := `SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("query last message time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return fromNanos(last.Int64), nil
}

// ListMessagesAfter returns up to limit messages strictly after the cursor in (created_at, id) order.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, conversationID string, after *store.Cursor, limit int) ([]*store.Message, error) {
	var (
		query string
		args  []any
	)

	if after != nil {
		at := toNanos(after.At)
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`
		args = []any{conversationID, at, at, after.ID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`
		args = []any{conversationID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkRead flags unread messages from the other participant up to uptoID.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error) {
	query := `
		UPDATE messages
		SET read = 1
		WHERE conversation_id = ? AND id <= ? AND sender_id <> ? AND read = 0
	`
	result, err := s.db.ExecContext(ctx, query, conversationID, uptoID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return affected, nil
}
