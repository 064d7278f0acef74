package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrUserNotFound is returned when no user has the requested id.
	ErrUserNotFound = errors.New("user not found")
	// ErrConversationNotFound is returned when no conversation has the requested id or key.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDuplicateConversation is returned when a direct conversation for the pair already exists.
	// Callers must treat it as "lost the race" and look the conversation up again.
	ErrDuplicateConversation = errors.New("duplicate conversation")
	// ErrDuplicateMessage is returned when a client message id was already used by the sender.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrMessageNotFound is returned when no message matches the lookup.
	ErrMessageNotFound = errors.New("message not found")
)

// User is an identity known to the server. Profile fields come from the identity provider.
type User struct {
	ID         string
	Name       string
	Email      string
	AvatarURL  string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Participant is the display snapshot of a user taken when a conversation is created.
// It is a cache and is never reconciled with the live user record.
type Participant struct {
	UserID    string
	Name      string
	Email     string
	AvatarURL string
}

// Conversation is a direct chat between exactly two users.
type Conversation struct {
	ID                string
	DirectKey         string // "dm:{minUserID}:{maxUserID}"
	Participants      []string
	Details           map[string]Participant
	LastMessage       string
	LastMessageAt     time.Time
	LastMessageSender string
	CreatedAt         time.Time
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	for _, id := range c.Participants {
		if id != userID {
			return id
		}
	}
	return ""
}

// Message is a persisted chat message. Messages in a conversation are ordered by (CreatedAt, ID).
type Message struct {
	ID              int64
	ConversationID  string
	SenderID        string
	SenderName      string
	SenderAvatarURL string
	Body            string
	ClientMsgID     string
	Read            bool
	CreatedAt       time.Time
}

// DirectKey returns the order-independent key of a user pair.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

// UserStore handles user persistence.
type UserStore interface {
	// UpsertUser inserts the user or, if it exists, only refreshes LastSeenAt.
	UpsertUser(ctx context.Context, u *User) (*User, error)

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*User, error)

	// ListUsers lists every user except excludeID, ordered by name.
	ListUsers(ctx context.Context, excludeID string) ([]*User, error)
}

// ConversationStore handles conversation persistence.
type ConversationStore interface {
	// CreateConversation inserts a conversation and its participants.
	// Returns ErrDuplicateConversation if the direct key is taken.
	CreateConversation(ctx context.Context, c *Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// GetConversationByDirectKey retrieves a conversation by its direct key.
	GetConversationByDirectKey(ctx context.Context, directKey string) (*Conversation, error)

	// ListConversations lists a user's conversations, newest activity first.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// TouchConversation sets the last message preview if at is not older than the stored one.
	// Returns false when nothing was updated.
	TouchConversation(ctx context.Context, id, preview string, at time.Time, senderID string) (bool, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// InsertMessage persists a message and sets its ID.
	// Returns ErrDuplicateMessage if ClientMsgID was already used by the sender in the conversation.
	InsertMessage(ctx context.Context, msg *Message) error

	// GetMessageByClientID retrieves a message by its client-chosen id.
	GetMessageByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (*Message, error)

	// LastMessageTime returns the newest message timestamp in the conversation, or zero time.
	LastMessageTime(ctx context.Context, conversationID string) (time.Time, error)

	// ListMessagesAfter returns up to limit messages strictly after the cursor, ascending.
	ListMessagesAfter(ctx context.Context, conversationID string, after *Cursor, limit int) ([]*Message, error)

	// MarkRead flags messages not sent by readerID with ID <= uptoID as read.
	// Returns the number of messages that changed.
	MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ConversationStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
