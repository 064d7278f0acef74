package proto

import "encoding/json"

// ProtocolVersion is the only WebSocket protocol version the server speaks.
const ProtocolVersion = 1

// Inbound frame types.
const (
	InboundTypeHello             = "hello"
	InboundTypeSend              = "send"
	InboundTypeStartDirect       = "start_direct"
	InboundTypeSubscribe         = "subscribe"
	InboundTypeSubscribeList     = "subscribe_list"
	InboundTypeUnsubscribe       = "unsubscribe"
	InboundTypeMarkRead          = "mark_read"
	InboundTypeHistory           = "history"
	InboundTypeListConversations = "list_conversations"
	InboundTypeListUsers         = "list_users"
	InboundTypeLogout            = "logout"
)

// Outbound frame types.
const (
	OutboundTypeResponse = "response"
	OutboundTypeEvent    = "event"
	OutboundTypeError    = "error"
)

// Push event names.
const (
	EventMessageAppended     = "message_appended"
	EventConversationUpdated = "conversation_updated"
	EventMessagesRead        = "messages_read"
)

// Inbound is the envelope for frames coming from the client.
// ID is chosen by the client and echoed in the matching response or error.
type Inbound struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HelloData authenticates the connection.
type HelloData struct {
	Token    string `json:"token"`
	Protocol int    `json:"protocol,omitempty"`
}

// SendData appends a message to a conversation.
type SendData struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

// StartDirectData opens the direct conversation with another user.
type StartDirectData struct {
	UserID string `json:"user_id"`
}

// ConversationData names a conversation.
type ConversationData struct {
	ConversationID string `json:"conversation_id"`
}

// MarkReadData acknowledges messages up to UptoID.
type MarkReadData struct {
	ConversationID string `json:"conversation_id"`
	UptoID         int64  `json:"upto"`
}

// HistoryData requests messages strictly after the cursor.
type HistoryData struct {
	ConversationID string `json:"conversation_id"`
	After          string `json:"after,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Outbound is the envelope for frames sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// User is the public view of a user.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	LastSeenAt int64  `json:"last_seen_at,omitempty"`
}

// Participant is a participant snapshot stored with a conversation.
type Participant struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is the public view of a direct conversation.
type Conversation struct {
	ID                string        `json:"id"`
	Participants      []Participant `json:"participants"`
	LastMessage       string        `json:"last_message"`
	LastMessageAt     int64         `json:"last_message_at"`
	LastMessageSender string        `json:"last_message_sender,omitempty"`
	CreatedAt         int64         `json:"created_at"`
}

// Message is the public view of a stored message. Timestamps are unix milliseconds.
type Message struct {
	ID              int64  `json:"id"`
	ConversationID  string `json:"conversation_id"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name,omitempty"`
	SenderAvatarURL string `json:"sender_avatar_url,omitempty"`
	Body            string `json:"body"`
	ClientMsgID     string `json:"client_msg_id,omitempty"`
	Read            bool   `json:"read"`
	TS              int64  `json:"ts"`
	Cursor          string `json:"cursor"`
}

// HelloResult answers a successful hello.
type HelloResult struct {
	SessionID string `json:"session_id"`
	Protocol  int    `json:"protocol"`
	User      User   `json:"user"`
}

// HistoryResult carries one page of messages. Next resumes after the last one;
// an empty page means the client is caught up.
type HistoryResult struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Next           string    `json:"next,omitempty"`
}

// MarkReadResult reports how many messages changed.
type MarkReadResult struct {
	Updated int64 `json:"updated"`
}

// ReadReceipt is pushed when the other participant read messages.
type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	UptoID         int64  `json:"upto"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
