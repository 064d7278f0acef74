package core

import "github.com/vovakirdan/wirechat-relay/internal/store"

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventMessageAppended notifies subscribers of a conversation about a new message.
	EventMessageAppended EventKind = iota
	// EventConversationUpdated notifies conversation list subscribers about metadata changes.
	EventConversationUpdated
	// EventMessagesRead notifies subscribers of a conversation that messages were read.
	EventMessagesRead
)

func (k EventKind) String() string {
	switch k {
	case EventMessageAppended:
		return "message_appended"
	case EventConversationUpdated:
		return "conversation_updated"
	case EventMessagesRead:
		return "messages_read"
	default:
		return "unknown"
	}
}

// Event is sent to clients to describe what happened in the system.
// Payload pointers are shared between all recipients and must not be mutated.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        *store.Message      // EventMessageAppended
	Conversation   *store.Conversation // EventConversationUpdated
	Read           *ReadReceipt        // EventMessagesRead
}

// ReadReceipt describes a MarkRead that changed state.
type ReadReceipt struct {
	ReaderID string
	UptoID   int64
}
