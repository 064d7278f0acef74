package core

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Hub tracks live clients and their subscriptions, and fans events out to them.
//
// Publishing only appends to per-client outboxes, so it never waits on network I/O.
// Events published for one conversation reach each client in publish order.
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	conversations map[string]map[string]*Client  // conversationID -> clientID -> client
	lists         map[string]map[string]*Client  // userID -> clientID -> client
	topics        map[string]map[string]struct{} // clientID -> conversationIDs
	listOwner     map[string]string              // clientID -> userID of the subscribed list

	log *zerolog.Logger
}

// NewHub creates a new hub instance.
func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		clients:       make(map[string]*Client),
		conversations: make(map[string]map[string]*Client),
		lists:         make(map[string]map[string]*Client),
		topics:        make(map[string]map[string]struct{}),
		listOwner:     make(map[string]string),
		log:           logger,
	}
}

// Register makes a client eligible for subscriptions.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if _, exists := h.clients[c.ID]; !exists {
		h.clients[c.ID] = c
		h.topics[c.ID] = make(map[string]struct{})
		metrics.ActiveSessions.Inc()
	}
	h.mu.Unlock()

	h.log.Debug().Str("session_id", c.ID).Str("user_id", c.UserID).Msg("client registered")
}

// Unregister drops every subscription of the client, forgets it and closes it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	h.unsubscribeAllLocked(c.ID)
	if _, exists := h.clients[c.ID]; exists {
		delete(h.clients, c.ID)
		delete(h.topics, c.ID)
		metrics.ActiveSessions.Dec()
	}
	h.mu.Unlock()

	c.Close()

	h.log.Debug().Str("session_id", c.ID).Msg("client unregistered")
}

// Subscribe binds a registered client to a conversation. Subscribing twice is a no-op.
func (h *Hub) Subscribe(clientID, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return ErrUnknownSubscriber
	}

	subs := h.conversations[conversationID]
	if subs == nil {
		subs = make(map[string]*Client)
		h.conversations[conversationID] = subs
	}
	subs[clientID] = c
	h.topics[clientID][conversationID] = struct{}{}
	return nil
}

// Unsubscribe removes a single conversation binding.
func (h *Hub) Unsubscribe(clientID, conversationID string) {
	h.mu.Lock()
	h.leaveLocked(clientID, conversationID)
	h.mu.Unlock()
}

// SubscribeUser binds a registered client to the conversation list of userID.
func (h *Hub) SubscribeUser(clientID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return ErrUnknownSubscriber
	}
	if prev, ok := h.listOwner[clientID]; ok && prev != userID {
		h.leaveListLocked(clientID)
	}

	subs := h.lists[userID]
	if subs == nil {
		subs = make(map[string]*Client)
		h.lists[userID] = subs
	}
	subs[clientID] = c
	h.listOwner[clientID] = userID
	return nil
}

// UnsubscribeAll removes every binding of the client but keeps it registered.
func (h *Hub) UnsubscribeAll(clientID string) {
	h.mu.Lock()
	h.unsubscribeAllLocked(clientID)
	h.mu.Unlock()
}

// ClientCount returns how many clients are registered.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients are subscribed to a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[conversationID])
}

// PublishMessage queues a MessageAppended event for every subscriber of the
// message's conversation, including the sender's own sessions.
func (h *Hub) PublishMessage(msg *store.Message) {
	h.publishConversation(msg.ConversationID, &Event{
		Kind:           EventMessageAppended,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
}

// PublishRead queues a MessagesRead event for every subscriber of the conversation.
func (h *Hub) PublishRead(conversationID, readerID string, uptoID int64) {
	h.publishConversation(conversationID, &Event{
		Kind:           EventMessagesRead,
		ConversationID: conversationID,
		Read:           &ReadReceipt{ReaderID: readerID, UptoID: uptoID},
	})
}

// PublishConversationUpdate queues a ConversationUpdated event for every client
// subscribed to either participant's conversation list.
func (h *Hub) PublishConversationUpdate(conv *store.Conversation) {
	ev := &Event{
		Kind:           EventConversationUpdated,
		ConversationID: conv.ID,
		Conversation:   conv,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{}, 4)
	for _, userID := range conv.Participants {
		for id, c := range h.lists[userID] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			h.deliver(c, ev)
		}
	}
}

func (h *Hub) publishConversation(conversationID string, ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conversations[conversationID] {
		h.deliver(c, ev)
	}
}

func (h *Hub) deliver(c *Client, ev *Event) {
	err := c.deliver(ev)
	switch {
	case err == nil:
		metrics.EventsDelivered.WithLabelValues(ev.Kind.String()).Inc()
	case errors.Is(err, ErrSlowConsumer):
		metrics.DeliveryFailures.WithLabelValues("slow_consumer").Inc()
		h.log.Warn().Str("session_id", c.ID).Str("event", ev.Kind.String()).Msg("dropping slow consumer")
	default:
		// Closed sessions recover through cursor-based resync; nothing to retry.
		metrics.DeliveryFailures.WithLabelValues("closed").Inc()
		h.log.Debug().Err(err).Str("session_id", c.ID).Str("event", ev.Kind.String()).Msg("event not delivered")
	}
}

func (h *Hub) unsubscribeAllLocked(clientID string) {
	for conversationID := range h.topics[clientID] {
		h.leaveLocked(clientID, conversationID)
	}
	h.leaveListLocked(clientID)
}

func (h *Hub) leaveLocked(clientID, conversationID string) {
	if subs := h.conversations[conversationID]; subs != nil {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.conversations, conversationID)
		}
	}
	if topics := h.topics[clientID]; topics != nil {
		delete(topics, conversationID)
	}
}

func (h *Hub) leaveListLocked(clientID string) {
	userID, ok := h.listOwner[clientID]
	if !ok {
		return
	}
	delete(h.listOwner, clientID)
	if subs := h.lists[userID]; subs != nil {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.lists, userID)
		}
	}
}
