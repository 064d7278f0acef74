package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection. Requests may be issued concurrently.
type Session struct {
	id            string
	g             *Gateway
	client        *core.Client
	requestScoped bool
	log           *zerolog.Logger

	mu    sync.Mutex
	state State
	user  *store.User
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the authenticated user, or nil.
func (s *Session) User() *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Authenticate verifies token, records the user and makes the session eligible for events.
func (s *Session) Authenticate(ctx context.Context, token string) (*store.User, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateClosed:
		return nil, core.ErrSessionClosed
	case StateAuthenticated:
		return nil, core.ErrAlreadyAuthed
	}

	identity, err := s.g.verifier.Verify(ctx, token)
	if err != nil {
		s.log.Debug().Err(err).Msg("token rejected")
		return nil, err
	}
	user, err := s.g.dir.UpsertUser(ctx, *identity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil, core.ErrSessionClosed
	case StateAuthenticated:
		return nil, core.ErrAlreadyAuthed
	}
	s.client.UserID = user.ID
	s.client.Name = user.Name
	if s.client.Name == "" {
		s.client.Name = user.ID
	}
	if !s.requestScoped {
		s.g.hub.Register(s.client)
	}
	s.state = StateAuthenticated
	s.user = user

	s.log.Info().Str("user_id", user.ID).Msg("session authenticated")
	return user, nil
}

func (s *Session) authed() (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUnauthenticated:
		return nil, core.ErrAuthRequired
	case StateClosed:
		return nil, core.ErrSessionClosed
	default:
		return s.user, nil
	}
}

// Send appends a message. Once accepted it is stored even if ctx is canceled
// or the session closes while the write is in flight.
func (s *Session) Send(ctx context.Context, conversationID, body, clientMsgID string) (*store.Message, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}

	allowed, err := s.g.limiter.Allow(ctx, user.ID)
	if err != nil {
		// Fail open.
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("rate limiter unavailable")
		allowed = true
	}
	if !allowed {
		metrics.RateLimitHits.Inc()
		return nil, core.ErrRateLimited
	}

	return s.g.msgs.Append(context.WithoutCancel(ctx), conversationID, user.ID, body, clientMsgID)
}

// StartDirectConversation returns the conversation with otherUserID, creating it if needed.
func (s *Session) StartDirectConversation(ctx context.Context, otherUserID string) (*store.Conversation, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}
	return s.g.dir.GetOrCreateDirect(ctx, user.ID, otherUserID)
}

// SubscribeToConversation starts pushing the conversation's events to this session.
func (s *Session) SubscribeToConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}
	conv, err := s.g.dir.Member(ctx, conversationID, user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.g.hub.Subscribe(s.id, conversationID); err != nil {
		return nil, s.hubErr(err)
	}
	return conv, nil
}

// UnsubscribeFromConversation stops pushing the conversation's events.
func (s *Session) UnsubscribeFromConversation(conversationID string) error {
	if _, err := s.authed(); err != nil {
		return err
	}
	s.g.hub.Unsubscribe(s.id, conversationID)
	return nil
}

// SubscribeToConversationList starts pushing updates of the user's conversation list
// and returns its current state. Updates racing with the snapshot may arrive twice.
func (s *Session) SubscribeToConversationList(ctx context.Context) ([]*store.Conversation, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}
	if err := s.g.hub.SubscribeUser(s.id, user.ID); err != nil {
		return nil, s.hubErr(err)
	}
	return s.g.dir.ListForUser(ctx, user.ID)
}

// MarkRead marks the other participant's messages up to uptoID as read.
func (s *Session) MarkRead(ctx context.Context, conversationID string, uptoID int64) (int64, error) {
	user, err := s.authed()
	if err != nil {
		return 0, err
	}
	return s.g.msgs.MarkRead(ctx, conversationID, user.ID, uptoID)
}

// History returns up to limit messages strictly after the cursor, oldest first.
// limit <= 0 or above the configured maximum is clamped to the maximum.
func (s *Session) History(ctx context.Context, conversationID string, after *store.Cursor, limit int) ([]*store.Message, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}
	if _, err := s.g.dir.Member(ctx, conversationID, user.ID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.g.opts.HistoryLimit {
		limit = s.g.opts.HistoryLimit
	}
	return s.g.msgs.Page(ctx, conversationID, after, limit)
}

// ListConversations returns the user's conversations, most recent first.
func (s *Session) ListConversations(ctx context.Context) ([]*store.Conversation, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}
	return s.g.dir.ListForUser(ctx, user.ID)
}

// ListUsers returns every other known user.
func (s *Session) ListUsers(ctx context.Context) ([]*store.User, error) {
	user, err := s.authed()
	if err != nil {
		return nil, err
	}
	return s.g.dir.ListUsers(ctx, user.ID)
}

// Logout ends an authenticated session.
func (s *Session) Logout() error {
	if _, err := s.authed(); err != nil {
		return err
	}
	s.Close()
	return nil
}

// Next blocks until the next event for this session is available.
func (s *Session) Next(ctx context.Context) (*core.Event, error) {
	return s.client.Next(ctx)
}

// Done is closed when the session stops receiving events.
func (s *Session) Done() <-chan struct{} {
	return s.client.Done()
}

// Err reports core.ErrSlowConsumer if the session was dropped for falling behind.
func (s *Session) Err() error {
	return s.client.Err()
}

// Close tears the session's subscriptions down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasAuthed := s.state == StateAuthenticated
	s.state = StateClosed
	s.mu.Unlock()

	if wasAuthed && !s.requestScoped {
		s.g.hub.Unregister(s.client)
	} else {
		s.client.Close()
	}
	s.log.Debug().Msg("session closed")
}

func (s *Session) hubErr(err error) error {
	if errors.Is(err, core.ErrUnknownSubscriber) {
		return core.ErrSessionClosed
	}
	return err
}
