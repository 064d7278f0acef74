package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/ratelimit"
	"github.com/vovakirdan/wirechat-relay/internal/service/directory"
	"github.com/vovakirdan/wirechat-relay/internal/service/messages"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
)

var testJWT = &auth.JWTConfig{
	Secret:   []byte("test-secret"),
	Issuer:   "wirechat-test",
	Audience: "wirechat",
	TTL:      time.Hour,
}

type fixture struct {
	gw  *Gateway
	hub *core.Hub
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := core.NewHub(nil)
	dir := directory.New(st, hub, nil)
	msgs := messages.New(st, dir, hub, messages.Config{}, nil)
	gw := NewGateway(auth.NewJWTVerifier(testJWT), dir, msgs, hub, limiter, Options{HistoryLimit: 10}, nil)
	return &fixture{gw: gw, hub: hub}
}

func token(t *testing.T, userID string) string {
	t.Helper()

	tok, err := auth.GenerateToken(testJWT, auth.Identity{UserID: userID, Name: userID})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func (f *fixture) login(t *testing.T, userID string) *Session {
	t.Helper()

	s := f.gw.Open()
	t.Cleanup(s.Close)
	if _, err := s.Authenticate(context.Background(), token(t, userID)); err != nil {
		t.Fatalf("authenticate %s: %v", userID, err)
	}
	return s
}

func mustEvent(t *testing.T, s *Session, kind core.EventKind) *core.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		ev, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("expected event kind %v not received: %v", kind, err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
}

func TestRequestsBeforeAuthenticate(t *testing.T) {
	f := newFixture(t, nil)
	s := f.gw.Open()
	defer s.Close()
	ctx := context.Background()

	calls := map[string]func() error{
		"send":           func() error { _, err := s.Send(ctx, "c", "hi", ""); return err },
		"start":          func() error { _, err := s.StartDirectConversation(ctx, "bob"); return err },
		"subscribe":      func() error { _, err := s.SubscribeToConversation(ctx, "c"); return err },
		"unsubscribe":    func() error { return s.UnsubscribeFromConversation("c") },
		"subscribe list": func() error { _, err := s.SubscribeToConversationList(ctx); return err },
		"mark read":      func() error { _, err := s.MarkRead(ctx, "c", 1); return err },
		"history":        func() error { _, err := s.History(ctx, "c", nil, 0); return err },
		"conversations":  func() error { _, err := s.ListConversations(ctx); return err },
		"users":          func() error { _, err := s.ListUsers(ctx); return err },
		"logout":         s.Logout,
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, core.ErrAuthRequired) {
				t.Fatalf("expected ErrAuthRequired, got %v", err)
			}
		})
	}
}

func TestAuthenticateRejectsInvalidToken(t *testing.T) {
	f := newFixture(t, nil)
	s := f.gw.Open()
	defer s.Close()

	if _, err := s.Authenticate(context.Background(), "garbage"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("expected session to stay unauthenticated, got %v", s.State())
	}

	// A failed attempt does not burn the session.
	if _, err := s.Authenticate(context.Background(), token(t, "alice")); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := s.Authenticate(context.Background(), token(t, "alice")); !errors.Is(err, core.ErrAlreadyAuthed) {
		t.Fatalf("expected ErrAlreadyAuthed, got %v", err)
	}
}

func TestSendSurvivesCanceledContext(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.login(t, "alice")
	f.login(t, "bob")

	conv, err := alice.StartDirectConversation(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartDirectConversation: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := alice.Send(ctx, conv.ID, "still here", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	alice.Close()

	reader := f.login(t, "bob")
	msgs, err := reader.History(context.Background(), conv.ID, nil, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "still here" {
		t.Fatalf("expected stored message, got %+v", msgs)
	}
}

func TestCloseTearsDownSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	conv, err := alice.StartDirectConversation(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartDirectConversation: %v", err)
	}
	if _, err := bob.SubscribeToConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := f.hub.SubscriberCount(conv.ID); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	bob.Close()
	bob.Close()

	if n := f.hub.SubscriberCount(conv.ID); n != 0 {
		t.Fatalf("expected subscriptions to be gone, got %d", n)
	}
	select {
	case <-bob.Done():
	default:
		t.Fatal("expected session event stream to be closed")
	}
	if _, err := bob.ListUsers(context.Background()); !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := bob.Authenticate(context.Background(), token(t, "bob")); !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on authenticate, got %v", err)
	}
}

func TestRequestSessionStaysOutOfHub(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.login(t, "alice")
	f.login(t, "bob")

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("StartDirectConversation: %v", err)
	}
	if _, err := alice.SubscribeToConversation(ctx, conv.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := f.hub.ClientCount(); n != 2 {
		t.Fatalf("expected 2 live clients, got %d", n)
	}

	req := f.gw.OpenRequest()
	if _, err := req.Authenticate(ctx, token(t, "bob")); err != nil {
		t.Fatalf("authenticate request session: %v", err)
	}
	if n := f.hub.ClientCount(); n != 2 {
		t.Fatalf("request session joined the hub: %d clients", n)
	}

	if _, err := req.Send(ctx, conv.ID, "from rest", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := mustEvent(t, alice, core.EventMessageAppended)
	if ev.Message.Body != "from rest" || ev.Message.SenderID != "bob" {
		t.Fatalf("unexpected message %+v", ev.Message)
	}

	if _, err := req.SubscribeToConversation(ctx, conv.ID); !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("expected request session to be unable to subscribe, got %v", err)
	}

	req.Close()
	if n := f.hub.ClientCount(); n != 2 {
		t.Fatalf("closing request session changed the hub: %d clients", n)
	}
	if req.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", req.State())
	}
}

func TestSubscribeRequiresParticipation(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.login(t, "alice")
	f.login(t, "bob")
	carol := f.login(t, "carol")

	conv, err := alice.StartDirectConversation(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartDirectConversation: %v", err)
	}
	if _, err := carol.SubscribeToConversation(context.Background(), conv.ID); !errors.Is(err, core.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, err := carol.History(context.Background(), conv.ID, nil, 0); !errors.Is(err, core.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant from history, got %v", err)
	}
}

func TestMultipleTabsReceiveEvents(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.login(t, "alice")
	bobTab1 := f.login(t, "bob")
	bobTab2 := f.login(t, "bob")
	ctx := context.Background()

	for _, tab := range []*Session{bobTab1, bobTab2} {
		if _, err := tab.SubscribeToConversationList(ctx); err != nil {
			t.Fatalf("subscribe list: %v", err)
		}
	}

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("StartDirectConversation: %v", err)
	}
	for _, tab := range []*Session{bobTab1, bobTab2} {
		ev := mustEvent(t, tab, core.EventConversationUpdated)
		if ev.ConversationID != conv.ID {
			t.Fatalf("unexpected conversation update %+v", ev)
		}
		if _, err := tab.SubscribeToConversation(ctx, conv.ID); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if _, err := alice.Send(ctx, conv.ID, "hi", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, tab := range []*Session{bobTab1, bobTab2} {
		ev := mustEvent(t, tab, core.EventMessageAppended)
		if ev.Message.Body != "hi" || ev.Message.SenderID != "alice" {
			t.Fatalf("unexpected message event %+v", ev)
		}
		ev = mustEvent(t, tab, core.EventConversationUpdated)
		if ev.Conversation.LastMessage != "hi" {
			t.Fatalf("unexpected preview %q", ev.Conversation.LastMessage)
		}
	}
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewLocal(1, time.Minute))
	alice := f.login(t, "alice")
	f.login(t, "bob")
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("StartDirectConversation: %v", err)
	}
	if _, err := alice.Send(ctx, conv.ID, "one", ""); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := alice.Send(ctx, conv.ID, "two", ""); !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLogoutClosesSession(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.login(t, "alice")

	if err := alice.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if alice.State() != StateClosed {
		t.Fatalf("expected closed session, got %v", alice.State())
	}
	if err := alice.Logout(); !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestListUsersExcludesSelf(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.login(t, "alice")
	f.login(t, "bob")

	users, err := alice.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].ID != "bob" {
		t.Fatalf("unexpected users %+v", users)
	}
}
