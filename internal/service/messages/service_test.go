package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/service/directory"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
)

type fixture struct {
	store *sqlite.SQLiteStore
	hub   *core.Hub
	dir   *directory.Service
	svc   *Service
}

func newFixture(t *testing.T, cfg Config, users ...string) *fixture {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := core.NewHub(nil)
	dir := directory.New(st, hub, nil)
	for _, id := range users {
		if _, err := dir.UpsertUser(context.Background(), auth.Identity{UserID: id, Name: id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	return &fixture{store: st, hub: hub, dir: dir, svc: New(st, dir, hub, cfg, nil)}
}

func (f *fixture) conversation(t *testing.T, a, b string) *store.Conversation {
	t.Helper()

	conv, err := f.dir.GetOrCreateDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("GetOrCreateDirect: %v", err)
	}
	return conv
}

func collect(t *testing.T, svc *Service, conversationID string, after *store.Cursor) []*store.Message {
	t.Helper()

	seq, err := svc.List(context.Background(), conversationID, after)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var out []*store.Message
	for msg, err := range seq {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func bodies(msgs []*store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestAppendConversationScenario(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()

	conv := f.conversation(t, "alice", "bob")

	if _, err := f.svc.Append(ctx, conv.ID, "alice", "hi", ""); err != nil {
		t.Fatalf("append hi: %v", err)
	}
	got, err := f.dir.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastMessage != "hi" || got.LastMessageSender != "alice" {
		t.Fatalf("unexpected preview after hi: %q from %q", got.LastMessage, got.LastMessageSender)
	}

	if _, err := f.svc.Append(ctx, conv.ID, "bob", "hello", ""); err != nil {
		t.Fatalf("append hello: %v", err)
	}
	got, err = f.dir.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastMessage != "hello" || got.LastMessageSender != "bob" {
		t.Fatalf("unexpected preview after hello: %q from %q", got.LastMessage, got.LastMessageSender)
	}

	msgs := collect(t, f.svc, conv.ID, nil)
	if fmt.Sprint(bodies(msgs)) != "[hi hello]" {
		t.Fatalf("unexpected log %v", bodies(msgs))
	}
	if msgs[0].SenderName != "alice" {
		t.Fatalf("expected sender snapshot, got %q", msgs[0].SenderName)
	}
}

func TestAppendValidationOrder(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob", "carol")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	tests := []struct {
		name    string
		convID  string
		sender  string
		body    string
		wantErr error
	}{
		{name: "unknown conversation wins over empty body", convID: "nope", sender: "alice", body: "  ", wantErr: store.ErrConversationNotFound},
		{name: "outsider wins over empty body", convID: conv.ID, sender: "carol", body: "", wantErr: core.ErrNotAParticipant},
		{name: "blank body", convID: conv.ID, sender: "alice", body: "   ", wantErr: core.ErrEmptyBody},
		{name: "whitespace mix", convID: conv.ID, sender: "alice", body: "\n\t ", wantErr: core.ErrEmptyBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Append(ctx, tt.convID, tt.sender, tt.body, ""); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAppendEmptyBodyHasNoSideEffects(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	bob := core.NewClient("s-bob", "bob", "", 0)
	f.hub.Register(bob)
	if err := f.hub.Subscribe(bob.ID, conv.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := f.svc.Append(ctx, conv.ID, "alice", "   ", ""); !errors.Is(err, core.ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}

	if msgs := collect(t, f.svc, conv.ID, nil); len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
	got, err := f.dir.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastMessage != "" || !got.LastMessageAt.Equal(conv.LastMessageAt) {
		t.Fatalf("expected conversation untouched, got %+v", got)
	}
	if n := bob.Pending(); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestAppendRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, Config{MaxBodyBytes: 4}, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	if _, err := f.svc.Append(context.Background(), conv.ID, "alice", "too long", ""); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestAppendTimestampsNeverGoBackwards(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	clock := time.Now().UTC()
	f.svc.now = func() time.Time { return clock }

	first, err := f.svc.Append(ctx, conv.ID, "alice", "one", "")
	if err != nil {
		t.Fatalf("append one: %v", err)
	}

	// The wall clock steps back; the log must not.
	clock = clock.Add(-time.Hour)
	second, err := f.svc.Append(ctx, conv.ID, "bob", "two", "")
	if err != nil {
		t.Fatalf("append two: %v", err)
	}

	if second.CreatedAt.Before(first.CreatedAt) {
		t.Fatalf("timestamp went backwards: %v < %v", second.CreatedAt, first.CreatedAt)
	}
	msgs := collect(t, f.svc, conv.ID, nil)
	if fmt.Sprint(bodies(msgs)) != "[one two]" {
		t.Fatalf("unexpected order %v", bodies(msgs))
	}
}

func TestFirstAppendNotOlderThanConversation(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	// The wall clock stepped back after the conversation was created.
	f.svc.now = func() time.Time { return conv.CreatedAt.Add(-time.Second) }

	msg, err := f.svc.Append(ctx, conv.ID, "alice", "hi", "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.CreatedAt.Before(conv.LastMessageAt) {
		t.Fatalf("message %v older than conversation activity %v", msg.CreatedAt, conv.LastMessageAt)
	}

	got, err := f.dir.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.LastMessage != "hi" || got.LastMessageSender != "alice" {
		t.Fatalf("expected preview to move to hi/alice, got %q/%q", got.LastMessage, got.LastMessageSender)
	}
}

func TestAppendDuplicateClientMessageID(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	bob := core.NewClient("s-bob", "bob", "", 0)
	f.hub.Register(bob)
	if err := f.hub.Subscribe(bob.ID, conv.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first, err := f.svc.Append(ctx, conv.ID, "alice", "hi", "c-1")
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	again, err := f.svc.Append(ctx, conv.ID, "alice", "hi", "c-1")
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}

	if again.ID != first.ID {
		t.Fatalf("expected original message %d, got %d", first.ID, again.ID)
	}
	if msgs := collect(t, f.svc, conv.ID, nil); len(msgs) != 1 {
		t.Fatalf("expected a single stored message, got %d", len(msgs))
	}
	if n := bob.Pending(); n != 1 {
		t.Fatalf("expected a single event, got %d", n)
	}

	// The same client id from the other participant is a different message.
	if _, err := f.svc.Append(ctx, conv.ID, "bob", "hi", "c-1"); err != nil {
		t.Fatalf("bob append: %v", err)
	}
	if msgs := collect(t, f.svc, conv.ID, nil); len(msgs) != 2 {
		t.Fatalf("expected two stored messages, got %d", len(msgs))
	}
}

func TestListPagesAndRestarts(t *testing.T) {
	f := newFixture(t, Config{PageSize: 2}, "alice", "bob")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	var sent []*store.Message
	for i := range 5 {
		msg, err := f.svc.Append(ctx, conv.ID, "alice", fmt.Sprintf("m%d", i), "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		sent = append(sent, msg)
	}

	seq, err := f.svc.List(ctx, conv.ID, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for round := range 2 {
		var got []string
		for msg, err := range seq {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			got = append(got, msg.Body)
		}
		if fmt.Sprint(got) != "[m0 m1 m2 m3 m4]" {
			t.Fatalf("round %d: unexpected messages %v", round, got)
		}
	}

	// Round-trip the cursor through its wire form.
	cursor, err := store.ParseCursor(store.CursorOf(sent[1]).String())
	if err != nil {
		t.Fatalf("ParseCursor: %v", err)
	}
	after := collect(t, f.svc, conv.ID, cursor)
	if fmt.Sprint(bodies(after)) != "[m2 m3 m4]" {
		t.Fatalf("unexpected messages after cursor: %v", bodies(after))
	}

	page, err := f.svc.Page(ctx, conv.ID, nil, 3)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if fmt.Sprint(bodies(page)) != "[m0 m1 m2]" {
		t.Fatalf("unexpected page: %v", bodies(page))
	}

	// Stopping early must not fetch or yield further.
	var seen int
	for range seq {
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("expected early stop after one message, got %d", seen)
	}
}

func TestListUnknownConversation(t *testing.T) {
	f := newFixture(t, Config{})

	if _, err := f.svc.List(context.Background(), "nope", nil); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob", "carol")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	alice := core.NewClient("s-alice", "alice", "", 0)
	f.hub.Register(alice)
	if err := f.hub.Subscribe(alice.ID, conv.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var last *store.Message
	for _, body := range []string{"one", "two"} {
		msg, err := f.svc.Append(ctx, conv.ID, "alice", body, "")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		last = msg
	}
	if _, err := f.svc.Append(ctx, conv.ID, "bob", "mine", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := f.svc.MarkRead(ctx, conv.ID, "bob", last.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages marked, got %d", n)
	}

	n, err = f.svc.MarkRead(ctx, conv.ID, "bob", last.ID)
	if err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected second MarkRead to change nothing, got %d", n)
	}

	var reads int
	for range alice.Pending() {
		ev, err := alice.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Kind == core.EventMessagesRead {
			reads++
			if ev.Read.ReaderID != "bob" || ev.Read.UptoID != last.ID {
				t.Fatalf("unexpected receipt %+v", ev.Read)
			}
		}
	}
	if reads != 1 {
		t.Fatalf("expected exactly one read event, got %d", reads)
	}

	for _, m := range collect(t, f.svc, conv.ID, nil) {
		if want := m.SenderID == "alice"; m.Read != want {
			t.Fatalf("message %d from %s: read=%v", m.ID, m.SenderID, m.Read)
		}
	}

	if _, err := f.svc.MarkRead(ctx, conv.ID, "carol", last.ID); !errors.Is(err, core.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, err := f.svc.MarkRead(ctx, "nope", "bob", last.ID); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSubscriberSeesEveryAppendInListOrder(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()
	conv := f.conversation(t, "alice", "bob")

	watcher := core.NewClient("s-watch", "bob", "", 0)
	f.hub.Register(watcher)
	if err := f.hub.Subscribe(watcher.ID, conv.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := range perSender {
				if _, err := f.svc.Append(ctx, conv.ID, sender, fmt.Sprintf("%s-%d", sender, i), ""); err != nil {
					t.Errorf("append %s-%d: %v", sender, i, err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	stored := collect(t, f.svc, conv.ID, nil)
	if len(stored) != 2*perSender {
		t.Fatalf("expected %d messages, got %d", 2*perSender, len(stored))
	}

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i, want := range stored {
		ev, err := watcher.Next(nextCtx)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if ev.Kind != core.EventMessageAppended || ev.Message.ID != want.ID {
			t.Fatalf("event %d: expected message %d, got %+v", i, want.ID, ev)
		}
		if i > 0 && stored[i].CreatedAt.Before(stored[i-1].CreatedAt) {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	if n := k.size(); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock on a held key must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-done
	unlockB()

	if n := k.size(); n != 0 {
		t.Fatalf("expected entries to be released, got %d", n)
	}
}
