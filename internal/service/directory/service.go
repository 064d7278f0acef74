// Package directory owns users and direct conversations: who exists, which
// conversations they share, and the last-message preview of each conversation.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// createAttempts bounds how often a lost create race is retried as a lookup.
const createAttempts = 3

// Publisher receives conversation metadata changes.
type Publisher interface {
	PublishConversationUpdate(conv *store.Conversation)
}

// Service provides the conversation directory.
type Service struct {
	store  store.Store
	pub    Publisher
	flight singleflight.Group
	log    *zerolog.Logger
	now    func() time.Time
}

// New creates a directory service. pub may be nil when nobody listens for updates.
func New(st store.Store, pub Publisher, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store: st,
		pub:   pub,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// UpsertUser records a verified identity. Existing users only get LastSeenAt refreshed.
func (s *Service) UpsertUser(ctx context.Context, id auth.Identity) (*store.User, error) {
	now := s.now()
	u, err := s.store.UpsertUser(ctx, &store.User{
		ID:         id.UserID,
		Name:       id.Name,
		Email:      id.Email,
		AvatarURL:  id.AvatarURL,
		CreatedAt:  now,
		LastSeenAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", id.UserID, err)
	}
	return u, nil
}

// GetOrCreateDirect returns the direct conversation between a and b, creating it if needed.
// Argument order does not matter; concurrent callers converge on a single conversation.
func (s *Service) GetOrCreateDirect(ctx context.Context, a, b string) (*store.Conversation, error) {
	if a == b {
		return nil, core.ErrSelfConversation
	}
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: user id is required", core.ErrBadRequest)
	}

	key := store.DirectKey(a, b)
	// The shared call outlives any single caller; each caller stops waiting on its own ctx.
	ch := s.flight.DoChan(key, func() (any, error) {
		return s.getOrCreate(context.WithoutCancel(ctx), a, b, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Conversation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) getOrCreate(ctx context.Context, a, b, key string) (*store.Conversation, error) {
	for range createAttempts {
		conv, err := s.store.GetConversationByDirectKey(ctx, key)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrConversationNotFound) {
			return nil, fmt.Errorf("lookup direct conversation: %w", err)
		}

		conv, err = s.newDirect(ctx, a, b, key)
		if err != nil {
			return nil, err
		}

		err = s.store.CreateConversation(ctx, conv)
		switch {
		case err == nil:
			metrics.ConversationsCreated.Inc()
			s.log.Info().
				Str("conversation_id", conv.ID).
				Str("user_a", a).
				Str("user_b", b).
				Msg("direct conversation created")
			s.publish(conv)
			return conv, nil
		case errors.Is(err, store.ErrDuplicateConversation):
			// Another process won the race; its row is visible on the next lookup.
			s.log.Debug().Str("direct_key", key).Msg("lost direct conversation create race")
			continue
		default:
			return nil, fmt.Errorf("create direct conversation: %w", err)
		}
	}
	return nil, fmt.Errorf("direct conversation %s did not converge after %d attempts", key, createAttempts)
}

func (s *Service) newDirect(ctx context.Context, a, b, key string) (*store.Conversation, error) {
	details := make(map[string]store.Participant, 2)
	for _, id := range []string{a, b} {
		u, err := s.store.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", id, err)
		}
		details[id] = store.Participant{
			UserID:    u.ID,
			Name:      u.Name,
			Email:     u.Email,
			AvatarURL: u.AvatarURL,
		}
	}

	now := s.now()
	return &store.Conversation{
		ID:            uuid.NewString(),
		DirectKey:     key,
		Participants:  []string{a, b},
		Details:       details,
		LastMessageAt: now,
		CreatedAt:     now,
	}, nil
}

// Touch moves the conversation's last-message preview forward and publishes the change.
// It is best-effort: failures are logged, never returned. Returns nil when nothing changed.
func (s *Service) Touch(ctx context.Context, conversationID, preview string, at time.Time, senderID string) *store.Conversation {
	log := s.log.With().Str("conversation_id", conversationID).Logger()

	moved, err := s.store.TouchConversation(ctx, conversationID, preview, at, senderID)
	if err != nil {
		log.Warn().Err(err).Msg("touch conversation failed")
		return nil
	}
	if !moved {
		log.Debug().Msg("conversation not touched: missing or newer preview stored")
		return nil
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("reload touched conversation failed")
		return nil
	}
	s.publish(conv)
	return conv
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Member returns the conversation if userID participates in it.
func (s *Service) Member(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, core.ErrNotAParticipant
	}
	return conv, nil
}

// ListForUser returns the user's conversations, most recent activity first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// ListUsers returns every known user except excludeID.
func (s *Service) ListUsers(ctx context.Context, excludeID string) ([]*store.User, error) {
	users, err := s.store.ListUsers(ctx, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *Service) publish(conv *store.Conversation) {
	if s.pub != nil {
		s.pub.PublishConversationUpdate(conv)
	}
}
