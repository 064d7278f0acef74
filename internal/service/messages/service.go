// Package messages is the append-only message log of each conversation.
package messages

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// DefaultPageSize is the number of rows List fetches per round trip.
const DefaultPageSize = 100

// Directory is the part of the conversation directory the message log depends on.
type Directory interface {
	Member(ctx context.Context, conversationID, userID string) (*store.Conversation, error)
	Touch(ctx context.Context, conversationID, preview string, at time.Time, senderID string) *store.Conversation
}

// Publisher fans message log changes out to live subscribers.
type Publisher interface {
	PublishMessage(msg *store.Message)
	PublishRead(conversationID, readerID string, uptoID int64)
}

// Config tunes the message service.
type Config struct {
	PageSize     int // rows per List round trip
	MaxBodyBytes int // 0 disables the check
}

// Service appends, lists and acknowledges messages.
type Service struct {
	store store.Store
	dir   Directory
	pub   Publisher
	cfg   Config
	locks *keyedMutex
	log   *zerolog.Logger
	now   func() time.Time
}

// New creates a message service.
func New(st store.Store, dir Directory, pub Publisher, cfg Config, logger *zerolog.Logger) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store: st,
		dir:   dir,
		pub:   pub,
		cfg:   cfg,
		locks: newKeyedMutex(),
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append stores a message from senderID and notifies subscribers before returning.
//
// A non-empty clientMsgID makes the call idempotent per sender and conversation:
// a repeat returns the stored message without storing or publishing again.
func (s *Service) Append(ctx context.Context, conversationID, senderID, body, clientMsgID string) (*store.Message, error) {
	conv, err := s.dir.Member(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, core.ErrEmptyBody
	}
	if s.cfg.MaxBodyBytes > 0 && len(body) > s.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", core.ErrBadRequest, s.cfg.MaxBodyBytes)
	}

	if clientMsgID != "" {
		existing, err := s.store.GetMessageByClientID(ctx, conversationID, senderID, clientMsgID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrMessageNotFound) {
			return nil, fmt.Errorf("lookup client message: %w", err)
		}
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	last, err := s.store.LastMessageTime(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("last message time: %w", err)
	}
	// Never older than the log or the conversation preview.
	createdAt := s.now()
	if createdAt.Before(last) {
		createdAt = last
	}
	if createdAt.Before(conv.LastMessageAt) {
		createdAt = conv.LastMessageAt
	}

	sender := conv.Details[senderID]
	msg := &store.Message{
		ConversationID:  conversationID,
		SenderID:        senderID,
		SenderName:      sender.Name,
		SenderAvatarURL: sender.AvatarURL,
		Body:            body,
		ClientMsgID:     clientMsgID,
		CreatedAt:       createdAt,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// A concurrent retry with the same client id got there first.
			return s.store.GetMessageByClientID(ctx, conversationID, senderID, clientMsgID)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	s.pub.PublishMessage(msg)
	s.dir.Touch(ctx, conversationID, body, msg.CreatedAt, senderID)

	metrics.MessagesAppended.Inc()
	s.log.Debug().
		Str("conversation_id", conversationID).
		Str("user_id", senderID).
		Int64("message_id", msg.ID).
		Msg("message appended")

	return msg, nil
}

// List returns the conversation's messages strictly after the cursor, oldest first.
//
// Pages are fetched lazily with ctx while the sequence is ranged over. Ranging again
// restarts from after. An unknown conversation is reported before any iteration.
func (s *Service) List(ctx context.Context, conversationID string, after *store.Cursor) (iter.Seq2[*store.Message, error], error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	pageSize := s.cfg.PageSize
	return func(yield func(*store.Message, error) bool) {
		cursor := after
		for {
			page, err := s.store.ListMessagesAfter(ctx, conversationID, cursor, pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list messages: %w", err))
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			next := store.CursorOf(page[len(page)-1])
			cursor = &next
		}
	}, nil
}

// Page collects at most limit messages after the cursor.
func (s *Service) Page(ctx context.Context, conversationID string, after *store.Cursor, limit int) ([]*store.Message, error) {
	seq, err := s.List(ctx, conversationID, after)
	if err != nil {
		return nil, err
	}

	out := make([]*store.Message, 0)
	for msg, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkRead marks messages the other participant sent up to uptoID as read by readerID.
// Returns how many messages changed; repeating the call changes nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error) {
	if _, err := s.dir.Member(ctx, conversationID, readerID); err != nil {
		return 0, err
	}

	n, err := s.store.MarkRead(ctx, conversationID, readerID, uptoID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		s.pub.PublishRead(conversationID, readerID, uptoID)
	}
	return n, nil
}
