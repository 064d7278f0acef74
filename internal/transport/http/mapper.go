package http

import (
	"encoding/json"
	"fmt"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", core.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed data", core.ErrBadRequest)
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", core.ErrBadRequest, name)
	}
	return nil
}

func toProtoUser(u *store.User) proto.User {
	return proto.User{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		AvatarURL:  u.AvatarURL,
		LastSeenAt: u.LastSeenAt.UnixMilli(),
	}
}

func toProtoUsers(users []*store.User) []proto.User {
	out := make([]proto.User, 0, len(users))
	for _, u := range users {
		out = append(out, toProtoUser(u))
	}
	return out
}

func toProtoConversation(c *store.Conversation) proto.Conversation {
	participants := make([]proto.Participant, 0, len(c.Participants))
	for _, id := range c.Participants {
		p := c.Details[id]
		participants = append(participants, proto.Participant{
			UserID:    id,
			Name:      p.Name,
			Email:     p.Email,
			AvatarURL: p.AvatarURL,
		})
	}
	return proto.Conversation{
		ID:                c.ID,
		Participants:      participants,
		LastMessage:       c.LastMessage,
		LastMessageAt:     c.LastMessageAt.UnixMilli(),
		LastMessageSender: c.LastMessageSender,
		CreatedAt:         c.CreatedAt.UnixMilli(),
	}
}

func toProtoConversations(convs []*store.Conversation) []proto.Conversation {
	out := make([]proto.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, toProtoConversation(c))
	}
	return out
}

func toProtoMessage(m *store.Message) proto.Message {
	return proto.Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		SenderAvatarURL: m.SenderAvatarURL,
		Body:            m.Body,
		ClientMsgID:     m.ClientMsgID,
		Read:            m.Read,
		TS:              m.CreatedAt.UnixMilli(),
		Cursor:          store.CursorOf(m).String(),
	}
}

func toHistoryResult(conversationID string, msgs []*store.Message) proto.HistoryResult {
	out := proto.HistoryResult{
		ConversationID: conversationID,
		Messages:       make([]proto.Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toProtoMessage(m))
	}
	if len(msgs) > 0 {
		out.Next = store.CursorOf(msgs[len(msgs)-1]).String()
	}
	return out
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	out := proto.Outbound{Type: proto.OutboundTypeEvent}
	switch event.Kind {
	case core.EventMessageAppended:
		out.Event = proto.EventMessageAppended
		out.Data = toProtoMessage(event.Message)
	case core.EventConversationUpdated:
		out.Event = proto.EventConversationUpdated
		out.Data = toProtoConversation(event.Conversation)
	case core.EventMessagesRead:
		out.Event = proto.EventMessagesRead
		out.Data = proto.ReadReceipt{
			ConversationID: event.ConversationID,
			ReaderID:       event.Read.ReaderID,
			UptoID:         event.Read.UptoID,
		}
	default:
		out.Event = event.Kind.String()
	}
	return out
}

func responseFrame(id string, data any) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeResponse, ID: id, Data: data}
}

func errorFrame(id string, ce *core.CoreError) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeError,
		ID:    id,
		Error: &proto.Error{Code: ce.Code, Msg: ce.Message},
	}
}
