package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

var (
	errIdleTimeout  = errors.New("idle timeout")
	errLoggedOut    = errors.New("logged out")
	errSessionEnded = errors.New("session ended")
)

// WSOptions limits a single WebSocket connection.
type WSOptions struct {
	MaxMessageBytes int64         // read limit per frame, 0 keeps the library default
	IdleTimeout     time.Duration // close after this long without a client frame, 0 disables
}

// WSHandler upgrades HTTP connections and bridges them to a gateway session.
type WSHandler struct {
	gw   *session.Gateway
	opts WSOptions
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(gw *session.Gateway, opts WSOptions, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{gw: gw, opts: opts, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()

	if h.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.opts.MaxMessageBytes)
	}

	sess := h.gw.Open()
	defer sess.Close()

	log := h.log.With().Str("session_id", sess.ID()).Logger()

	writeCtx, cancelWrite := context.WithCancel(r.Context())
	defer cancelWrite()

	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go func() {
		readErr <- h.readLoop(r.Context(), conn, sess, &log)
	}()
	go func() {
		writeErr <- h.writeLoop(writeCtx, conn, sess, &log)
	}()

	// Canceling a pending read drops the connection without a close frame.
	// When the writer ends first the reader is stopped by the close handshake below.
	readerDone := false
	select {
	case err = <-readErr:
		readerDone = true
		cancelWrite()
		<-writeErr
	case err = <-writeErr:
	}

	status, reason := closeStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
		log.Warn().Err(err).Int("status", int(status)).Msg("ws connection closed with error")
	}
	// Subscriptions end before the close handshake.
	sess.Close()
	_ = conn.Close(status, reason)
	if !readerDone {
		<-readErr
	}
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(err, errLoggedOut), errors.Is(err, errSessionEnded):
		return websocket.StatusNormalClosure, err.Error()
	case errors.Is(err, core.ErrSlowConsumer):
		return websocket.StatusPolicyViolation, "slow consumer"
	case errors.Is(err, errIdleTimeout):
		return websocket.StatusPolicyViolation, "idle timeout"
	}

	switch s := websocket.CloseStatus(err); s {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return s, "closing"
	case -1:
		return websocket.StatusInternalError, "internal error"
	default:
		return s, err.Error()
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *zerolog.Logger) error {
	for {
		var inbound proto.Inbound
		if err := h.read(ctx, conn, &inbound); err != nil {
			return err
		}

		if inbound.Type == proto.InboundTypeLogout && sess.State() == session.StateAuthenticated {
			// Acknowledge before closing so the response is not lost with the session.
			if err := wsjson.Write(ctx, conn, responseFrame(inbound.ID, nil)); err != nil {
				return err
			}
			if err := sess.Logout(); err != nil {
				return err
			}
			return errLoggedOut
		}

		data, err := h.handle(ctx, sess, inbound)
		var out proto.Outbound
		if err != nil {
			ce := core.CodeFor(err)
			if ce.Code == core.ErrCodeInternal {
				log.Error().Err(err).Str("type", inbound.Type).Msg("request failed")
			} else {
				log.Debug().Err(err).Str("type", inbound.Type).Msg("request rejected")
			}
			out = errorFrame(inbound.ID, ce)
		} else {
			out = responseFrame(inbound.ID, data)
		}

		if writeErr := wsjson.Write(ctx, conn, out); writeErr != nil {
			return writeErr
		}
	}
}

func (h *WSHandler) read(ctx context.Context, conn *websocket.Conn, v *proto.Inbound) error {
	if h.opts.IdleTimeout <= 0 {
		return wsjson.Read(ctx, conn, v)
	}

	var idle atomic.Bool
	timer := time.AfterFunc(h.opts.IdleTimeout, func() {
		idle.Store(true)
		_ = conn.Close(websocket.StatusPolicyViolation, "idle timeout")
	})
	err := wsjson.Read(ctx, conn, v)
	timer.Stop()
	if err != nil && idle.Load() {
		return errIdleTimeout
	}
	return err
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *zerolog.Logger) error {
	for {
		event, err := sess.Next(ctx)
		if err != nil {
			if errors.Is(err, core.ErrDeliveryFailed) {
				if errors.Is(sess.Err(), core.ErrSlowConsumer) {
					return core.ErrSlowConsumer
				}
				return errSessionEnded
			}
			return err
		}
		if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
			log.Error().Err(err).Msg("write ws event")
			return err
		}
	}
}

func (h *WSHandler) handle(ctx context.Context, sess *session.Session, in proto.Inbound) (any, error) {
	switch in.Type {
	case proto.InboundTypeHello:
		var hello proto.HelloData
		if err := decodeData(in.Data, &hello); err != nil {
			return nil, err
		}
		if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
			return nil, core.ErrUnsupportedVersion
		}
		user, err := sess.Authenticate(ctx, hello.Token)
		if err != nil {
			return nil, err
		}
		return proto.HelloResult{
			SessionID: sess.ID(),
			Protocol:  proto.ProtocolVersion,
			User:      toProtoUser(user),
		}, nil

	case proto.InboundTypeSend:
		var send proto.SendData
		if err := decodeData(in.Data, &send); err != nil {
			return nil, err
		}
		if err := requireField("conversation_id", send.ConversationID); err != nil {
			return nil, err
		}
		msg, err := sess.Send(ctx, send.ConversationID, send.Body, send.ClientMsgID)
		if err != nil {
			return nil, err
		}
		return toProtoMessage(msg), nil

	case proto.InboundTypeStartDirect:
		var start proto.StartDirectData
		if err := decodeData(in.Data, &start); err != nil {
			return nil, err
		}
		if err := requireField("user_id", start.UserID); err != nil {
			return nil, err
		}
		conv, err := sess.StartDirectConversation(ctx, start.UserID)
		if err != nil {
			return nil, err
		}
		return toProtoConversation(conv), nil

	case proto.InboundTypeSubscribe:
		var sub proto.ConversationData
		if err := decodeData(in.Data, &sub); err != nil {
			return nil, err
		}
		if err := requireField("conversation_id", sub.ConversationID); err != nil {
			return nil, err
		}
		conv, err := sess.SubscribeToConversation(ctx, sub.ConversationID)
		if err != nil {
			return nil, err
		}
		return toProtoConversation(conv), nil

	case proto.InboundTypeUnsubscribe:
		var unsub proto.ConversationData
		if err := decodeData(in.Data, &unsub); err != nil {
			return nil, err
		}
		if err := requireField("conversation_id", unsub.ConversationID); err != nil {
			return nil, err
		}
		return nil, sess.UnsubscribeFromConversation(unsub.ConversationID)

	case proto.InboundTypeSubscribeList:
		convs, err := sess.SubscribeToConversationList(ctx)
		if err != nil {
			return nil, err
		}
		return toProtoConversations(convs), nil

	case proto.InboundTypeMarkRead:
		var mark proto.MarkReadData
		if err := decodeData(in.Data, &mark); err != nil {
			return nil, err
		}
		if err := requireField("conversation_id", mark.ConversationID); err != nil {
			return nil, err
		}
		n, err := sess.MarkRead(ctx, mark.ConversationID, mark.UptoID)
		if err != nil {
			return nil, err
		}
		return proto.MarkReadResult{Updated: n}, nil

	case proto.InboundTypeHistory:
		var hist proto.HistoryData
		if err := decodeData(in.Data, &hist); err != nil {
			return nil, err
		}
		if err := requireField("conversation_id", hist.ConversationID); err != nil {
			return nil, err
		}
		after, err := store.ParseCursor(hist.After)
		if err != nil {
			return nil, err
		}
		msgs, err := sess.History(ctx, hist.ConversationID, after, hist.Limit)
		if err != nil {
			return nil, err
		}
		return toHistoryResult(hist.ConversationID, msgs), nil

	case proto.InboundTypeListConversations:
		convs, err := sess.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		return toProtoConversations(convs), nil

	case proto.InboundTypeListUsers:
		users, err := sess.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		return toProtoUsers(users), nil

	case proto.InboundTypeLogout:
		return nil, sess.Logout()

	default:
		return nil, &core.CoreError{Code: core.ErrCodeBadRequest, Message: "unknown message type"}
	}
}
