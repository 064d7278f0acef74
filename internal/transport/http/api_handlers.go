package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// APIHandlers provides HTTP handlers for REST API endpoints.
// Every handler runs behind AuthMiddleware.
type APIHandlers struct {
	log *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{log: logger}
}

// StartConversationRequest represents the start conversation request body.
type StartConversationRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	Body        string `json:"body"`
	ClientMsgID string `json:"client_msg_id"`
}

// MarkReadRequest represents the mark read request body.
type MarkReadRequest struct {
	UptoID int64 `json:"upto" binding:"required"`
}

func (h *APIHandlers) session(c *gin.Context) (*session.Session, bool) {
	sess, ok := sessionFrom(c)
	if !ok {
		h.log.Error().Msg("session not found in context")
		abortWithError(c, core.ErrAuthRequired)
	}
	return sess, ok
}

func (h *APIHandlers) fail(c *gin.Context, err error, msg string) {
	ce := core.CodeFor(err)
	if ce.Code == core.ErrCodeInternal {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	c.JSON(statusFor(ce.Code), ErrorResponse{Error: ce.Message, Code: ce.Code})
}

// ListUsers returns every other known user.
// GET /api/users
func (h *APIHandlers) ListUsers(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	users, err := sess.ListUsers(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list users")
		return
	}
	c.JSON(http.StatusOK, toProtoUsers(users))
}

// ListConversations returns the caller's conversations.
// GET /api/conversations
func (h *APIHandlers) ListConversations(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	convs, err := sess.ListConversations(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list conversations")
		return
	}
	c.JSON(http.StatusOK, toProtoConversations(convs))
}

// StartConversation opens the direct conversation with another user.
// POST /api/conversations
func (h *APIHandlers) StartConversation(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid start conversation request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	conv, err := sess.StartDirectConversation(c.Request.Context(), req.UserID)
	if err != nil {
		h.fail(c, err, "failed to start conversation")
		return
	}
	c.JSON(http.StatusOK, toProtoConversation(conv))
}

// ListMessages returns messages after an optional cursor.
// GET /api/conversations/:id/messages?after=&limit=
func (h *APIHandlers) ListMessages(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	conversationID := c.Param("id")
	after, err := store.ParseCursor(c.Query("after"))
	if err != nil {
		h.fail(c, err, "invalid cursor")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Code: core.ErrCodeBadRequest})
			return
		}
	}

	msgs, err := sess.History(c.Request.Context(), conversationID, after, limit)
	if err != nil {
		h.fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, toHistoryResult(conversationID, msgs))
}

// SendMessage appends a message to a conversation.
// POST /api/conversations/:id/messages
func (h *APIHandlers) SendMessage(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	msg, err := sess.Send(c.Request.Context(), c.Param("id"), req.Body, req.ClientMsgID)
	if err != nil {
		h.fail(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, toProtoMessage(msg))
}

// MarkRead marks the other participant's messages as read.
// POST /api/conversations/:id/read
func (h *APIHandlers) MarkRead(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid mark read request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	n, err := sess.MarkRead(c.Request.Context(), c.Param("id"), req.UptoID)
	if err != nil {
		h.fail(c, err, "failed to mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
