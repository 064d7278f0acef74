package core

import (
	"errors"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Error codes for domain errors.
const (
	ErrCodeAuthRequired         = "auth_required"
	ErrCodeInvalidToken         = "invalid_token"
	ErrCodeConversationNotFound = "conversation_not_found"
	ErrCodeNotAParticipant      = "not_a_participant"
	ErrCodeEmptyBody            = "empty_body"
	ErrCodeUserNotFound         = "user_not_found"
	ErrCodeBadRequest           = "bad_request"
	ErrCodeRateLimited          = "rate_limited"
	ErrCodeSessionClosed        = "session_closed"
	ErrCodeUnsupportedVersion   = "unsupported_version"
	ErrCodeInternal             = "internal_error"
)

var (
	ErrAuthRequired       = errors.New("authentication required")
	ErrAlreadyAuthed      = errors.New("session already authenticated")
	ErrSessionClosed      = errors.New("session closed")
	ErrNotAParticipant    = errors.New("not a participant of the conversation")
	ErrEmptyBody          = errors.New("message body is empty")
	ErrSelfConversation   = errors.New("cannot start a conversation with yourself")
	ErrBadRequest         = errors.New("bad request")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrSlowConsumer       = errors.New("slow consumer")
	ErrUnknownSubscriber  = errors.New("unknown subscriber")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// CodeFor maps an error to the code reported to clients.
// Errors without a mapping are reported as internal errors with a generic message.
func CodeFor(err error) *CoreError {
	var ce *CoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrAuthRequired):
		return coreError(ErrCodeAuthRequired, ErrAuthRequired.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		return coreError(ErrCodeInvalidToken, auth.ErrInvalidToken.Error())
	case errors.Is(err, store.ErrConversationNotFound):
		return coreError(ErrCodeConversationNotFound, store.ErrConversationNotFound.Error())
	case errors.Is(err, ErrNotAParticipant):
		return coreError(ErrCodeNotAParticipant, ErrNotAParticipant.Error())
	case errors.Is(err, ErrEmptyBody):
		return coreError(ErrCodeEmptyBody, ErrEmptyBody.Error())
	case errors.Is(err, store.ErrUserNotFound):
		return coreError(ErrCodeUserNotFound, store.ErrUserNotFound.Error())
	case errors.Is(err, ErrSelfConversation):
		return coreError(ErrCodeBadRequest, ErrSelfConversation.Error())
	case errors.Is(err, ErrAlreadyAuthed):
		return coreError(ErrCodeBadRequest, ErrAlreadyAuthed.Error())
	case errors.Is(err, store.ErrInvalidCursor):
		return coreError(ErrCodeBadRequest, store.ErrInvalidCursor.Error())
	case errors.Is(err, ErrBadRequest):
		return coreError(ErrCodeBadRequest, err.Error())
	case errors.Is(err, ErrRateLimited):
		return coreError(ErrCodeRateLimited, ErrRateLimited.Error())
	case errors.Is(err, ErrSessionClosed):
		return coreError(ErrCodeSessionClosed, ErrSessionClosed.Error())
	case errors.Is(err, ErrUnsupportedVersion):
		return coreError(ErrCodeUnsupportedVersion, ErrUnsupportedVersion.Error())
	default:
		return coreError(ErrCodeInternal, "internal error")
	}
}
