// Package session binds one client connection to an identity and maps its
// requests onto the directory, the message log and the subscription hub.
package session

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/ratelimit"
	"github.com/vovakirdan/wirechat-relay/internal/service/directory"
	"github.com/vovakirdan/wirechat-relay/internal/service/messages"
)

// DefaultHistoryLimit caps a single history request when no limit is configured.
const DefaultHistoryLimit = 50

// Options tunes sessions opened by a gateway.
type Options struct {
	MaxPendingEvents int // outbox bound per session, 0 = unbounded
	HistoryLimit     int // max messages per history request
}

// Gateway opens sessions. It is safe for concurrent use.
type Gateway struct {
	verifier auth.Verifier
	dir      *directory.Service
	msgs     *messages.Service
	hub      *core.Hub
	limiter  ratelimit.Limiter
	opts     Options
	log      *zerolog.Logger
}

// NewGateway wires a gateway. A nil limiter disables send rate limiting.
func NewGateway(
	verifier auth.Verifier,
	dir *directory.Service,
	msgs *messages.Service,
	hub *core.Hub,
	limiter ratelimit.Limiter,
	opts Options,
	logger *zerolog.Logger,
) *Gateway {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Gateway{
		verifier: verifier,
		dir:      dir,
		msgs:     msgs,
		hub:      hub,
		limiter:  limiter,
		opts:     opts,
		log:      logger,
	}
}

// Open starts an unauthenticated session for a live connection.
func (g *Gateway) Open() *Session {
	return g.open(false)
}

// OpenRequest starts a session scoped to a single request. It never joins the
// hub, so it cannot subscribe and is not counted as an active session.
func (g *Gateway) OpenRequest() *Session {
	return g.open(true)
}

func (g *Gateway) open(requestScoped bool) *Session {
	id := uuid.NewString()
	logger := g.log.With().Str("session_id", id).Logger()
	return &Session{
		id:            id,
		g:             g,
		client:        core.NewClient(id, "", "", g.opts.MaxPendingEvents),
		requestScoped: requestScoped,
		log:           &logger,
	}
}
