package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

const (
	// ContextKeySession is the context key for the request's authenticated session.
	ContextKeySession = "session"
)

// AuthMiddleware authenticates the bearer token through a request-scoped gateway session.
// The session is closed once the request completes.
func AuthMiddleware(gw *session.Gateway, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			logger.Debug().Msg("missing authorization header")
			abortWithError(c, core.ErrAuthRequired)
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			logger.Debug().Msg("invalid authorization header format")
			abortWithError(c, core.ErrAuthRequired)
			return
		}

		sess := gw.OpenRequest()
		defer sess.Close()

		if _, err := sess.Authenticate(c.Request.Context(), parts[1]); err != nil {
			logger.Debug().Err(err).Msg("invalid token")
			abortWithError(c, err)
			return
		}

		c.Set(ContextKeySession, sess)
		c.Next()
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		// Log after request
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// MetricsMiddleware records request counts and latencies per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route templates keep label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

func sessionFrom(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(ContextKeySession)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*session.Session)
	return sess, ok
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(code string) int {
	switch code {
	case core.ErrCodeAuthRequired, core.ErrCodeInvalidToken, core.ErrCodeSessionClosed:
		return http.StatusUnauthorized
	case core.ErrCodeNotAParticipant:
		return http.StatusForbidden
	case core.ErrCodeConversationNotFound, core.ErrCodeUserNotFound:
		return http.StatusNotFound
	case core.ErrCodeEmptyBody, core.ErrCodeBadRequest, core.ErrCodeUnsupportedVersion:
		return http.StatusBadRequest
	case core.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	ce := core.CodeFor(err)
	c.AbortWithStatusJSON(statusFor(ce.Code), ErrorResponse{Error: ce.Message, Code: ce.Code})
}
