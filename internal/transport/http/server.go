package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// NewServer builds the HTTP server: health, metrics, the WebSocket endpoint and the REST API.
func NewServer(gw *session.Gateway, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), MetricsMiddleware(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gin.WrapH(NewWSHandler(gw, WSOptions{
		MaxMessageBytes: frameLimit(cfg.MaxMessageBytes),
		IdleTimeout:     cfg.SessionIdleTimeout,
	}, logger)))

	api := NewAPIHandlers(logger)
	group := router.Group("/api", AuthMiddleware(gw, logger))
	group.GET("/users", api.ListUsers)
	group.GET("/conversations", api.ListConversations)
	group.POST("/conversations", api.StartConversation)
	group.GET("/conversations/:id/messages", api.ListMessages)
	group.POST("/conversations/:id/messages", api.SendMessage)
	group.POST("/conversations/:id/read", api.MarkRead)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

// frameLimit leaves room for the envelope and JSON escaping around a maximal body.
func frameLimit(maxBody int) int64 {
	if maxBody <= 0 {
		return 0
	}
	return int64(maxBody)*2 + 4096
}
