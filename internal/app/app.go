package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/ratelimit"
	"github.com/vovakirdan/wirechat-relay/internal/service/directory"
	"github.com/vovakirdan/wirechat-relay/internal/service/messages"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-relay/internal/transport/http"
)

// App wires together storage, services and transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	redis           *ratelimit.Redis
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	// Initialize database store
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	a := &App{
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		log:             logger,
	}

	var limiter ratelimit.Limiter = ratelimit.NewLocal(cfg.SendRatePerMinute, time.Minute)
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedis(ctx, cfg.RedisURL, cfg.SendRatePerMinute, time.Minute)
		if err != nil {
			a.cleanup()
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		a.redis = rl
		limiter = rl
		logger.Info().Msg("using redis rate limiter")
	}

	verifier := auth.NewJWTVerifier(&auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})

	hub := core.NewHub(logger)
	dir := directory.New(st, hub, logger)
	msgs := messages.New(st, dir, hub, messages.Config{
		PageSize:     cfg.HistoryPageSize,
		MaxBodyBytes: cfg.MaxMessageBytes,
	}, logger)
	gw := session.NewGateway(verifier, dir, msgs, hub, limiter, session.Options{
		MaxPendingEvents: cfg.MaxPendingEvents,
		HistoryLimit:     cfg.HistoryPageSize,
	}, logger)

	a.server = transporthttp.NewServer(gw, cfg, logger)
	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	// Hijacked WebSocket connections are not tracked by Shutdown; they end with this context.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()
	a.server.BaseContext = func(net.Listener) context.Context { return connCtx }

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		cancelConns()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
