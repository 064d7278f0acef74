package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-relay/internal/app"
	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "wirechat",
		Short:        "Realtime direct-messaging relay",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")

	cmd.AddCommand(newServeCmd(opts), newTokenCmd(opts))
	return cmd
}

// loadConfig resolves configuration and applies flag overrides on top of it.
func loadConfig(opts *rootOptions, overrides config.Config) (config.Config, error) {
	bootstrap := log.New(opts.logLevel, opts.logFormat)

	cfg, path, err := config.Load(bootstrap, opts.configPath)
	if err != nil {
		return cfg, err
	}
	overrides.LogLevel = opts.logLevel
	overrides.LogFormat = opts.logFormat
	cfg.UpdateFrom(overrides)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.JWTSecret == config.DefaultJWTSecret {
		bootstrap.Warn().Msg("jwt_secret is the development default")
	}

	bootstrap.Debug().Str("path", path).Msg("config loaded")
	return cfg, nil
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var flags config.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, flags)
			if err != nil {
				return err
			}
			logger := log.New(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, &cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Msg("starting wirechat relay")
			if err := application.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&flags.DatabasePath, "db", "", "SQLite database path")
	cmd.Flags().DurationVar(&flags.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	cmd.Flags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	cmd.Flags().StringVar(&flags.RedisURL, "redis-url", "", "Redis URL for the shared send rate limiter")
	return cmd
}

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		id  auth.Identity
		ttl time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id.UserID == "" {
				return fmt.Errorf("--sub is required")
			}
			cfg, err := loadConfig(root, config.Config{})
			if err != nil {
				return err
			}

			token, err := auth.GenerateToken(&auth.JWTConfig{
				Secret:   []byte(cfg.JWTSecret),
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				TTL:      ttl,
			}, id)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&id.UserID, "sub", "", "user id (token subject)")
	cmd.Flags().StringVar(&id.Name, "name", "", "display name")
	cmd.Flags().StringVar(&id.Email, "email", "", "email address")
	cmd.Flags().StringVar(&id.AvatarURL, "picture", "", "avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
