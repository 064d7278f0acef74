package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultJWTSecret is the development secret written to fresh config files.
const DefaultJWTSecret = "change-me-in-production"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	MaxMessageBytes    int           `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" yaml:"session_idle_timeout"`
	MaxPendingEvents   int           `mapstructure:"max_pending_events" yaml:"max_pending_events"`
	HistoryPageSize    int           `mapstructure:"history_page_size" yaml:"history_page_size"`
	SendRatePerMinute  int           `mapstructure:"send_rate_per_minute" yaml:"send_rate_per_minute"`

	// RedisURL switches the send rate limiter to Redis when set, e.g. redis://localhost:6379/0.
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		LogLevel:           "info",
		LogFormat:          "console",
		DatabasePath:       "wirechat.db",
		JWTSecret:          DefaultJWTSecret,
		JWTIssuer:          "wirechat",
		JWTAudience:        "wirechat-relay",
		MaxMessageBytes:    64 << 10,
		SessionIdleTimeout: 2 * time.Minute,
		MaxPendingEvents:   1024,
		HistoryPageSize:    50,
		SendRatePerMinute:  120,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.JWTIssuer != "" {
		c.JWTIssuer = other.JWTIssuer
	}
	if other.JWTAudience != "" {
		c.JWTAudience = other.JWTAudience
	}
	if other.MaxMessageBytes != 0 {
		c.MaxMessageBytes = other.MaxMessageBytes
	}
	if other.SessionIdleTimeout != 0 {
		c.SessionIdleTimeout = other.SessionIdleTimeout
	}
	if other.MaxPendingEvents != 0 {
		c.MaxPendingEvents = other.MaxPendingEvents
	}
	if other.HistoryPageSize != 0 {
		c.HistoryPageSize = other.HistoryPageSize
	}
	if other.SendRatePerMinute != 0 {
		c.SendRatePerMinute = other.SendRatePerMinute
	}
	if other.RedisURL != "" {
		c.RedisURL = other.RedisURL
	}
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("database_path is empty"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is empty"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes))
	}
	if c.HistoryPageSize <= 0 {
		errs = append(errs, fmt.Errorf("history_page_size must be positive, got %d", c.HistoryPageSize))
	}
	if c.MaxPendingEvents < 0 {
		errs = append(errs, fmt.Errorf("max_pending_events must not be negative, got %d", c.MaxPendingEvents))
	}
	if c.SendRatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("send_rate_per_minute must not be negative, got %d", c.SendRatePerMinute))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("session_idle_timeout must not be negative, got %v", c.SessionIdleTimeout))
	}
	if c.LogFormat != "" && c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
