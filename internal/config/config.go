// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package config defines the application configuration and its layered
// loading: struct defaults, then an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Security SecurityConfig `koanf:"security"`
	NATS     NATSConfig     `koanf:"nats"`
	Store    StoreConfig    `koanf:"store"`
	Presence PresenceConfig `koanf:"presence"`
	Typing   TypingConfig   `koanf:"typing"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// SecurityConfig configures connection authentication.
type SecurityConfig struct {
	AuthMode  string `koanf:"auth_mode" validate:"oneof=none jwt"`
	JWTSecret string `koanf:"jwt_secret"`
}

// NATSConfig configures the optional pub/sub gateway.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	EmbeddedHost   string        `koanf:"embedded_host"`
	EmbeddedPort   int           `koanf:"embedded_port"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
}

// StoreConfig configures message persistence. CacheSize of zero disables the
// history read cache.
type StoreConfig struct {
	Backend      string        `koanf:"backend" validate:"oneof=badger memory none"`
	Path         string        `koanf:"path"`
	HistoryLimit int           `koanf:"history_limit" validate:"min=1"`
	CacheSize    int           `koanf:"cache_size" validate:"min=0"`
	CacheTTL     time.Duration `koanf:"cache_ttl"`
}

// PresenceConfig configures the presence read model.
type PresenceConfig struct {
	Backend       string `koanf:"backend" validate:"oneof=memory redis"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// TypingConfig configures typing indicator expiry.
type TypingConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// validate checks struct tags. A single instance is safe for concurrent use.
var validate = validator.New()

// Validate checks the configuration for internal consistency beyond what the
// struct tags express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Security.AuthMode == "jwt" && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when auth_mode is jwt")
	}
	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when store.backend is badger")
	}
	if c.Presence.Backend == "redis" && c.Presence.RedisAddr == "" {
		return fmt.Errorf("presence.redis_addr is required when presence.backend is redis")
	}
	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled without an embedded server")
	}
	return nil
}
