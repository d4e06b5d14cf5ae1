// Package config loads and validates the process configuration from
// environment variables. A .env file, when present, is loaded by main before
// parsing; environment variables always win.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the umbrella configuration for the collabd server.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	Auth      Auth
	Agent     Agent
	Langfuse  Langfuse
	Presence  Presence
	Retention Retention
}

// Auth configures the bearer-token gate.
type Auth struct {
	// HMAC secret shared with the identity provider that issues the JWTs.
	JWTSecret      string `env:"AUTH_JWT_SECRET"`
	TokenCacheSize int    `env:"AUTH_TOKEN_CACHE_SIZE" envDefault:"4096"`
}

// Agent configures the LLM tool-calling executor.
type Agent struct {
	AnthropicAPIKey  string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel   string        `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-20250514"`
	AnthropicBaseURL string        `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	MaxTokens        int           `env:"ANTHROPIC_MAX_TOKENS" envDefault:"4096"`
	MaxTurns         int           `env:"MAX_TURNS" envDefault:"8"`
	PerTurnTimeout   time.Duration `env:"PER_TURN_TIMEOUT" envDefault:"60s"`

	// Frame auto-fit padding, in world units.
	PadSide   float64 `env:"PAD_SIDE" envDefault:"30"`
	PadTop    float64 `env:"PAD_TOP" envDefault:"70"`
	PadBottom float64 `env:"PAD_BOTTOM" envDefault:"30"`
}

// Langfuse configures LLM observability.
type Langfuse struct {
	SecretKey string `env:"LANGFUSE_SECRET_KEY"`
	PublicKey string `env:"LANGFUSE_PUBLIC_KEY"`
	Host      string `env:"LANGFUSE_HOST" envDefault:"https://cloud.langfuse.com"`
}

// Enabled reports whether observability credentials are configured.
func (l Langfuse) Enabled() bool {
	return l.SecretKey != "" && l.PublicKey != ""
}

// Presence configures cursor admission and stale eviction.
type Presence struct {
	ThrottleMS   int           `env:"THROTTLE_MS" envDefault:"60"`
	Stale        time.Duration `env:"STALE" envDefault:"30s"`
	StaleStore   time.Duration `env:"STALE_STORE" envDefault:"60s"`
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"10s"`
}

// Throttle returns the admission window as a duration.
func (p Presence) Throttle() time.Duration {
	return time.Duration(p.ThrottleMS) * time.Millisecond
}

// Retention configures the cleanup service.
type Retention struct {
	EventTTL time.Duration `env:"EVENT_RETENTION" envDefault:"24h"`
	Interval time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for errors. The Anthropic key and the JWT
// secret are hard requirements: without them the agent endpoint cannot serve
// a single request.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.Agent.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("MAX_TURNS must be >= 1, got %d", c.Agent.MaxTurns)
	}
	if c.Agent.PerTurnTimeout <= 0 {
		return fmt.Errorf("PER_TURN_TIMEOUT must be positive, got %s", c.Agent.PerTurnTimeout)
	}
	if c.Presence.ThrottleMS < 1 {
		return fmt.Errorf("THROTTLE_MS must be >= 1, got %d", c.Presence.ThrottleMS)
	}
	if c.Presence.Stale > c.Presence.StaleStore {
		return fmt.Errorf("STALE (%s) must not exceed STALE_STORE (%s)",
			c.Presence.Stale, c.Presence.StaleStore)
	}
	if c.Presence.ReapInterval <= 0 {
		return fmt.Errorf("REAP_INTERVAL must be positive, got %s", c.Presence.ReapInterval)
	}
	return nil
}
