// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Rate limit backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all configuration for the ingress service.
type Config struct {
	// WhatsApp
	VerifyToken      string
	AppSecret        string
	RequireSignature bool

	// Storage
	DatabaseURL  string `validate:"required"`
	RedisURL     string `validate:"required"`
	QueueChannel string `validate:"required"`

	// Servers
	Port      int `validate:"min=1,max=65535"`
	AdminPort int `validate:"min=1,max=65535,nefield=Port"`

	// Rate limiting
	RateLimitBackend     string        `validate:"oneof=postgres redis memory"`
	RateLimitWindow      time.Duration `validate:"gt=0"`
	RateLimitMaxRequests int           `validate:"min=1"`
	RateLimitBlock       time.Duration `validate:"gt=0"`

	SecurityLogBuffer int `validate:"min=1"`

	// Conversation service
	ConversationURL          string `validate:"omitempty,url"`
	ConversationToken        string
	ConversationClientID     string
	ConversationClientSecret string `validate:"required_with=ConversationClientID"`
	ConversationTokenURL     string `validate:"required_with=ConversationClientID"`

	// Fast path and drainer
	InlineTimeout   time.Duration `validate:"gt=0"`
	DrainInProcess  bool
	DrainInterval   time.Duration `validate:"gt=0"`
	DrainBatch      int           `validate:"min=1"`
	DrainMaxRetries int           `validate:"min=1"`
	DrainRate       float64       `validate:"gte=0"`
	DedupTTL        time.Duration `validate:"gt=0"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	WhatsApp struct {
		VerifyToken      string `yaml:"verify_token"`
		AppSecret        string `yaml:"app_secret"`
		RequireSignature *bool  `yaml:"require_signature"`
	} `yaml:"whatsapp"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL          string `yaml:"url"`
		QueueChannel string `yaml:"queue_channel"`
	} `yaml:"redis"`
	RateLimit struct {
		Backend string `yaml:"backend"`
	} `yaml:"rate_limit"`
	Conversation struct {
		URL          string `yaml:"url"`
		Token        string `yaml:"token"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		TokenURL     string `yaml:"token_url"`
	} `yaml:"conversation"`
}

var validate = validator.New()

// Load reads an optional .env file, then config.yaml (with env var
// expansion), then environment variables for non-YAML settings. A missing
// config file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var raw rawConfig
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	requireSig := envOrDefaultBool("REQUIRE_SIGNATURE", false)
	if raw.WhatsApp.RequireSignature != nil {
		requireSig = *raw.WhatsApp.RequireSignature
	}

	cfg := &Config{
		VerifyToken:      firstNonEmpty(raw.WhatsApp.VerifyToken, os.Getenv("WHATSAPP_VERIFY_TOKEN")),
		AppSecret:        firstNonEmpty(raw.WhatsApp.AppSecret, os.Getenv("WHATSAPP_APP_SECRET")),
		RequireSignature: requireSig,

		DatabaseURL:  firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		QueueChannel: firstNonEmpty(raw.Redis.QueueChannel, envOrDefault("WEBHOOK_QUEUE_CHANNEL", "wa:webhook_queue")),

		Port:      envOrDefaultInt("PORT", 8080),
		AdminPort: envOrDefaultInt("ADMIN_PORT", 9090),

		RateLimitBackend:     strings.ToLower(firstNonEmpty(raw.RateLimit.Backend, envOrDefault("RATE_LIMIT_BACKEND", BackendPostgres))),
		RateLimitWindow:      envOrDefaultDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitMaxRequests: envOrDefaultInt("RATE_LIMIT_MAX_REQUESTS", 100),
		RateLimitBlock:       envOrDefaultDuration("RATE_LIMIT_BLOCK_DURATION", 5*time.Minute),

		SecurityLogBuffer: envOrDefaultInt("SECURITY_LOG_BUFFER", 1024),

		ConversationURL:          firstNonEmpty(raw.Conversation.URL, os.Getenv("CONVERSATION_URL")),
		ConversationToken:        firstNonEmpty(raw.Conversation.Token, os.Getenv("CONVERSATION_TOKEN")),
		ConversationClientID:     firstNonEmpty(raw.Conversation.ClientID, os.Getenv("CONVERSATION_CLIENT_ID")),
		ConversationClientSecret: firstNonEmpty(raw.Conversation.ClientSecret, os.Getenv("CONVERSATION_CLIENT_SECRET")),
		ConversationTokenURL:     firstNonEmpty(raw.Conversation.TokenURL, os.Getenv("CONVERSATION_TOKEN_URL")),

		InlineTimeout:   envOrDefaultDuration("INLINE_TIMEOUT", 5*time.Second),
		DrainInProcess:  envOrDefaultBool("DRAIN_IN_PROCESS", true),
		DrainInterval:   envOrDefaultDuration("DRAIN_INTERVAL", 30*time.Second),
		DrainBatch:      envOrDefaultInt("DRAIN_BATCH", 50),
		DrainMaxRetries: envOrDefaultInt("DRAIN_MAX_RETRIES", 5),
		DrainRate:       envOrDefaultFloat("DRAIN_RATE", 10),
		DedupTTL:        envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DispatchEnabled reports whether a conversation service is configured.
func (c *Config) DispatchEnabled() bool {
	return c.ConversationURL != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
