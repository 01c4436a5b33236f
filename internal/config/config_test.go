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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points CONFIG_PATH at a file in a temp dir and clears every key
// Load reads so the host environment cannot leak in.
func isolate(t *testing.T, yamlBody string) {
	t.Helper()
	for _, k := range []string{
		"WHATSAPP_VERIFY_TOKEN", "WHATSAPP_APP_SECRET", "REQUIRE_SIGNATURE",
		"DATABASE_URL", "REDIS_URL", "WEBHOOK_QUEUE_CHANNEL", "PORT", "ADMIN_PORT",
		"RATE_LIMIT_BACKEND", "RATE_LIMIT_WINDOW", "RATE_LIMIT_MAX_REQUESTS", "RATE_LIMIT_BLOCK_DURATION",
		"SECURITY_LOG_BUFFER", "CONVERSATION_URL", "CONVERSATION_TOKEN", "CONVERSATION_CLIENT_ID",
		"CONVERSATION_CLIENT_SECRET", "CONVERSATION_TOKEN_URL", "INLINE_TIMEOUT", "DRAIN_IN_PROCESS",
		"DRAIN_INTERVAL", "DRAIN_BATCH", "DRAIN_MAX_RETRIES", "DRAIN_RATE", "DEDUP_TTL",
	} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if yamlBody != "" {
		require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	}
	t.Setenv("CONFIG_PATH", path)
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t, "")
	t.Setenv("DATABASE_URL", "postgres://localhost/wa")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/wa", cfg.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "wa:webhook_queue", cfg.QueueChannel)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 9090, cfg.AdminPort)
	assert.False(t, cfg.RequireSignature)
	assert.Equal(t, BackendPostgres, cfg.RateLimitBackend)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.RateLimitMaxRequests)
	assert.Equal(t, 5*time.Minute, cfg.RateLimitBlock)
	assert.Equal(t, 1024, cfg.SecurityLogBuffer)
	assert.Equal(t, 5*time.Second, cfg.InlineTimeout)
	assert.True(t, cfg.DrainInProcess)
	assert.Equal(t, 30*time.Second, cfg.DrainInterval)
	assert.Equal(t, 50, cfg.DrainBatch)
	assert.Equal(t, 5, cfg.DrainMaxRetries)
	assert.Equal(t, 10.0, cfg.DrainRate)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL)
	assert.False(t, cfg.DispatchEnabled())
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	isolate(t, `
whatsapp:
  verify_token: ${TEST_VERIFY}
  app_secret: shh
  require_signature: true
database:
  url: postgres://db/wa
redis:
  url: redis://cache:6379/1
  queue_channel: wa:custom
rate_limit:
  backend: Redis
conversation:
  url: https://conversation.internal/process
  token: static-token
`)
	t.Setenv("TEST_VERIFY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.VerifyToken)
	assert.Equal(t, "shh", cfg.AppSecret)
	assert.True(t, cfg.RequireSignature)
	assert.Equal(t, "postgres://db/wa", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, "wa:custom", cfg.QueueChannel)
	assert.Equal(t, BackendRedis, cfg.RateLimitBackend)
	assert.Equal(t, "static-token", cfg.ConversationToken)
	assert.True(t, cfg.DispatchEnabled())
}

func TestLoad_EnvTunables(t *testing.T) {
	isolate(t, "")
	t.Setenv("DATABASE_URL", "postgres://localhost/wa")
	t.Setenv("REQUIRE_SIGNATURE", "true")
	t.Setenv("RATE_LIMIT_WINDOW", "2m")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "7")
	t.Setenv("DRAIN_RATE", "2.5")
	t.Setenv("DRAIN_IN_PROCESS", "false")
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.RequireSignature)
	assert.Equal(t, 2*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 7, cfg.RateLimitMaxRequests)
	assert.Equal(t, 2.5, cfg.DrainRate)
	assert.False(t, cfg.DrainInProcess)
	assert.Equal(t, 8080, cfg.Port, "unparseable values fall back to the default")
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database", map[string]string{}},
		{"unknown backend", map[string]string{"DATABASE_URL": "postgres://x", "RATE_LIMIT_BACKEND": "etcd"}},
		{"zero max requests", map[string]string{"DATABASE_URL": "postgres://x", "RATE_LIMIT_MAX_REQUESTS": "0"}},
		{"ports collide", map[string]string{"DATABASE_URL": "postgres://x", "PORT": "9000", "ADMIN_PORT": "9000"}},
		{"bad conversation url", map[string]string{"DATABASE_URL": "postgres://x", "CONVERSATION_URL": "not a url"}},
		{"client id without secret", map[string]string{"DATABASE_URL": "postgres://x", "CONVERSATION_CLIENT_ID": "svc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t, "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	isolate(t, "whatsapp: [unclosed")
	t.Setenv("DATABASE_URL", "postgres://x")

	_, err := Load()
	assert.ErrorContains(t, err, "parse config YAML")
}
