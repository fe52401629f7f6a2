package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("ADMIN_PASSWORD", "hunter2")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-xxx")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("ENABLE_MODEL_SWAPPING", "true")
	t.Setenv("MODEL_MAPPING", "claude-3-5-*=claude-sonnet-4-20250514")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-secret", cfg.SecretKey)
	assert.Equal(t, "hunter2", cfg.AdminPassword)
	assert.Equal(t, "sk-ant-xxx", cfg.AnthropicAPIKey)
	assert.Equal(t, 9000, cfg.ServerPort)
	assert.True(t, cfg.EnableModelSwapping)
	assert.Equal(t, map[string]string{"claude-3-5-*": "claude-sonnet-4-20250514"}, cfg.ModelMapping)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "s")
	t.Setenv("ADMIN_PASSWORD", "p")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com", cfg.AnthropicBaseURL)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Equal(t, 8000, cfg.ServerPort)
	assert.Equal(t, 1000, cfg.DefaultRateLimit)
	assert.Equal(t, 300*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL())
}

func TestValidateRejectsMissingSecrets(t *testing.T) {
	cfg := Config{ServerPort: 8000, UpstreamTimeout: time.Second, AdminPassword: "p"}
	assert.Error(t, cfg.Validate())

	cfg = Config{ServerPort: 8000, UpstreamTimeout: time.Second, SecretKey: "s"}
	assert.Error(t, cfg.Validate())

	cfg = Config{ServerPort: 8000, UpstreamTimeout: time.Second, SecretKey: "s", AdminPassword: "p"}
	assert.NoError(t, cfg.Validate())
}

func TestParseMapping(t *testing.T) {
	assert.Nil(t, parseMapping(""))
	assert.Nil(t, parseMapping("garbage"))
	assert.Equal(t,
		map[string]string{"a": "b", "c": "d"},
		parseMapping("a=b, c=d"),
	)
}
