package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PUBLIC_BASE_URL", "RENDER_EXTERNAL_URL", "RENDER_EXTERNAL_HOSTNAME", "PORT",
		"WEBAPP_URL", "DATABASE_URL", "REDIS_URL", "CORS_ALLOWED_ORIGINS", "COMBO_BACKEND",
		"JWT_SECRET", "JWT_TTL", "INIT_DATA_MAX_AGE", "HTTP_ADDR", "RUN_API",
		"ENERGY_REGEN_RATE", "COMBO_WINDOW_MS", "TX_MAX_RETRIES", "CRITICAL_CHANCE",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("RUN_BOT", "true")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.PublicBaseURL)
	assert.Equal(t, cfg.PublicBaseURL, cfg.WebappURL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{cfg.WebappURL}, cfg.CORSOrigins)
	assert.Equal(t, "memory", cfg.ComboBackend)
	assert.Equal(t, "123:abc", cfg.JWTSecret)
	assert.True(t, cfg.JWTSecretFromBotToken)
	assert.Equal(t, 24*time.Hour, cfg.InitDataMaxAge)

	assert.Equal(t, int64(1), cfg.Mining.EnergyRegenRate)
	assert.Equal(t, 2*time.Second, cfg.Mining.ComboWindow)
	assert.Equal(t, 3, cfg.Mining.MaxTxRetries)
	assert.Equal(t, int64(1000), cfg.Mining.DefaultMaxEnergy)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RENDER_EXTERNAL_HOSTNAME", "tap.example.com")
	t.Setenv("REDIS_URL", "redis-cli -u redis://default:pw@cache:6379")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,https://a.example")
	t.Setenv("ENERGY_REGEN_RATE", "3")
	t.Setenv("COMBO_WINDOW_MS", "1500")
	t.Setenv("INIT_DATA_MAX_AGE", "3600")
	t.Setenv("JWT_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://tap.example.com", cfg.PublicBaseURL)
	assert.Equal(t, "redis://default:pw@cache:6379", cfg.RedisURL)
	assert.Equal(t, "redis", cfg.ComboBackend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, int64(3), cfg.Mining.EnergyRegenRate)
	assert.Equal(t, 1500*time.Millisecond, cfg.Mining.ComboWindow)
	assert.Equal(t, time.Hour, cfg.InitDataMaxAge)
	assert.Equal(t, 2*time.Hour, cfg.JWTTTL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CRITICAL_CHANCE", "1.5")
	t.Setenv("COMBO_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical chance")
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoadRequiresBotToken(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BOT_TOKEN", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("RUN_BOT", "false")
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.False(t, cfg.JWTSecretFromBotToken)
}

func TestNormalizeDatabaseURL(t *testing.T) {
	got := normalizeDatabaseURL(`psql 'postgresql://u:p@host/db?sslmode=require&channel_binding=require'`)
	assert.Equal(t, "postgresql://u:p@host/db?sslmode=require", got)
	assert.Equal(t, "", normalizeDatabaseURL("  "))
}

func TestParseCSV(t *testing.T) {
	assert.Nil(t, parseCSV(""))
	assert.Equal(t, []string{"a", "b"}, parseCSV(" a, ,b,a "))
}
