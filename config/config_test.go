package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "test-secret")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":12345", cfg.TCPAddr)
	assert.Equal(t, ":8080", cfg.RESTAddr)
	assert.Equal(t, 150, cfg.WorkerPoolSize)
	assert.Equal(t, 10, cfg.ResourcePoolSize)
	assert.Equal(t, 30*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, "file:chat.db?_fk=1", cfg.DBDSN)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.Equal(t, "chat-server", cfg.JWTIssuer)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, float64(50), cfg.EventRate)
	assert.Equal(t, 100, cfg.EventBurst)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "test-secret")
	t.Setenv("CHAT_TCP_ADDR", ":9000")
	t.Setenv("CHAT_WORKER_POOL_SIZE", "32")
	t.Setenv("CHAT_ACQUIRE_TIMEOUT", "5s")
	t.Setenv("CHAT_EVENT_RATE", "12.5")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.TCPAddr)
	assert.Equal(t, 32, cfg.WorkerPoolSize)
	assert.Equal(t, 5*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, 12.5, cfg.EventRate)
}

func TestFromEnv_Errors(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("CHAT_JWT_SECRET", "")

		_, err := FromEnv()
		assert.ErrorContains(t, err, "CHAT_JWT_SECRET")
	})

	t.Run("invalid integer", func(t *testing.T) {
		t.Setenv("CHAT_JWT_SECRET", "test-secret")
		t.Setenv("CHAT_WORKER_POOL_SIZE", "many")

		_, err := FromEnv()
		assert.ErrorContains(t, err, "CHAT_WORKER_POOL_SIZE")
	})

	t.Run("invalid duration", func(t *testing.T) {
		t.Setenv("CHAT_JWT_SECRET", "test-secret")
		t.Setenv("CHAT_TOKEN_TTL", "never")

		_, err := FromEnv()
		assert.ErrorContains(t, err, "CHAT_TOKEN_TTL")
	})

	t.Run("pool size below one", func(t *testing.T) {
		t.Setenv("CHAT_JWT_SECRET", "test-secret")
		t.Setenv("CHAT_RESOURCE_POOL_SIZE", "0")

		_, err := FromEnv()
		assert.ErrorContains(t, err, "CHAT_RESOURCE_POOL_SIZE")
	})

	t.Run("listeners on the same address", func(t *testing.T) {
		t.Setenv("CHAT_JWT_SECRET", "test-secret")
		t.Setenv("CHAT_TCP_ADDR", ":7000")
		t.Setenv("CHAT_REST_ADDR", ":7000")

		_, err := FromEnv()
		assert.ErrorContains(t, err, "must differ")
	})
}
