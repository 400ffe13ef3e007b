// Package config reads process configuration from CHAT_* environment
// variables. Configuration is fixed at process start; nothing here is
// reconfigurable at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration.
type Config struct {
	// TCPAddr is the bind address of the streaming listener.
	TCPAddr string
	// RESTAddr is the bind address of the request/response listener.
	RESTAddr string

	// WorkerPoolSize bounds concurrently executing tasks across both
	// listeners; it is simultaneously the max parallel request handlers and
	// the max concurrent live connections.
	WorkerPoolSize int
	// ResourcePoolSize is the number of pooled backing-store handles.
	ResourcePoolSize int
	// AcquireTimeout bounds the wait for a pooled store handle.
	AcquireTimeout time.Duration

	// DBDSN is the SQLite datasource.
	DBDSN string
	// RedisAddr enables the Redis cache when non-empty; otherwise caches are
	// in-memory.
	RedisAddr string

	// JWTSecret signs bearer tokens. Required.
	JWTSecret string
	// JWTIssuer is stamped on and required of every token.
	JWTIssuer string
	// TokenTTL is the bearer token lifetime.
	TokenTTL time.Duration

	// WriteTimeout bounds each outbound connection write.
	WriteTimeout time.Duration
	// EventRate is the per-connection sustained inbound envelope rate; zero
	// disables limiting.
	EventRate float64
	// EventBurst is the limiter burst when EventRate is set.
	EventBurst int

	// LogLevel is the zerolog level name (debug, info, warn, error).
	LogLevel string
}

// FromEnv builds a Config from the environment, applying defaults and
// validating required values.
//
// Returns:
//   - The parsed Config, or an error naming the offending variable
func FromEnv() (Config, error) {
	cfg := Config{
		TCPAddr:   envString("CHAT_TCP_ADDR", ":12345"),
		RESTAddr:  envString("CHAT_REST_ADDR", ":8080"),
		DBDSN:     envString("CHAT_DB_DSN", "file:chat.db?_fk=1"),
		RedisAddr: envString("CHAT_REDIS_ADDR", ""),
		JWTSecret: envString("CHAT_JWT_SECRET", ""),
		JWTIssuer: envString("CHAT_JWT_ISSUER", "chat-server"),
		LogLevel:  envString("CHAT_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.WorkerPoolSize, err = envInt("CHAT_WORKER_POOL_SIZE", 150); err != nil {
		return Config{}, err
	}

	if cfg.ResourcePoolSize, err = envInt("CHAT_RESOURCE_POOL_SIZE", 10); err != nil {
		return Config{}, err
	}

	if cfg.EventBurst, err = envInt("CHAT_EVENT_BURST", 100); err != nil {
		return Config{}, err
	}

	if cfg.EventRate, err = envFloat("CHAT_EVENT_RATE", 50); err != nil {
		return Config{}, err
	}

	if cfg.AcquireTimeout, err = envDuration("CHAT_ACQUIRE_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.TokenTTL, err = envDuration("CHAT_TOKEN_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}

	if cfg.WriteTimeout, err = envDuration("CHAT_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate rejects configurations the server cannot run with.
func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("CHAT_JWT_SECRET is required")
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("CHAT_WORKER_POOL_SIZE must be at least 1")
	}

	if c.ResourcePoolSize < 1 {
		return fmt.Errorf("CHAT_RESOURCE_POOL_SIZE must be at least 1")
	}

	if c.TCPAddr == c.RESTAddr {
		return fmt.Errorf("CHAT_TCP_ADDR and CHAT_REST_ADDR must differ")
	}

	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}

	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}

	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}

	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}

	return d, nil
}
