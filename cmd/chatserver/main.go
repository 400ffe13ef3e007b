// Command chatserver runs the real-time messaging backend: a streaming
// listener for chat events and a REST listener for account and social-graph
// operations, sharing one worker pool and one store-connection pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cyberinferno/chat-server/auth"
	"github.com/cyberinferno/chat-server/cacher"
	"github.com/cyberinferno/chat-server/config"
	"github.com/cyberinferno/chat-server/logger"
	"github.com/cyberinferno/chat-server/metrics"
	"github.com/cyberinferno/chat-server/registry"
	"github.com/cyberinferno/chat-server/restserver"
	"github.com/cyberinferno/chat-server/store"
	"github.com/cyberinferno/chat-server/tcpserver"
	"github.com/cyberinferno/chat-server/workerpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid CHAT_LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	log := logger.NewZerologLogger(os.Stdout, "chat-server", level)
	m := metrics.New()

	userCache, revocationCache, redisClient, err := buildCaches(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	st, err := store.NewSQLiteStore(cfg.DBDSN, cfg.ResourcePoolSize, cfg.AcquireTimeout, userCache, log)
	if err != nil {
		return fmt.Errorf("store error: %w", err)
	}
	defer func() { _ = st.Close() }()

	tokens := auth.NewManager([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.TokenTTL, st, revocationCache)
	reg := registry.New(log, m)
	pool := workerpool.New(cfg.WorkerPoolSize, log)

	tcpSrv := &tcpserver.Server{
		Logger: log,
		Name:   "chat",
		Addr:   cfg.TCPAddr,
		Pool:   pool,
		NewSession: tcpserver.NewChatSessionFactory(tcpserver.Deps{
			Store:    st,
			Tokens:   tokens,
			Registry: reg,
			Metrics:  m,
			Logger:   log,
		}, tcpserver.SessionConfig{
			WriteTimeout: cfg.WriteTimeout,
			EventRate:    rate.Limit(cfg.EventRate),
			EventBurst:   cfg.EventBurst,
		}),
	}

	restSrv := restserver.New(cfg.RESTAddr, restserver.Deps{
		Store:   st,
		Tokens:  tokens,
		Pool:    pool,
		Metrics: m,
		Logger:  log,
	})

	if err := tcpSrv.Start(); err != nil {
		return err
	}

	if err := restSrv.Start(); err != nil {
		tcpSrv.Stop()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")

	tcpSrv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := restSrv.Stop(shutdownCtx); err != nil {
		log.Error("rest shutdown error", logger.Field{Key: "error", Value: err})
	}

	pool.Shutdown()
	return nil
}

// buildCaches selects Redis-backed caches when CHAT_REDIS_ADDR is set and
// in-memory caches otherwise.
func buildCaches(cfg config.Config) (cacher.Cacher[store.User], cacher.Cacher[bool], *redis.Client, error) {
	if cfg.RedisAddr == "" {
		return cacher.NewMemoryCacher[store.User](5*time.Minute, 10*time.Minute),
			cacher.NewMemoryCacher[bool](time.Minute, 10*time.Minute),
			nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping error: %w", err)
	}

	return cacher.NewRedisCacher[store.User](client), cacher.NewRedisCacher[bool](client), client, nil
}
