package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/native/internal/config"
	"peercall/native/internal/domain"
	"peercall/native/internal/logging"
	"peercall/native/internal/relay"
	"peercall/native/internal/store/memory"
	"peercall/native/internal/store/redisstore"

	"go.uber.org/zap"
)

const helpText = `signalrelay - Share a call signaling store over WebSocket

Usage:
  signalrelay

Endpoints:
  GET /ws           WebSocket store protocol
  GET /ice-servers  STUN/TURN servers for clients
  GET /healthz      Liveness
  GET /metrics      Prometheus metrics

Environment Variables:
  RELAY_LISTEN_ADDR      Listen address (default :8088)
  RELAY_STORE            memory (default) or redis
  RELAY_REDIS_ADDR       Redis address (default localhost:6379)
  RELAY_JWT_SECRET       HS256 secret; empty disables authentication
  RELAY_ICE_SERVERS      Comma separated STUN/TURN URLs handed to clients
  RELAY_ALLOWED_ORIGINS  Comma separated browser origins (default any)
  RELAY_LOG_LEVEL        debug, info (default), warn or error

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadRelay()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	var store domain.SignalStore
	switch cfg.Store {
	case config.StoreRedis:
		rs, err := redisstore.Open(ctx, redisstore.Config{Addr: cfg.RedisAddr}, log)
		if err != nil {
			log.Fatal("open redis store", zap.Error(err))
		}
		defer func() { _ = rs.Close() }()
		store = rs
	default:
		store = memory.New(log)
	}

	if len(cfg.JWTSecret) == 0 {
		log.Warn("RELAY_JWT_SECRET is empty, authentication disabled")
	}
	relaySrv := relay.NewServer(relay.ServerConfig{
		Store:          store,
		JWTSecret:      cfg.JWTSecret,
		ICEServers:     cfg.ICEServers,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           relaySrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("signalrelay listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	// Shutdown does not touch hijacked WebSocket connections.
	relaySrv.Close()
	log.Info("signalrelay stopped")
}
