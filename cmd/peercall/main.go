package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"peercall/native/internal/api"
	"peercall/native/internal/call"
	"peercall/native/internal/config"
	"peercall/native/internal/domain"
	"peercall/native/internal/logging"
	"peercall/native/internal/media"
	"peercall/native/internal/relay"
	"peercall/native/internal/store/redisstore"
	"peercall/native/internal/webrtc"

	"go.uber.org/zap"
)

const helpText = `peercall - Place or answer a one-to-one WebRTC call

Usage:
  peercall call <call-id>   Start a call and wait for the other party
  peercall join <call-id>   Answer a call someone else started

Both parties must use the same signaling store (a signalrelay or Redis).
Media comes from a synthetic source (Opus silence and VP8 frames); remote
tracks are logged as they arrive. Press Ctrl-C to hang up.

Environment Variables:
  PEERCALL_USER_ID           Your user id (required)
  PEERCALL_STORE             relay (default) or redis
  PEERCALL_RELAY_URL         Relay WebSocket URL (default ws://localhost:8088/ws)
  PEERCALL_RELAY_TOKEN       Bearer token for the relay
  PEERCALL_REDIS_ADDR        Redis address (default localhost:6379)
  PEERCALL_ICE_SERVERS       Comma separated STUN/TURN URLs
  PEERCALL_QUALITY           480p, 720p (default), 1080p, 4K or auto
  PEERCALL_AUDIO             Send audio (default true)
  PEERCALL_VIDEO             Send video (default true)
  PEERCALL_SETUP_TIMEOUT     Give up if not connected within this time (default 60s, 0 disables)
  PEERCALL_MAX_RESTARTS      ICE restarts before giving up (default 3)
  PEERCALL_DELETE_ON_HANGUP  Delete signaling data when hanging up (default false)
  PEERCALL_LOG_LEVEL         debug, info (default), warn or error

Examples:
  PEERCALL_USER_ID=alice peercall call standup
  PEERCALL_USER_ID=bob peercall join standup

Options:
  -h, --help  Show this help message
`

var publicSTUN = []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}
	if len(os.Args) != 3 || (os.Args[1] != "call" && os.Args[1] != "join") {
		fmt.Fprint(os.Stderr, helpText)
		os.Exit(2)
	}
	mode, callID := os.Args[1], os.Args[2]

	cfg, err := config.LoadClient()
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

	if err := run(log, cfg, mode, callID); err != nil {
		log.Error("call failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(log *zap.Logger, cfg *config.Client, mode, callID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigCh)

	store, closeStore, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	iceServers := resolveICEServers(ctx, log, cfg)
	factory, err := webrtc.Factory(webrtc.Options{
		ICEServers:    iceServers,
		LoggerFactory: logging.PionFactory{Logger: log},
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("create peer factory: %w", err)
	}

	callCfg := call.DefaultConfig()
	callCfg.SetupTimeout = cfg.SetupTimeout
	callCfg.MaxRestarts = cfg.MaxRestarts

	manager := call.NewManager(call.Deps{
		Store:   store,
		Media:   media.NewAcquirer(&media.TestSource{}, log),
		NewPeer: factory,
		Logger:  log,
	}, callCfg)
	if err := manager.InitializeForUser(cfg.UserID); err != nil {
		return err
	}
	defer func() { _ = manager.Clear() }()

	session, err := manager.NewSession()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	giveUp := make(chan error, 1)
	var view media.View
	session.OnStateChange(func(st call.State) {
		log.Info("call state", zap.String("state", string(st)))
		if st.Terminal() {
			doneOnce.Do(func() { close(done) })
		}
	})
	session.OnConnectionStateChange(func(st domain.ConnectionState) {
		log.Info("connection state", zap.String("state", string(st)))
	})
	session.OnLocalStream(func(s *media.LocalStream) {
		log.Info("local media ready", zap.Int("tracks", len(s.Tracks())))
	})
	session.OnRemoteStream(func(s *media.RemoteStream) {
		for _, t := range view.Update(s) {
			log.Info("remote track", zap.String("id", t.ID()), zap.String("kind", string(t.Kind())))
		}
	})
	session.OnError(func(err error) {
		fields := []zap.Field{zap.String("kind", string(call.KindOf(err))), zap.Error(err)}
		var ce *call.Error
		if errors.As(err, &ce) && ce.Hint() != "" {
			fields = append(fields, zap.String("hint", ce.Hint()))
		}
		log.Error("call error", fields...)
		switch call.KindOf(err) {
		case call.KindConnectivity, call.KindSetupTimeout, call.KindNegotiation:
			select {
			case giveUp <- err:
			default:
			}
		}
	})

	av := media.Config{Audio: cfg.Audio, Video: cfg.Video}
	log.Info("starting", zap.String("mode", mode), zap.String("callID", callID), zap.String("user", cfg.UserID))
	if mode == "call" {
		err = session.StartCall(ctx, callID, av, cfg.Quality)
	} else {
		err = session.JoinCall(ctx, callID, av, cfg.Quality)
	}
	if err != nil {
		return err
	}

	var result error
	select {
	case sig := <-sigCh:
		log.Info("hanging up", zap.String("signal", sig.String()))
	case <-done:
		log.Info("call ended by the other party")
		return nil
	case result = <-giveUp:
		log.Info("giving up on the call")
	}

	hangupCtx, hangupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hangupCancel()
	if err := session.EndCall(hangupCtx, cfg.DeleteOnHangup); err != nil {
		log.Warn("hangup incomplete", zap.Error(err))
	}
	return result
}

func openStore(ctx context.Context, log *zap.Logger, cfg *config.Client) (domain.SignalStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		s, err := redisstore.Open(ctx, redisstore.Config{Addr: cfg.RedisAddr}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := relay.Dial(dialCtx, relay.ClientConfig{URL: cfg.RelayURL, Token: cfg.RelayToken, Logger: log})
		if err != nil {
			return nil, nil, fmt.Errorf("connect relay: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	}
}

// resolveICEServers prefers configured servers, then the relay's list, then public STUN.
func resolveICEServers(ctx context.Context, log *zap.Logger, cfg *config.Client) []domain.ICEServer {
	if len(cfg.ICEServers) > 0 {
		return cfg.ICEServers
	}
	if cfg.Store == config.StoreRelay {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		servers, err := api.NewClient(api.HTTPBase(cfg.RelayURL), cfg.RelayToken).FetchICEServers(fetchCtx)
		if err == nil && len(servers) > 0 {
			log.Info("using relay ice servers", zap.Int("count", len(servers)))
			return servers
		}
		if err != nil {
			log.Warn("fetch ice servers", zap.Error(err))
		}
	}
	return publicSTUN
}
