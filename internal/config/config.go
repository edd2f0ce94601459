package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/media"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreRelay  = "relay"
)

// Client holds the peercall configuration.
type Client struct {
	UserID         string
	Store          string
	RedisAddr      string
	RelayURL       string
	RelayToken     string
	ICEServers     []domain.ICEServer
	Quality        media.Quality
	Audio          bool
	Video          bool
	SetupTimeout   time.Duration
	MaxRestarts    int
	DeleteOnHangup bool
	LogLevel       string
}

// Relay holds the signalrelay configuration.
type Relay struct {
	ListenAddr     string
	Store          string
	RedisAddr      string
	JWTSecret      []byte
	ICEServers     []domain.ICEServer
	AllowedOrigins []string
	LogLevel       string
}

// LoadClient reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func LoadClient() (*Client, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	var errs []error
	cfg := &Client{
		UserID:     os.Getenv("PEERCALL_USER_ID"),
		Store:      envOr("PEERCALL_STORE", StoreRelay),
		RedisAddr:  envOr("PEERCALL_REDIS_ADDR", "localhost:6379"),
		RelayURL:   envOr("PEERCALL_RELAY_URL", "ws://localhost:8088/ws"),
		RelayToken: os.Getenv("PEERCALL_RELAY_TOKEN"),
		ICEServers: parseICEServers(os.Getenv("PEERCALL_ICE_SERVERS"), os.Getenv("PEERCALL_ICE_USERNAME"), os.Getenv("PEERCALL_ICE_CREDENTIAL")),
		LogLevel:   envOr("PEERCALL_LOG_LEVEL", "info"),
	}
	if cfg.UserID == "" {
		errs = append(errs, errors.New("PEERCALL_USER_ID environment variable is required"))
	}
	switch cfg.Store {
	case StoreRedis, StoreRelay:
	default:
		errs = append(errs, fmt.Errorf("PEERCALL_STORE must be %q or %q, got %q", StoreRedis, StoreRelay, cfg.Store))
	}

	q, err := media.ParseQuality(envOr("PEERCALL_QUALITY", string(media.Quality720p)))
	if err != nil {
		errs = append(errs, fmt.Errorf("PEERCALL_QUALITY: %w", err))
	}
	cfg.Quality = q

	cfg.Audio, err = boolEnv("PEERCALL_AUDIO", true)
	errs = append(errs, err)
	cfg.Video, err = boolEnv("PEERCALL_VIDEO", true)
	errs = append(errs, err)
	cfg.DeleteOnHangup, err = boolEnv("PEERCALL_DELETE_ON_HANGUP", false)
	errs = append(errs, err)
	cfg.SetupTimeout, err = durationEnv("PEERCALL_SETUP_TIMEOUT", 60*time.Second)
	errs = append(errs, err)
	cfg.MaxRestarts, err = intEnv("PEERCALL_MAX_RESTARTS", 3)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelay reads the relay configuration the same way LoadClient does.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()

	cfg := &Relay{
		ListenAddr: envOr("RELAY_LISTEN_ADDR", ":8088"),
		Store:      envOr("RELAY_STORE", StoreMemory),
		RedisAddr:  envOr("RELAY_REDIS_ADDR", "localhost:6379"),
		JWTSecret:  []byte(os.Getenv("RELAY_JWT_SECRET")),
		ICEServers: parseICEServers(envOr("RELAY_ICE_SERVERS", "stun:stun.l.google.com:19302"), os.Getenv("RELAY_ICE_USERNAME"), os.Getenv("RELAY_ICE_CREDENTIAL")),
		LogLevel:   envOr("RELAY_LOG_LEVEL", "info"),
	}
	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	switch cfg.Store {
	case StoreMemory, StoreRedis:
	default:
		return nil, fmt.Errorf("RELAY_STORE must be %q or %q, got %q", StoreMemory, StoreRedis, cfg.Store)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

// durationEnv accepts Go durations ("45s") or plain seconds ("45"). 0 disables.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def, fmt.Errorf("%s must be a non-negative duration, got %q", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseICEServers turns a comma list of URLs into one server per URL.
// Credentials apply to turn: and turns: URLs only.
func parseICEServers(list, username, credential string) []domain.ICEServer {
	var out []domain.ICEServer
	for _, u := range splitList(list) {
		s := domain.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = username
			s.Credential = credential
		}
		out = append(out, s)
	}
	return out
}
