package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig configures the relay.
type ServerConfig struct {
	Store domain.SignalStore
	// JWTSecret enables HS256 bearer authentication. Empty disables it.
	JWTSecret      []byte
	ICEServers     []domain.ICEServer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server serves the relay endpoints.
type Server struct {
	cfg      ServerConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:   cfg,
		log:   log.Named("relay"),
		conns: make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(chimw.RequestID)
		r.Use(s.requestLog)
		r.Get("/healthz", s.health)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/ice-servers", s.iceServers)
	})
	r.Get("/ws", s.serveWS)
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", chimw.GetReqID(r.Context())),
		)
	})
}

// Close drops every open connection and its subscriptions.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// iceServersResponse is the envelope of GET /ice-servers.
type iceServersResponse struct {
	Result int    `json:"result"`
	Msg    string `json:"msg"`
	Data   struct {
		ICEServers []domain.ICEServer `json:"iceServers"`
	} `json:"data"`
}

func (s *Server) iceServers(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var resp iceServersResponse
	resp.Msg = "success"
	resp.Data.ICEServers = s.cfg.ICEServers
	if resp.Data.ICEServers == nil {
		resp.Data.ICEServers = []domain.ICEServer{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// authenticate returns the token subject, or "" when auth is disabled.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if len(s.cfg.JWTSecret) == 0 {
		return "", nil
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", errors.New("missing bearer token")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.cfg.JWTSecret, nil
	}); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// IssueToken signs a relay token for userID. It is used by tooling and tests.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		s.log.Info("rejecting connection", zap.Error(err))
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(s, ws, userID)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metrics.RelayConnections.Inc()

	c.log.Info("connection opened")
	c.readLoop()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.RelayConnections.Dec()
	c.log.Info("connection closed")
}
