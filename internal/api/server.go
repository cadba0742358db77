package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tapminer/internal/mining"
	"tapminer/internal/telegram"
)

// Miner is the engine surface the HTTP layer drives.
type Miner interface {
	Config() mining.Config
	EnsureUser(ctx context.Context, p mining.Profile) (mining.UserState, error)
	User(ctx context.Context, userID int64) (mining.UserState, error)
	Tap(ctx context.Context, userID int64, tapCount int64) (mining.TapResult, error)
	Stats(ctx context.Context, userID int64) (mining.StatsView, error)
	StartSession(ctx context.Context, userID int64) (mining.SessionResult, error)
	StopSession(ctx context.Context, userID int64) (mining.StopResult, error)
	Sessions(ctx context.Context, userID int64, limit int64) ([]mining.Session, error)
}

// Metrics is optional; monitoring.Metrics satisfies it.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
	WSConnected()
	WSDisconnected()
}

type Options struct {
	Engine   Miner
	Verifier *telegram.Verifier
	Tokens   *TokenIssuer
	Metrics  Metrics
	Logger   zerolog.Logger

	CORSOrigins     []string
	RateLimitPerSec float64
	RateLimitBurst  int
	// Health reports dependency failures on /health. Nil means always healthy.
	Health func(ctx context.Context) error
}

type Server struct {
	engine   Miner
	verifier *telegram.Verifier
	tokens   *TokenIssuer
	metrics  Metrics
	errs     *ErrorHandler
	limiter  *userLimiter
	log      zerolog.Logger
	health   func(ctx context.Context) error
	origins  []string
	upgrader websocket.Upgrader

	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}
}

func NewServer(opts Options) *Server {
	log := opts.Logger.With().Str("component", "api").Logger()
	s := &Server{
		engine:    opts.Engine,
		verifier:  opts.Verifier,
		tokens:    opts.Tokens,
		metrics:   opts.Metrics,
		errs:      NewErrorHandler(log),
		limiter:   newUserLimiter(opts.RateLimitPerSec, opts.RateLimitBurst),
		log:       log,
		health:    opts.Health,
		origins:   opts.CORSOrigins,
		wsClients: map[*wsClient]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.errs.RecoveryMiddleware)
	r.Use(s.requestLogger)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Telegram-Init-Data", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/telegram", s.handleAuthTelegram)

		r.With(s.authenticate).Get("/me", s.handleMe)
		r.Route("/mining", func(r chi.Router) {
			r.With(s.authenticateStream).Get("/ws", s.handleWS)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.With(s.rateLimit).Post("/tap", s.handleTap)
				r.Get("/stats", s.handleStats)
				r.Get("/sessions", s.handleSessions)
				r.Post("/session/start", s.handleSessionStart)
				r.Post("/session/stop", s.handleSessionStop)
			})
		})
	})
	return r
}

// Close drops open WebSocket streams; http.Server.Shutdown does not track
// hijacked connections.
func (s *Server) Close() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsClients {
		_ = c.conn.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
