package api

import (
	"log/slog"
	"net/http"

	"github.com/dialcast/dialcast/internal/api/middleware"
	"github.com/dialcast/dialcast/internal/compliance"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/dispatch"
	"github.com/dialcast/dialcast/internal/events"
	"github.com/dialcast/dialcast/internal/tts"
	"github.com/dialcast/dialcast/internal/twiml"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// Deps carries everything the HTTP layer needs. All fields are required
// unless noted.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Broadcasts database.BroadcastRepository
	Calls      database.CallRepository
	Assets     database.AudioAssetRepository
	AdminUsers database.AdminUserRepository
	Engine     *dispatch.Engine
	TTS        *tts.Materializer
	Filter     *compliance.Filter
	Generator  *twiml.Generator
	Hub        *events.Hub
	Metrics    http.Handler // optional; /metrics is not mounted when nil
	JWTSecret  []byte
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger

	broadcasts database.BroadcastRepository
	calls      database.CallRepository
	assets     database.AudioAssetRepository
	adminUsers database.AdminUserRepository

	engine    *dispatch.Engine
	tts       *tts.Materializer
	filter    *compliance.Filter
	generator *twiml.Generator
	hub       *events.Hub
	ws        http.Handler
	metrics   http.Handler
	jwtSecret []byte

	validate    *validator.Validate
	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         deps.Config,
		logger:      deps.Logger.With("subsystem", "api"),
		broadcasts:  deps.Broadcasts,
		calls:       deps.Calls,
		assets:      deps.Assets,
		adminUsers:  deps.AdminUsers,
		engine:      deps.Engine,
		tts:         deps.TTS,
		filter:      deps.Filter,
		generator:   deps.Generator,
		hub:         deps.Hub,
		ws:          events.NewWSHandler(deps.Hub, deps.Logger),
		metrics:     deps.Metrics,
		jwtSecret:   deps.JWTSecret,
		validate:    validator.New(),
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// First-boot operator account creation and login.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.authLimiter))
			r.Post("/setup", s.handleSetup)
			r.Post("/auth/login", s.handleLogin)
		})

		// Campaign management, JWT-protected.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.apiLimiter))
			r.Use(middleware.RequireAdminAuth(s.jwtSecret))

			r.Post("/broadcast/start", s.handleBroadcastStart)
			r.Get("/broadcast/list", s.handleBroadcastList)
			r.Get("/broadcast/status/{id}", s.handleBroadcastStatus)
			r.Post("/broadcast/{id}/cancel", s.handleBroadcastCancel)
			r.Get("/broadcast/{id}/calls", s.handleBroadcastCalls)
			r.Delete("/broadcast/{id}", s.handleBroadcastDelete)
		})

		// Provider-facing endpoints, signature-protected. The provider
		// fetches the call script here and posts status and keypress
		// webhooks back.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireProviderSignature(s.cfg.ProviderSigningSecret, s.cfg.BaseURL))

			r.Get("/broadcast/twiml", s.handleTwiML)
			r.Post("/broadcast/twiml", s.handleTwiML)
			r.Post("/broadcast/{callID}/status", s.handleStatusCallback)
			r.Post("/broadcast/keypress", s.handleKeypress)
		})

		// Live event stream. Browsers cannot set an Authorization header
		// on a WebSocket handshake, so the token travels as a query param.
		r.Get("/ws", s.handleWS)
	})

	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS authenticates the token query param and hands the connection
// to the event hub's WebSocket handler.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := middleware.ValidateAdminToken(s.jwtSecret, token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	s.ws.ServeHTTP(w, r)
}
