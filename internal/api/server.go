// Package api is the HTTP surface: the core send endpoint, carrier
// callbacks, and the JWT-protected admin API.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/otpgate/otpgate/internal/api/middleware"
	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/dispatch"
	"github.com/otpgate/otpgate/internal/lifecycle"
	"github.com/otpgate/otpgate/internal/routing"
)

// ConnectionReporter reports whether the voice control plane is up.
type ConnectionReporter interface {
	Connected() bool
}

// TrunkReporter reports carrier trunk health from the OPTIONS probe.
type TrunkReporter interface {
	Healthy() bool
}

// Deps bundles everything the server needs. Metrics, VoiceGateway and
// TrunkHealth may be nil when the corresponding subsystem is disabled.
type Deps struct {
	Config       *config.Config
	Repos        *database.Repositories
	Dispatcher   *dispatch.Dispatcher
	Lifecycle    *lifecycle.StateMachine
	Routes       *routing.Router
	Bus          *bus.Bus
	JWTSecret    []byte
	Metrics      http.Handler
	VoiceGateway ConnectionReporter
	TrunkHealth  TrunkReporter
	Logger       *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	deps    Deps
	limiter *middleware.IPRateLimiter
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		limiter: middleware.NewIPRateLimiter(middleware.RateLimitConfig{
			Rate:            rate.Limit(deps.Config.RateLimitRPS),
			Burst:           deps.Config.RateLimitBurst,
			CleanupInterval: middleware.DefaultRateLimitConfig().CleanupInterval,
			MaxAge:          middleware.DefaultRateLimitConfig().MaxAge,
		}),
		logger: deps.Logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware state.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// Core-facing endpoints.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Post("/send-otp", s.handleSendOTP)
	})
	r.Post("/webhooks/auth", s.handleAuthWebhook)
	r.Post("/webhooks/dlr", s.handleDlrWebhook)
	r.Post("/webhooks/cdr", s.handleCdrWebhook)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	// Admin API.
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminAuth(s.deps.JWTSecret))

			r.Route("/requests", func(r chi.Router) {
				r.Get("/", s.handleListRequests)
				r.Get("/{id}", s.handleGetRequest)
			})

			r.Route("/routes", func(r chi.Router) {
				r.Get("/", s.handleListRoutes)
				r.Post("/", s.handleCreateRoute)
				r.Put("/{id}", s.handleUpdateRoute)
				r.Delete("/{id}", s.handleDeleteRoute)
			})

			r.Get("/stats", s.handleStats)
			r.Get("/live", s.handleLive)
		})
	})

	s.logger.Info("api routes mounted")
}
